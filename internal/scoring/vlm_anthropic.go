package scoring

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicDefaultModel = "claude-sonnet-4-5"
	anthropicMaxTokens    = 512

	// anthropicMaxImageBytes keeps request payloads well under the API
	// limit.
	anthropicMaxImageBytes = 5 << 20
)

const anthropicGateSystemPrompt = `You are an image quality gate for generated game assets.
Judge the image strictly against the rubric and reply with JSON only:
{"score": <number 0-5>, "reason": "<one short sentence>"}
Do not add any other text.`

// anthropicEvaluator judges candidates with a hosted Claude vision model.
type anthropicEvaluator struct {
	client anthropic.Client
	model  string
}

func newAnthropicEvaluator(cfg VLMConfig) (*anthropicEvaluator, error) {
	key := strings.TrimSpace(cfg.AnthropicAPIKey)
	if key == "" {
		return nil, errors.New("anthropic evaluator: missing api key")
	}
	model := strings.TrimSpace(cfg.AnthropicModel)
	if model == "" {
		model = anthropicDefaultModel
	}
	return &anthropicEvaluator{
		client: anthropic.NewClient(aoption.WithAPIKey(key)),
		model:  model,
	}, nil
}

func (e *anthropicEvaluator) Kind() string { return EvaluatorAnthropic }

func (e *anthropicEvaluator) Evaluate(ctx context.Context, req EvalRequest) (EvalResponse, error) {
	raw, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return EvalResponse{}, fmt.Errorf("read candidate: %w", err)
	}
	if len(raw) > anthropicMaxImageBytes {
		return EvalResponse{}, fmt.Errorf("candidate too large for vision gate (%d bytes)", len(raw))
	}
	mediaType, err := imageMediaType(req.ImagePath)
	if err != nil {
		return EvalResponse{}, err
	}

	rubric := strings.TrimSpace(req.Rubric)
	if rubric == "" {
		rubric = "The image is a clean, well-composed game asset with no artifacts."
	}

	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: anthropicMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: anthropicGateSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(raw)),
				anthropic.NewTextBlock("Rubric:\n"+rubric),
			),
		},
	})
	if err != nil {
		return EvalResponse{}, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseEvalResponse([]byte(text.String()))
}

func imageMediaType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png", nil
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	case ".webp":
		return "image/webp", nil
	default:
		return "", fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}
}
