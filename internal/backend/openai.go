package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

const (
	openAIProviderName = "openai"
	openAIDefaultModel = "gpt-image-1"
)

// OpenAIOptions configures the OpenAI adapter. The API key comes from the
// CLI edge; nothing here reads the environment.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string

	// Model is the default image model ("gpt-image-1" when empty).
	Model string

	Logger *slog.Logger
}

// OpenAI generates images through the OpenAI Images API (generate + edit).
type OpenAI struct {
	client openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenAI builds the adapter.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai: missing api key")
	}
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if u := strings.TrimSpace(opts.BaseURL); u != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(u))
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = openAIDefaultModel
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &OpenAI{
		client: openai.NewClient(reqOpts...),
		model:  model,
		log:    log,
	}, nil
}

func (o *OpenAI) Name() string { return openAIProviderName }

func (o *OpenAI) Capabilities() policy.Capabilities {
	return policy.Capabilities{
		Formats:              []string{"png", "jpg", "webp"},
		AlphaFormats:         []string{"png", "webp"},
		SupportsTransparency: true,
		MaxCandidates:        10,
		DefaultConcurrency:   2,
	}
}

func (o *OpenAI) Supports(feature Feature) bool {
	switch feature {
	case FeatureTransparentBackground, FeatureImageEdit, FeatureMultiCandidate:
		return true
	default:
		return false
	}
}

func (o *OpenAI) PrepareJobs(_ context.Context, plans []target.Planned, workRoot string) ([]Job, error) {
	return buildJobs(openAIProviderName, o.model, plans, workRoot)
}

func (o *OpenAI) RunJob(ctx context.Context, job Job) (RunOutput, error) {
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return RunOutput{}, fmt.Errorf("openai: create work dir: %w", err)
	}
	if job.Edit != nil && strings.TrimSpace(job.Edit.BaseImage) != "" {
		return o.runEdit(ctx, job)
	}
	return o.runGenerate(ctx, job)
}

func (o *OpenAI) runGenerate(ctx context.Context, job Job) (RunOutput, error) {
	n := job.Candidates
	if n < 1 {
		n = 1
	}
	params := openai.ImageGenerateParams{
		Prompt: job.Prompt,
		Model:  openai.ImageModel(job.Model),
		N:      openai.Int(int64(n)),
	}
	if s := strings.TrimSpace(job.Size); s != "" {
		params.Size = openai.ImageGenerateParamsSize(s)
	}
	if isGPTImageModel(job.Model) {
		// gpt-image models return base64 payloads by default and accept
		// background/output-format controls.
		params.Quality = openai.ImageGenerateParamsQuality(mapGPTImageQuality(job.Quality))
		if job.Background == policy.BackgroundTransparent {
			params.Background = openai.ImageGenerateParamsBackgroundTransparent
		}
		if f := strings.TrimSpace(job.OutputFormat); f != "" {
			params.OutputFormat = openai.ImageGenerateParamsOutputFormat(f)
		}
	} else {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	}

	res, err := o.client.Images.Generate(ctx, params)
	if err != nil {
		return RunOutput{}, err
	}
	return o.writeCandidates(job, res)
}

func (o *OpenAI) runEdit(ctx context.Context, job Job) (RunOutput, error) {
	base, err := os.Open(job.Edit.BaseImage)
	if err != nil {
		return RunOutput{}, fmt.Errorf("openai: open edit base: %w", err)
	}
	defer base.Close()

	instruction := strings.TrimSpace(job.Edit.Instruction)
	if instruction == "" {
		instruction = job.Prompt
	}
	n := job.Candidates
	if n < 1 {
		n = 1
	}
	params := openai.ImageEditParams{
		Image: openai.ImageEditParamsImageUnion{
			OfFile: openai.File(base, filepath.Base(job.Edit.BaseImage), "image/png"),
		},
		Prompt: instruction,
		Model:  openai.ImageModel(job.Model),
		N:      openai.Int(int64(n)),
	}
	if s := strings.TrimSpace(job.Size); s != "" {
		params.Size = openai.ImageEditParamsSize(s)
	}
	if mp := strings.TrimSpace(job.Edit.MaskImage); mp != "" {
		mask, err := os.Open(mp)
		if err != nil {
			return RunOutput{}, fmt.Errorf("openai: open edit mask: %w", err)
		}
		defer mask.Close()
		params.Mask = openai.File(mask, filepath.Base(mp), "image/png")
	}
	if !isGPTImageModel(job.Model) {
		params.ResponseFormat = openai.ImageEditParamsResponseFormatB64JSON
	}

	res, err := o.client.Images.Edit(ctx, params)
	if err != nil {
		return RunOutput{}, err
	}
	return o.writeCandidates(job, res)
}

func (o *OpenAI) writeCandidates(job Job, res *openai.ImagesResponse) (RunOutput, error) {
	if res == nil || len(res.Data) == 0 {
		return RunOutput{}, &Error{Provider: openAIProviderName, Code: "empty_response", Message: "no images returned", Transient: true}
	}

	ext := strings.TrimSpace(job.OutputFormat)
	if ext == "" {
		ext = "png"
	}
	prefix := "cand"
	if job.Stage != "" {
		prefix = job.Stage + "_cand"
	}

	out := RunOutput{Candidates: make([]Candidate, 0, len(res.Data))}
	for i, item := range res.Data {
		payload := strings.TrimSpace(item.B64JSON)
		if payload == "" {
			return RunOutput{}, &Error{Provider: openAIProviderName, Code: "missing_b64_payload", Message: "image item has no base64 payload"}
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return RunOutput{}, &Error{Provider: openAIProviderName, Code: "invalid_b64_payload", Message: err.Error()}
		}
		path := filepath.Join(job.WorkDir, fmt.Sprintf("%s_%02d.%s", prefix, i+1, ext))
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return RunOutput{}, fmt.Errorf("openai: write candidate: %w", err)
		}
		out.Candidates = append(out.Candidates, Candidate{Path: path, Bytes: int64(len(raw))})
	}
	return out, nil
}

func (o *OpenAI) NormalizeError(err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		code := strings.TrimSpace(apierr.Code)
		if code == "" {
			code = fmt.Sprintf("http_%d", apierr.StatusCode)
		}
		return &Error{
			Provider:  openAIProviderName,
			Code:      code,
			Message:   apierr.Message,
			Transient: apierr.StatusCode == 429 || apierr.StatusCode >= 500,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: openAIProviderName, Code: "timeout", Message: err.Error(), Transient: true}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: openAIProviderName, Code: "canceled", Message: err.Error()}
	}
	return &Error{Provider: openAIProviderName, Code: "request_failed", Message: err.Error(), Transient: true}
}

func isGPTImageModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-image")
}

// mapGPTImageQuality maps policy quality names onto the gpt-image scale.
func mapGPTImageQuality(quality string) string {
	switch strings.ToLower(strings.TrimSpace(quality)) {
	case "low", "draft":
		return "low"
	case "high", "hd":
		return "high"
	case "standard", "medium", "":
		return "medium"
	default:
		return "auto"
	}
}
