package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
)

// EvalRequest is the structured request sent to an external evaluator or
// scoring adapter.
type EvalRequest struct {
	ImagePath string `json:"image_path"`
	Rubric    string `json:"rubric,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

// EvalResponse is the structured response. Score is on the 0..MaxScore
// scale; Metrics carries raw adapter measurements.
type EvalResponse struct {
	Score   float64            `json:"score"`
	Reason  string             `json:"reason,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Evaluator is anything that can judge one image: a subprocess, an HTTP
// service, or a hosted vision model.
type Evaluator interface {
	Kind() string
	Evaluate(ctx context.Context, req EvalRequest) (EvalResponse, error)
}

// metricAdapter binds an evaluator to the composite metric it feeds.
type metricAdapter struct {
	metric string
	eval   Evaluator
}

func buildVLMEvaluator(cfg VLMConfig, client *http.Client) (Evaluator, error) {
	switch strings.TrimSpace(cfg.Evaluator) {
	case "":
		return nil, nil
	case EvaluatorCommand:
		if len(cfg.Command) == 0 {
			return nil, errors.New("command evaluator has no command")
		}
		return &commandEvaluator{argv: append([]string(nil), cfg.Command...)}, nil
	case EvaluatorHTTP:
		return newHTTPEvaluator(cfg.URL, client)
	case EvaluatorAnthropic:
		return newAnthropicEvaluator(cfg)
	default:
		return nil, fmt.Errorf("unknown evaluator kind %q", cfg.Evaluator)
	}
}

func buildAdapter(cfg AdapterConfig, client *http.Client) (metricAdapter, error) {
	metric := strings.TrimSpace(cfg.Metric)
	switch strings.TrimSpace(cfg.Kind) {
	case EvaluatorCommand:
		if len(cfg.Command) == 0 {
			return metricAdapter{}, errors.New("command adapter has no command")
		}
		return metricAdapter{metric: metric, eval: &commandEvaluator{argv: append([]string(nil), cfg.Command...)}}, nil
	case EvaluatorHTTP:
		ev, err := newHTTPEvaluator(cfg.URL, client)
		if err != nil {
			return metricAdapter{}, err
		}
		return metricAdapter{metric: metric, eval: ev}, nil
	default:
		return metricAdapter{}, fmt.Errorf("unknown adapter kind %q", cfg.Kind)
	}
}

const evaluatorMaxOutputBytes = 1 << 20 // 1 MiB

// commandEvaluator runs a subprocess with the JSON request on stdin and
// expects a JSON response on stdout.
type commandEvaluator struct {
	argv []string
}

func (e *commandEvaluator) Kind() string { return EvaluatorCommand }

func (e *commandEvaluator) Evaluate(ctx context.Context, req EvalRequest) (EvalResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return EvalResponse{}, err
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return EvalResponse{}, fmt.Errorf("evaluator command failed: %s", msg)
	}
	return parseEvalResponse(stdout.Bytes())
}

// httpEvaluator POSTs the JSON request to a configured endpoint. Private
// and loopback hosts are refused at construction time.
type httpEvaluator struct {
	url    string
	client *http.Client
}

func newHTTPEvaluator(rawURL string, client *http.Client) (*httpEvaluator, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := checkURLAllowed(rawURL); err != nil {
		return nil, err
	}
	return &httpEvaluator{url: rawURL, client: client}, nil
}

func (e *httpEvaluator) Kind() string { return EvaluatorHTTP }

func (e *httpEvaluator) Evaluate(ctx context.Context, req EvalRequest) (EvalResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return EvalResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return EvalResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return EvalResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, evaluatorMaxOutputBytes))
	if err != nil {
		return EvalResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("evaluator endpoint returned status %d", resp.StatusCode)
		}
		return EvalResponse{}, errors.New(msg)
	}
	return parseEvalResponse(body)
}

// parseEvalResponse decodes an evaluator reply, tolerating a markdown code
// fence around the JSON (model-backed evaluators do that).
func parseEvalResponse(raw []byte) (EvalResponse, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return EvalResponse{}, errors.New("empty evaluator response")
	}
	var out EvalResponse
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return EvalResponse{}, fmt.Errorf("malformed evaluator response: %w", err)
	}
	return out, nil
}
