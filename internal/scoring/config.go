package scoring

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the explicit scorer configuration. The CLI edge populates it
// (from flags, a YAML file, or its own environment handling); the scorer
// itself never consults ambient state.
type Config struct {
	VLM      VLMConfig       `yaml:"vlm" json:"vlm"`
	Adapters []AdapterConfig `yaml:"adapters" json:"adapters,omitempty"`

	// TimeoutSeconds bounds every external evaluator/adapter call.
	// Defaults to 60.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Evaluator kinds.
const (
	EvaluatorCommand   = "command"
	EvaluatorHTTP      = "http"
	EvaluatorAnthropic = "anthropic"
)

// VLMConfig selects the vision-language gate evaluator. An empty Evaluator
// disables the gate even when targets declare thresholds.
type VLMConfig struct {
	// Evaluator is "command", "http" or "anthropic".
	Evaluator string `yaml:"evaluator" json:"evaluator,omitempty"`

	// Command is the argv for the command evaluator. The request is JSON
	// on stdin, the response JSON on stdout.
	Command []string `yaml:"command" json:"command,omitempty"`

	// URL is the endpoint for the http evaluator (JSON POST).
	URL string `yaml:"url" json:"url,omitempty"`

	// AnthropicAPIKey/AnthropicModel configure the anthropic evaluator.
	AnthropicAPIKey string `yaml:"anthropic_api_key" json:"-"`
	AnthropicModel  string `yaml:"anthropic_model" json:"anthropic_model,omitempty"`
}

// AdapterConfig configures one external scoring adapter. Each adapter owns
// one metric name; the metric is opt-in via Enabled.
type AdapterConfig struct {
	// Metric is the component name in the composite score (e.g.
	// "clip_alignment", "lpips_distance").
	Metric  string `yaml:"metric" json:"metric"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	// Kind is "command" or "http".
	Kind    string   `yaml:"kind" json:"kind"`
	Command []string `yaml:"command" json:"command,omitempty"`
	URL     string   `yaml:"url" json:"url,omitempty"`
}

// LoadConfig reads a YAML scorer configuration.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(filepath.Clean(strings.TrimSpace(path)))
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scoring config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks evaluator/adapter wiring without touching the network.
func (c Config) Validate() error {
	switch strings.TrimSpace(c.VLM.Evaluator) {
	case "":
	case EvaluatorCommand:
		if len(c.VLM.Command) == 0 {
			return fmt.Errorf("vlm evaluator %q needs a command", EvaluatorCommand)
		}
	case EvaluatorHTTP:
		if strings.TrimSpace(c.VLM.URL) == "" {
			return fmt.Errorf("vlm evaluator %q needs a url", EvaluatorHTTP)
		}
	case EvaluatorAnthropic:
		if strings.TrimSpace(c.VLM.AnthropicAPIKey) == "" {
			return fmt.Errorf("vlm evaluator %q needs an api key", EvaluatorAnthropic)
		}
	default:
		return fmt.Errorf("unknown vlm evaluator %q", c.VLM.Evaluator)
	}

	seen := map[string]bool{}
	for _, a := range c.Adapters {
		metric := strings.TrimSpace(a.Metric)
		if metric == "" {
			return fmt.Errorf("adapter with empty metric name")
		}
		if seen[metric] {
			return fmt.Errorf("duplicate adapter metric %q", metric)
		}
		seen[metric] = true
		if !a.Enabled {
			continue
		}
		switch strings.TrimSpace(a.Kind) {
		case EvaluatorCommand:
			if len(a.Command) == 0 {
				return fmt.Errorf("adapter %s: command kind needs a command", metric)
			}
		case EvaluatorHTTP:
			if strings.TrimSpace(a.URL) == "" {
				return fmt.Errorf("adapter %s: http kind needs a url", metric)
			}
		default:
			return fmt.Errorf("adapter %s: unknown kind %q", metric, a.Kind)
		}
	}
	return nil
}
