// Package fingerprint computes the input fingerprint: a stable hash of every
// policy and prompt input that affects a job's expected output.
//
// The fingerprint detects staleness: a selection-lock entry approved under
// one fingerprint is invalid once any generation input changes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

// inputs is the canonical serialization of everything that determines a
// job's output. encoding/json sorts map keys, so the encoding is stable.
type inputs struct {
	Version      int                 `json:"v"`
	TargetID     string              `json:"target_id"`
	Prompt       target.PromptSpec   `json:"prompt"`
	Policy       policy.Policy       `json:"policy"`
	Edit         *target.EditSpec    `json:"edit,omitempty"`
	RequireAlpha bool                `json:"require_alpha,omitempty"`
	Provider     string              `json:"provider,omitempty"`
	Model        string              `json:"model,omitempty"`
}

const version = 1

// Compute hashes the generation-relevant inputs of a target under its
// normalized policy.
func Compute(t *target.Target, pol policy.Policy, provider, model string) (string, error) {
	if t == nil {
		return "", fmt.Errorf("nil target")
	}
	in := inputs{
		Version:      version,
		TargetID:     t.ID,
		Prompt:       t.Prompt,
		Policy:       pol,
		Edit:         t.Edit,
		RequireAlpha: t.RequireAlpha,
		Provider:     provider,
		Model:        model,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint inputs: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Combine folds several fingerprints into one run-level hash.
func Combine(fingerprints ...string) string {
	h := sha256.New()
	for _, fp := range fingerprints {
		h.Write([]byte(fp))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
