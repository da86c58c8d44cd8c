package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/Someblueman/lootforge-sub002/internal/consistency"
	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

// Manifest is the on-disk target list: shared policy defaults plus the
// targets themselves. Targets without their own policy inherit the
// defaults verbatim.
type Manifest struct {
	Defaults policy.Policy `json:"defaults"`

	Consistency struct {
		WarnThreshold    float64 `json:"warn_threshold,omitempty"`
		PenaltyThreshold float64 `json:"penalty_threshold,omitempty"`
		PenaltyWeight    float64 `json:"penalty_weight,omitempty"`
	} `json:"consistency"`

	Targets []*target.Target `json:"targets"`
}

// ConsistencyDefaults maps the manifest block to group thresholds; zero
// values resolve to the package defaults downstream.
func (m *Manifest) ConsistencyDefaults() consistency.Thresholds {
	return consistency.Thresholds{
		Warn:          m.Consistency.WarnThreshold,
		Penalty:       m.Consistency.PenaltyThreshold,
		PenaltyWeight: m.Consistency.PenaltyWeight,
	}
}

func loadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Clean(strings.TrimSpace(path)))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Targets) == 0 {
		return nil, fmt.Errorf("manifest %s has no targets", path)
	}
	zero := policy.Policy{}
	for _, t := range m.Targets {
		if reflect.DeepEqual(t.Policy, zero) {
			t.Policy = m.Defaults
		}
	}
	return &m, nil
}

func mustLoadManifest(path string) *Manifest {
	m, err := loadManifest(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load targets: %v\n", err)
		os.Exit(1)
	}
	return m
}

func mustLoadTargets(path string) []*target.Target {
	return mustLoadManifest(path).Targets
}
