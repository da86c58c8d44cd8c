// Package selection manages the selection lock: the operator-approved
// canonical candidate per target.
//
// The lock file is the only mutable state shared between a generation run
// and the approval step, so the regeneration contract is strict: a missing
// entry, an unapproved entry and a stale fingerprint are three distinct
// error conditions, and a locked path is always validated to resolve inside
// the output root before use.
package selection

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Distinct regeneration error conditions. Consumers must never fold these
// together or fall back to an unapproved/stale image.
var (
	ErrNotFound            = errors.New("no selection lock entry")
	ErrNotApproved         = errors.New("selection lock entry not approved")
	ErrFingerprintMismatch = errors.New("selection lock fingerprint is stale")

	// ErrUnsafePath marks a locked path that escapes the output root.
	// Security fault: fatal for the operation, never downgraded.
	ErrUnsafePath = errors.New("locked output path escapes the output root")
)

// Entry is one target's lock record.
type Entry struct {
	TargetID           string `json:"target_id"`
	InputHash          string `json:"input_hash"`
	SelectedOutputPath string `json:"selected_output_path"`
	Approved           bool   `json:"approved"`
}

// lockFile is the on-disk JSON document.
type lockFile struct {
	GeneratedAt string  `json:"generated_at"`
	Targets     []Entry `json:"targets"`
}

// Manager loads, mutates and saves the lock file. Safe for concurrent use.
type Manager struct {
	path       string
	outputRoot string

	mu      sync.Mutex
	entries map[string]Entry
}

// Open loads the lock file at path, scoped to outputRoot. A missing file
// yields an empty manager; an unreadable or malformed file is a run-level
// error.
func Open(path, outputRoot string) (*Manager, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, errors.New("missing lock path")
	}
	absRoot, err := filepath.Abs(strings.TrimSpace(outputRoot))
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}

	m := &Manager{path: path, outputRoot: absRoot, entries: map[string]Entry{}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	var doc lockFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	for _, e := range doc.Targets {
		id := strings.TrimSpace(e.TargetID)
		if id == "" {
			continue
		}
		m.entries[id] = e
	}
	return m, nil
}

// Approve records or overwrites the lock entry for targetID.
func (m *Manager) Approve(targetID, inputHash, outputPath string) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return errors.New("missing target id")
	}
	if strings.TrimSpace(inputHash) == "" {
		return fmt.Errorf("target %s: missing input hash", targetID)
	}
	if _, err := m.resolveInRoot(outputPath); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[targetID] = Entry{
		TargetID:           targetID,
		InputHash:          inputHash,
		SelectedOutputPath: outputPath,
		Approved:           true,
	}
	return nil
}

// Resolve returns the current entry for targetID, or ErrNotFound.
func (m *Manager) Resolve(targetID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[strings.TrimSpace(targetID)]
	if !ok {
		return Entry{}, fmt.Errorf("target %s: %w", targetID, ErrNotFound)
	}
	return e, nil
}

// ResolveApproved resolves the entry for regeneration against the current
// input fingerprint. It distinguishes missing, unapproved and stale
// entries, and validates the locked path stays inside the output root.
// The returned path is absolute.
func (m *Manager) ResolveApproved(targetID, currentHash string) (Entry, string, error) {
	e, err := m.Resolve(targetID)
	if err != nil {
		return Entry{}, "", err
	}
	if !e.Approved {
		return Entry{}, "", fmt.Errorf("target %s: %w", targetID, ErrNotApproved)
	}
	if e.InputHash != strings.TrimSpace(currentHash) {
		return Entry{}, "", fmt.Errorf("target %s: %w (locked %s)", targetID, ErrFingerprintMismatch, shortHash(e.InputHash))
	}
	abs, err := m.resolveInRoot(e.SelectedOutputPath)
	if err != nil {
		return Entry{}, "", err
	}
	return e, abs, nil
}

// HasApproved reports whether targetID has an approved, fingerprint-current
// entry (the skip-locked dispatch check).
func (m *Manager) HasApproved(targetID, currentHash string) bool {
	_, _, err := m.ResolveApproved(targetID, currentHash)
	return err == nil
}

// Save writes the lock file atomically (temp file + rename).
func (m *Manager) Save() error {
	m.mu.Lock()
	doc := lockFile{GeneratedAt: time.Now().UTC().Format(time.RFC3339)}
	for _, e := range m.entries {
		doc.Targets = append(doc.Targets, e)
	}
	m.mu.Unlock()

	sort.Slice(doc.Targets, func(i, j int) bool { return doc.Targets[i].TargetID < doc.Targets[j].TargetID })

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// resolveInRoot resolves p (relative paths are relative to the output root)
// and rejects anything escaping the root.
func (m *Manager) resolveInRoot(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.outputRoot, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(m.outputRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, p)
	}
	return abs, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
