package policy

import "fmt"

// Issue levels.
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// Stable issue codes emitted by Normalize.
const (
	CodeCandidateCountClamped            = "candidate_count_clamped"
	CodeJPGTransparencyNormalized        = "jpg_transparency_normalized"
	CodeTransparentBackgroundUnsupported = "transparent_background_unsupported"
	CodeCoarseToFineTopKClamped          = "coarse_to_fine_topk_clamped"
	CodeOutputFormatUnsupported          = "output_format_unsupported"
)

// Issue is one normalization finding. Level is "error" or "warning"; Code is
// stable and machine-checkable; Message is for humans.
type Issue struct {
	Level   string `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s[%s]: %s", i.Level, i.Code, i.Message)
}

// Issues is the ordered finding list for one normalization.
type Issues []Issue

// HasErrors reports whether any issue is error-level.
func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.Level == LevelError {
			return true
		}
	}
	return false
}

// Codes returns the issue codes in order, for logging and tests.
func (is Issues) Codes() []string {
	out := make([]string, 0, len(is))
	for _, i := range is {
		out = append(out, i.Code)
	}
	return out
}

// Fatal reports whether the issue set should abort the target: error-level
// issues always do; in strict mode warnings do too.
func (is Issues) Fatal(strict bool) bool {
	if strict {
		return len(is) > 0
	}
	return is.HasErrors()
}

func warnf(code, format string, args ...any) Issue {
	return Issue{Level: LevelWarning, Code: code, Message: fmt.Sprintf(format, args...)}
}

func errorf(code, format string, args ...any) Issue {
	return Issue{Level: LevelError, Code: code, Message: fmt.Sprintf(format, args...)}
}
