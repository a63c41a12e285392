package findings

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Severity of a finding.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
	SeverityStyle   Severity = "STYLE"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityError, SeverityWarning, SeverityInfo, SeverityStyle}

// ParseSeverity coerces s to a Severity. Matching is case-insensitive and
// the empty string maps to SeverityInfo.
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return SeverityInfo, nil
	}
	for _, sev := range Severities {
		if string(sev) == s {
			return sev, nil
		}
	}
	return "", fmt.Errorf("findings: unknown severity %q", s)
}

// ScopeType describes how far a finding reaches beyond its file.
type ScopeType string

const (
	ScopeCurrentFile  ScopeType = "CURRENT_FILE"
	ScopeRelatedFiles ScopeType = "RELATED_FILES"
	ScopePackage      ScopeType = "PACKAGE"
	ScopeProject      ScopeType = "PROJECT"
)

// Tier is one of the four priority buckets a finding is stored in.
type Tier string

const (
	TierImmediate  Tier = "immediate"
	TierRelevant   Tier = "relevant"
	TierBackground Tier = "background"
	TierAutoFixed  Tier = "auto_fixed"
)

// Tiers lists every tier in priority order.
var Tiers = []Tier{TierImmediate, TierRelevant, TierBackground, TierAutoFixed}

// IndexKey returns the key under which the tier is summarized in index.json.
func (t Tier) IndexKey() string {
	switch t {
	case TierImmediate:
		return "check_now"
	case TierRelevant:
		return "mention_if_relevant"
	case TierBackground:
		return "deferred"
	case TierAutoFixed:
		return "auto_fixed"
	default:
		return string(t)
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("findings: unknown tier %q", s)
	}
	return t, nil
}

// Phase is what the user is currently doing.
type Phase string

const (
	PhaseActiveCoding Phase = "active_coding"
	PhasePreCommit    Phase = "pre_commit"
)

// UserContext is the caller-supplied signal used for relevance scoring.
// It is never persisted.
type UserContext struct {
	CurrentlyEditing map[string]struct{}
	Phase            Phase
}

// NewUserContext builds a UserContext for the given phase and open files.
func NewUserContext(phase Phase, editing ...string) *UserContext {
	uc := &UserContext{
		CurrentlyEditing: make(map[string]struct{}, len(editing)),
		Phase:            phase,
	}
	for _, path := range editing {
		uc.CurrentlyEditing[filepath.Clean(path)] = struct{}{}
	}
	return uc
}

// IsEditing reports whether path is among the files being edited.
func (uc *UserContext) IsEditing(path string) bool {
	if uc == nil {
		return false
	}
	_, ok := uc.CurrentlyEditing[filepath.Clean(path)]
	return ok
}
