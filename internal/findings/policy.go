package findings

import (
	"errors"
	"fmt"
	"math"
)

// SeverityWeights is the base relevance contributed by each severity.
type SeverityWeights struct {
	Error   float64 `toml:"error" json:"error" yaml:"error"`
	Warning float64 `toml:"warning" json:"warning" yaml:"warning"`
	Info    float64 `toml:"info" json:"info" yaml:"info"`
	Style   float64 `toml:"style" json:"style" yaml:"style"`
}

// Weight returns the base weight for sev.
func (w SeverityWeights) Weight(sev Severity) float64 {
	switch sev {
	case SeverityError:
		return w.Error
	case SeverityWarning:
		return w.Warning
	case SeverityStyle:
		return w.Style
	default:
		return w.Info
	}
}

// Policy holds the tunable scoring and tiering parameters.
type Policy struct {
	// ImmediateThreshold is the minimum score routed to TierImmediate.
	ImmediateThreshold float64 `toml:"immediate_threshold" json:"immediate_threshold" yaml:"immediate_threshold"`

	// RelevantThreshold is the minimum score routed to TierRelevant.
	RelevantThreshold float64 `toml:"relevant_threshold" json:"relevant_threshold" yaml:"relevant_threshold"`

	// HighWatermark is the tier length that triggers trimming.
	HighWatermark int `toml:"high_watermark" json:"high_watermark" yaml:"high_watermark"`

	// TrimTarget is the number of most recent findings kept after a trim.
	TrimTarget int `toml:"trim_target" json:"trim_target" yaml:"trim_target"`

	SeverityWeights SeverityWeights `toml:"severity_weights" json:"severity_weights" yaml:"severity_weights"`

	CurrentFileBonus    float64 `toml:"current_file_bonus" json:"current_file_bonus" yaml:"current_file_bonus"`
	BlockingBonus       float64 `toml:"blocking_bonus" json:"blocking_bonus" yaml:"blocking_bonus"`
	FreshnessBonus      float64 `toml:"freshness_bonus" json:"freshness_bonus" yaml:"freshness_bonus"`
	PreCommitBonus      float64 `toml:"pre_commit_bonus" json:"pre_commit_bonus" yaml:"pre_commit_bonus"`
	ActiveCodingPenalty float64 `toml:"active_coding_penalty" json:"active_coding_penalty" yaml:"active_coding_penalty"`
}

// DefaultPolicy returns the standard thresholds and watermarks.
func DefaultPolicy() Policy {
	return Policy{
		ImmediateThreshold: 0.8,
		RelevantThreshold:  0.4,
		HighWatermark:      500,
		TrimTarget:         250,
		SeverityWeights: SeverityWeights{
			Error:   0.6,
			Warning: 0.4,
			Info:    0.2,
			Style:   0.1,
		},
		CurrentFileBonus:    0.5,
		BlockingBonus:       0.4,
		FreshnessBonus:      0.3,
		PreCommitBonus:      0.2,
		ActiveCodingPenalty: 0.2,
	}
}

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	var errs []error
	inUnit := func(name string, v float64) {
		if v < 0 || v > 1 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	inUnit("immediate_threshold", p.ImmediateThreshold)
	inUnit("relevant_threshold", p.RelevantThreshold)
	if p.RelevantThreshold > p.ImmediateThreshold {
		errs = append(errs, fmt.Errorf("relevant_threshold (%v) must not exceed immediate_threshold (%v)",
			p.RelevantThreshold, p.ImmediateThreshold))
	}
	if p.TrimTarget <= 0 {
		errs = append(errs, fmt.Errorf("trim_target must be positive, got %d", p.TrimTarget))
	}
	if p.HighWatermark <= p.TrimTarget {
		errs = append(errs, fmt.Errorf("high_watermark (%d) must exceed trim_target (%d)",
			p.HighWatermark, p.TrimTarget))
	}
	return errors.Join(errs...)
}

// ComputeRelevance scores f for the given user context, clamped to [0,1].
// A nil context contributes no file or phase adjustments.
func ComputeRelevance(f Finding, uc *UserContext, p Policy) float64 {
	score := p.SeverityWeights.Weight(f.Severity)

	if uc.IsEditing(f.File) {
		score += p.CurrentFileBonus
	}
	if f.Blocking {
		score += p.BlockingBonus
	}
	if f.IsNew && f.CausedByRecentChange {
		score += p.FreshnessBonus
	}
	if uc != nil {
		switch uc.Phase {
		case PhasePreCommit:
			score += p.PreCommitBonus
		case PhaseActiveCoding:
			score -= p.ActiveCodingPenalty
		}
	}

	return math.Max(0, math.Min(1, score))
}

// AssignTier picks the single tier f is stored in. Rules apply in order:
// blocking findings are always immediate; auto-fixable style findings are
// auto-fixed regardless of score; otherwise the score thresholds decide.
func AssignTier(f Finding, p Policy) Tier {
	switch {
	case f.Blocking:
		return TierImmediate
	case f.Severity == SeverityStyle && f.AutoFixable:
		return TierAutoFixed
	case f.Score() >= p.ImmediateThreshold:
		return TierImmediate
	case f.Score() >= p.RelevantThreshold:
		return TierRelevant
	default:
		return TierBackground
	}
}
