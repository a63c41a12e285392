package findings

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func validFinding() Finding {
	return Finding{
		ID:        "f-1",
		Agent:     "golint",
		Timestamp: "2026-10-18T10:00:00Z",
		File:      "internal/lock/manager.go",
	}
}

func TestNew_Valid(t *testing.T) {
	f := validFinding()
	f.Line = intPtr(12)
	f.Column = intPtr(0)
	f.Severity = "warning"
	f.ScopeType = "current_file"
	f.RelevanceScore = floatPtr(0)

	got, err := New(f)
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, got.Severity)
	assert.Equal(t, ScopeCurrentFile, got.ScopeType)
}

func TestNew_DefaultsSeverityToInfo(t *testing.T) {
	got, err := New(validFinding())
	require.NoError(t, err)
	assert.Equal(t, SeverityInfo, got.Severity)
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Finding)
		field  string
	}{
		{"empty id", func(f *Finding) { f.ID = "  " }, "id"},
		{"empty agent", func(f *Finding) { f.Agent = "" }, "agent"},
		{"empty file", func(f *Finding) { f.File = "" }, "file"},
		{"empty timestamp", func(f *Finding) { f.Timestamp = "" }, "timestamp"},
		{"negative line", func(f *Finding) { f.Line = intPtr(-1) }, "line"},
		{"negative column", func(f *Finding) { f.Column = intPtr(-3) }, "column"},
		{"score above one", func(f *Finding) { f.RelevanceScore = floatPtr(1.5) }, "relevance_score"},
		{"negative score", func(f *Finding) { f.RelevanceScore = floatPtr(-0.1) }, "relevance_score"},
		{"NaN score", func(f *Finding) { f.RelevanceScore = floatPtr(math.NaN()) }, "relevance_score"},
		{"unknown scope", func(f *Finding) { f.ScopeType = "GALAXY" }, "scope_type"},
		{"unknown severity", func(f *Finding) { f.Severity = "FATAL" }, "severity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFinding()
			tt.mutate(&f)

			_, err := New(f)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFinding)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Error(), tt.field)
		})
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("AUTO_FIXED")
	require.NoError(t, err)
	assert.Equal(t, TierAutoFixed, tier)

	_, err = ParseTier("later")
	assert.Error(t, err)
}

func TestTierIndexKeys(t *testing.T) {
	assert.Equal(t, "check_now", TierImmediate.IndexKey())
	assert.Equal(t, "mention_if_relevant", TierRelevant.IndexKey())
	assert.Equal(t, "deferred", TierBackground.IndexKey())
	assert.Equal(t, "auto_fixed", TierAutoFixed.IndexKey())
}

func TestComputeRelevance(t *testing.T) {
	p := DefaultPolicy()

	base := validFinding()
	base.Severity = SeverityInfo

	tests := []struct {
		name string
		f    func() Finding
		uc   *UserContext
		want float64
	}{
		{"severity only", func() Finding { return base }, nil, 0.2},
		{"error outranks info", func() Finding { f := base; f.Severity = SeverityError; return f }, nil, 0.6},
		{"current file bonus", func() Finding { return base }, NewUserContext("", base.File), 0.7},
		{"blocking bonus", func() Finding { f := base; f.Blocking = true; return f }, nil, 0.6},
		{"freshness needs both flags", func() Finding { f := base; f.IsNew = true; return f }, nil, 0.2},
		{"freshness bonus", func() Finding { f := base; f.IsNew = true; f.CausedByRecentChange = true; return f }, nil, 0.5},
		{"pre-commit bonus", func() Finding { return base }, NewUserContext(PhasePreCommit), 0.4},
		{"active coding penalty", func() Finding { return base }, NewUserContext(PhaseActiveCoding), 0},
		{"clamped to one", func() Finding {
			f := base
			f.Severity = SeverityError
			f.Blocking = true
			f.IsNew = true
			f.CausedByRecentChange = true
			return f
		}, NewUserContext(PhasePreCommit, base.File), 1},
		{"clamped to zero", func() Finding { f := base; f.Severity = SeverityStyle; return f }, NewUserContext(PhaseActiveCoding), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeRelevance(tt.f(), tt.uc, p)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestAssignTier(t *testing.T) {
	p := DefaultPolicy()

	mk := func(sev Severity, score float64, blocking, autoFix bool) Finding {
		f := validFinding()
		f.Severity = sev
		f.Blocking = blocking
		f.AutoFixable = autoFix
		return f.WithScore(score)
	}

	tests := []struct {
		name string
		f    Finding
		want Tier
	}{
		{"blocking ignores low score", mk(SeverityInfo, 0, true, false), TierImmediate},
		{"blocking beats auto-fix", mk(SeverityStyle, 0.1, true, true), TierImmediate},
		{"auto-fixable style overrides score", mk(SeverityStyle, 0.3, false, true), TierAutoFixed},
		{"auto-fixable style overrides high score", mk(SeverityStyle, 0.95, false, true), TierAutoFixed},
		{"auto-fixable warning uses score", mk(SeverityWarning, 0.9, false, true), TierImmediate},
		{"score at immediate threshold", mk(SeverityInfo, 0.8, false, false), TierImmediate},
		{"relevant", mk(SeverityWarning, 0.5, false, false), TierRelevant},
		{"score at relevant threshold", mk(SeverityInfo, 0.4, false, false), TierRelevant},
		{"background", mk(SeverityInfo, 0.2, false, false), TierBackground},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssignTier(tt.f, p))
		})
	}
}

func TestAssignTier_BlockingAlwaysImmediate(t *testing.T) {
	p := DefaultPolicy()
	for _, sev := range Severities {
		for score := 0.0; score <= 1.0; score += 0.1 {
			f := validFinding()
			f.Severity = sev
			f.Blocking = true
			f.AutoFixable = true
			assert.Equal(t, TierImmediate, AssignTier(f.WithScore(score), p))
		}
	}
}

func TestAssignTier_UnscoredIsBackground(t *testing.T) {
	assert.Equal(t, TierBackground, AssignTier(validFinding(), DefaultPolicy()))
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.RelevantThreshold = 0.9
	p.TrimTarget = 600
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relevant_threshold")
	assert.Contains(t, err.Error(), "high_watermark")
}

func TestFindingTime(t *testing.T) {
	f := validFinding()
	ts, ok := f.Time()
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	f.Timestamp = "yesterday"
	_, ok = f.Time()
	assert.False(t, ok)
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
