// Package findings defines the unit of agent output and the policy that
// scores and tiers it.
//
// A Finding is validated once, by New. Nothing downstream re-validates, so
// every Finding handed to the context store must come from New.
package findings

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrInvalidFinding is matched by every *ValidationError.
var ErrInvalidFinding = errors.New("findings: invalid finding")

// findingValidate is the validator for Finding, keyed by JSON field names.
var findingValidate *validator.Validate

func init() {
	findingValidate = validator.New(validator.WithRequiredStructEnabled())
	findingValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Finding is a single result reported by an agent.
//
// Findings are immutable once stored. A correction is a new Finding with a
// new ID.
type Finding struct {
	ID        string `json:"id" validate:"required"`
	Agent     string `json:"agent" validate:"required"`
	Timestamp string `json:"timestamp" validate:"required"`
	File      string `json:"file" validate:"required"`

	Line   *int `json:"line,omitempty" validate:"omitempty,gte=0"`
	Column *int `json:"column,omitempty" validate:"omitempty,gte=0"`

	Severity Severity `json:"severity" validate:"oneof=ERROR WARNING INFO STYLE"`
	Blocking bool     `json:"blocking"`

	Category   string `json:"category,omitempty"`
	Message    string `json:"message,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`

	AutoFixable bool   `json:"auto_fixable"`
	FixCommand  string `json:"fix_command,omitempty"`

	ScopeType            ScopeType `json:"scope_type,omitempty" validate:"omitempty,oneof=CURRENT_FILE RELATED_FILES PACKAGE PROJECT"`
	CausedByRecentChange bool      `json:"caused_by_recent_change"`
	IsNew                bool      `json:"is_new"`

	RelevanceScore *float64 `json:"relevance_score,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// ValidationError lists every problem found while constructing a Finding.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "findings: invalid finding: " + strings.Join(e.Problems, "; ")
}

// Is reports whether target is ErrInvalidFinding.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidFinding
}

// New normalizes and validates f. String severities are coerced to the
// canonical upper-case form (empty means INFO) and scope types are
// upper-cased. Any violation rejects the whole Finding.
func New(f Finding) (Finding, error) {
	sev, err := ParseSeverity(string(f.Severity))
	if err != nil {
		return Finding{}, &ValidationError{Problems: []string{fmt.Sprintf("severity: %v", err)}}
	}
	f.Severity = sev
	f.ScopeType = ScopeType(strings.ToUpper(strings.TrimSpace(string(f.ScopeType))))
	f.ID = strings.TrimSpace(f.ID)
	f.Agent = strings.TrimSpace(f.Agent)
	f.File = strings.TrimSpace(f.File)
	f.Timestamp = strings.TrimSpace(f.Timestamp)

	if err := findingValidate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Finding{}, fmt.Errorf("validate finding: %w", err)
		}
		problems := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			if fe.Param() != "" {
				problems = append(problems, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			} else {
				problems = append(problems, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
			}
		}
		return Finding{}, &ValidationError{Problems: problems}
	}

	return f, nil
}

// NewID returns a fresh random finding ID.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current time in the timestamp format findings use.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Score returns the relevance score, or 0 if none was set.
func (f Finding) Score() float64 {
	if f.RelevanceScore == nil {
		return 0
	}
	return *f.RelevanceScore
}

// WithScore returns a copy of f carrying score.
func (f Finding) WithScore(score float64) Finding {
	f.RelevanceScore = &score
	return f
}

// Time parses the finding's timestamp. ok is false when the timestamp is
// not RFC 3339.
func (f Finding) Time() (t time.Time, ok bool) {
	t, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
