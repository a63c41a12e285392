package contextstore

import (
	"path/filepath"

	"agentd/internal/findings"
)

// IndexFile is the name of the summary file external tooling polls.
const IndexFile = "index.json"

// TierDocument is the on-disk form of one tier.
type TierDocument struct {
	Tier     findings.Tier      `json:"tier"`
	Count    int                `json:"count"`
	Findings []findings.Finding `json:"findings"`
}

// TierSummary is an index entry for a tier.
type TierSummary struct {
	Count int `json:"count"`
}

// ImmediateSummary is the index entry for the immediate tier, which also
// breaks its findings down by severity.
type ImmediateSummary struct {
	Count             int                       `json:"count"`
	SeverityBreakdown map[findings.Severity]int `json:"severity_breakdown"`
}

// Index is the structure of index.json.
type Index struct {
	LastUpdated       string           `json:"last_updated"`
	CheckNow          ImmediateSummary `json:"check_now"`
	MentionIfRelevant TierSummary      `json:"mention_if_relevant"`
	Deferred          TierSummary      `json:"deferred"`
	AutoFixed         TierSummary      `json:"auto_fixed"`
}

// Count returns the count recorded for tier.
func (ix Index) Count(tier findings.Tier) int {
	switch tier {
	case findings.TierImmediate:
		return ix.CheckNow.Count
	case findings.TierRelevant:
		return ix.MentionIfRelevant.Count
	case findings.TierBackground:
		return ix.Deferred.Count
	case findings.TierAutoFixed:
		return ix.AutoFixed.Count
	}
	return 0
}

// Total is the sum of all tier counts.
func (ix Index) Total() int {
	total := 0
	for _, tier := range findings.Tiers {
		total += ix.Count(tier)
	}
	return total
}

func tierPath(dir string, tier findings.Tier) string {
	return filepath.Join(dir, string(tier)+".json")
}
