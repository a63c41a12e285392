package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentd/internal/findings"
	"agentd/internal/txio"
)

// LoadReport summarizes a startup reload.
type LoadReport struct {
	Loaded  map[findings.Tier]int
	Dropped int      // findings that failed validation
	Skipped []string // tier files that could not be used
}

// Total is the number of findings restored.
func (r LoadReport) Total() int {
	n := 0
	for _, c := range r.Loaded {
		n += c
	}
	return n
}

// Load restores every tier from its file under the store directory,
// replacing what is in memory, and rewrites the index. Tier files that fail
// checksum or schema checks are logged and left on disk untouched until the
// tier is next written, when they are moved aside to
// <tier>.json.corrupt-<time>. Findings that no longer pass validation are
// dropped. Tiers are not re-evaluated.
func (s *Store) Load(ctx context.Context) (LoadReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := LoadReport{Loaded: make(map[findings.Tier]int, len(findings.Tiers))}

	for _, tier := range findings.Tiers {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		doc, dropped, err := s.loadTier(tier)
		if err != nil {
			s.logger.Error("tier file unusable", "tier", tier, "error", err)
			report.Skipped = append(report.Skipped, tierPath(s.dir, tier))
			s.tiers[tier] = nil
			s.unreadable[tier] = err
			continue
		}
		delete(s.unreadable, tier)

		buf := make([]entry, 0, len(doc))
		for _, f := range doc {
			s.seq++
			buf = append(buf, entry{seq: s.seq, finding: f})
		}
		if len(buf) > s.policy.HighWatermark {
			buf, _ = s.trim(tier, buf)
		}
		s.tiers[tier] = buf

		report.Loaded[tier] = len(s.tiers[tier])
		report.Dropped += dropped
		s.metrics.SetTierSize(string(tier), len(s.tiers[tier]))
	}

	if err := s.writeIndex(); err != nil {
		return report, err
	}

	s.logger.Info("findings restored",
		"total", report.Total(), "dropped", report.Dropped, "skipped_files", len(report.Skipped))
	return report, nil
}

// loadTier returns the valid findings of one tier file. A missing file is
// an empty tier.
func (s *Store) loadTier(tier findings.Tier) ([]findings.Finding, int, error) {
	f := txio.Open(tierPath(s.dir, tier))
	if !f.Exists() {
		return nil, 0, nil
	}

	if _, err := f.VerifyChecksum(); err != nil {
		if errors.Is(err, txio.ErrChecksumMismatch) {
			s.metrics.RecordChecksumFailure()
		}
		return nil, 0, err
	}

	data, err := f.ReadBytes()
	if err != nil {
		return nil, 0, err
	}
	if err := ValidateTierDocument(data); err != nil {
		return nil, 0, err
	}

	var doc TierDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Tier != tier {
		return nil, 0, fmt.Errorf("%w: file holds tier %q", ErrInvalidDocument, doc.Tier)
	}

	valid := make([]findings.Finding, 0, len(doc.Findings))
	dropped := 0
	for _, raw := range doc.Findings {
		fd, err := findings.New(raw)
		if err != nil {
			s.logger.Warn("dropping invalid stored finding", "tier", tier, "id", raw.ID, "error", err)
			dropped++
			continue
		}
		valid = append(valid, fd)
	}
	return valid, dropped, nil
}
