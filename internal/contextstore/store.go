// Package contextstore keeps agent findings in four priority tiers, bounds
// each tier's size, and mirrors every change to disk through txio so
// external tooling can poll index.json.
package contextstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"agentd/internal/findings"
	"agentd/internal/metrics"
	"agentd/internal/txio"
)

// ErrInvalidDocument is returned when a persisted file fails schema checks.
var ErrInvalidDocument = errors.New("contextstore: invalid document")

// EventKind names a bulk removal from a tier.
type EventKind string

const (
	EventTrim  EventKind = "trim"
	EventClear EventKind = "clear"
)

// TierEvent describes findings leaving a tier in bulk.
type TierEvent struct {
	Kind      EventKind
	Tier      findings.Tier
	Removed   int
	Remaining int
	At        time.Time
}

// Recorder receives a copy of every accepted finding and tier event.
// Recorder failures are logged and never fail the store operation.
type Recorder interface {
	RecordFinding(ctx context.Context, f findings.Finding, tier findings.Tier) error
	RecordTierEvent(ctx context.Context, ev TierEvent) error
}

// Options configures a Store.
type Options struct {
	// Policy defaults to findings.DefaultPolicy when zero.
	Policy findings.Policy

	Logger   *slog.Logger
	Recorder Recorder
	Metrics  *metrics.Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type entry struct {
	seq     uint64
	finding findings.Finding
}

// Store is the tiered findings store. All mutations are serialized.
type Store struct {
	dir      string
	logger   *slog.Logger
	recorder Recorder
	metrics  *metrics.Metrics
	clock    func() time.Time

	mu     sync.Mutex
	policy findings.Policy
	user   *findings.UserContext
	tiers  map[findings.Tier][]entry
	seq    uint64

	// unreadable holds tier files Load skipped. They are moved aside before
	// the tier is next written.
	unreadable map[findings.Tier]error
}

// New creates a store persisting under dir. The directory is created on
// first write.
func New(dir string, opts Options) (*Store, error) {
	if opts.Policy == (findings.Policy{}) {
		opts.Policy = findings.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("contextstore: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Store{
		dir:      dir,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		policy:   opts.Policy,
		tiers:    make(map[findings.Tier][]entry, len(findings.Tiers)),

		unreadable: make(map[findings.Tier]error),
	}
	return s, nil
}

// Dir returns the directory tier files are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Policy returns the policy applied to new findings.
func (s *Store) Policy() findings.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy replaces the scoring and trimming policy. Findings already
// stored keep their tier.
func (s *Store) SetPolicy(p findings.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("contextstore: %w", err)
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("policy updated",
		"immediate_threshold", p.ImmediateThreshold,
		"relevant_threshold", p.RelevantThreshold,
		"high_watermark", p.HighWatermark,
		"trim_target", p.TrimTarget)
	return nil
}

// SetUserContext sets the context used to score findings that arrive
// without a relevance score. Nil clears it.
func (s *Store) SetUserContext(uc *findings.UserContext) {
	s.mu.Lock()
	s.user = uc
	s.mu.Unlock()
}

// AddFinding scores (if needed), tiers and stores f, then persists the
// affected tier file and the index. f must have been built by findings.New.
// If persisting fails the store is left as it was before the call.
func (s *Store) AddFinding(ctx context.Context, f findings.Finding) (findings.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.RelevanceScore == nil {
		f = f.WithScore(findings.ComputeRelevance(f, s.user, s.policy))
	}
	tier := findings.AssignTier(f, s.policy)

	prev, prevSeq := s.tiers[tier], s.seq
	s.seq++
	buf := append(slices.Clip(prev), entry{seq: s.seq, finding: f})

	var trimmed int
	if len(buf) > s.policy.HighWatermark {
		buf, trimmed = s.trim(tier, buf)
	}
	s.tiers[tier] = buf

	if err := s.persist(tier); err != nil {
		s.tiers[tier], s.seq = prev, prevSeq
		s.rollback(tier)
		return tier, err
	}

	size := len(s.tiers[tier])
	s.metrics.RecordFindingAdded(string(tier), string(f.Severity), size)
	s.record(func(r Recorder) error { return r.RecordFinding(ctx, f, tier) })
	if trimmed > 0 {
		s.metrics.RecordTrim(string(tier), trimmed, size)
		s.recordEvent(ctx, TierEvent{Kind: EventTrim, Tier: tier, Removed: trimmed, Remaining: size, At: s.clock()})
	}

	s.logger.Debug("finding stored",
		"id", f.ID, "agent", f.Agent, "file", f.File,
		"severity", f.Severity, "score", f.Score(), "tier", tier)
	return tier, nil
}

// rollback rewrites tier from memory after a failed persist, in case the
// tier file was replaced before the index write failed. Caller holds s.mu.
func (s *Store) rollback(tiers ...findings.Tier) {
	for _, tier := range tiers {
		if err := s.writeTier(tier); err != nil {
			s.logger.Warn("tier file may be ahead of memory", "tier", tier, "error", err)
		}
	}
}

// trim returns the TrimTarget most recent entries of buf, ordered by
// timestamp with ties in insertion order, and how many were dropped. buf
// is sorted in place.
func (s *Store) trim(tier findings.Tier, buf []entry) ([]entry, int) {
	slices.SortStableFunc(buf, compareEntries)

	removed := len(buf) - s.policy.TrimTarget
	kept := make([]entry, s.policy.TrimTarget)
	copy(kept, buf[removed:])

	s.logger.Info("tier trimmed", "tier", tier, "removed", removed, "kept", len(kept))
	return kept, removed
}

// compareEntries orders RFC 3339 timestamps chronologically, before any
// unparseable ones, which compare as strings. Ties keep insertion order.
func compareEntries(a, b entry) int {
	ta, okA := a.finding.Time()
	tb, okB := b.finding.Time()
	var c int
	switch {
	case okA && okB:
		c = ta.Compare(tb)
	case okA:
		c = -1
	case okB:
		c = 1
	default:
		c = cmp.Compare(a.finding.Timestamp, b.finding.Timestamp)
	}
	if c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// Findings returns a snapshot of the given tiers, or of every tier when none
// is named.
func (s *Store) Findings(tiers ...findings.Tier) []findings.Finding {
	if len(tiers) == 0 {
		tiers = findings.Tiers
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []findings.Finding
	for _, tier := range tiers {
		for _, e := range s.tiers[tier] {
			out = append(out, e.finding)
		}
	}
	return out
}

// Len returns the number of findings held in tier.
func (s *Store) Len(tier findings.Tier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tiers[tier])
}

// Clear empties the given tiers, or every tier when none is named, rewrites
// their files and the index, and returns how many findings were removed.
func (s *Store) Clear(ctx context.Context, tiers ...findings.Tier) (int, error) {
	if len(tiers) == 0 {
		tiers = findings.Tiers
	}
	for _, tier := range tiers {
		if !tier.Valid() {
			return 0, fmt.Errorf("contextstore: unknown tier %q", tier)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[findings.Tier][]entry, len(tiers))
	removed := make(map[findings.Tier]int, len(tiers))
	total := 0
	for _, tier := range tiers {
		prev[tier] = s.tiers[tier]
		removed[tier] = len(s.tiers[tier])
		total += removed[tier]
		s.tiers[tier] = nil
	}

	err := func() error {
		for _, tier := range tiers {
			if err := s.writeTier(tier); err != nil {
				return err
			}
		}
		return s.writeIndex()
	}()
	if err != nil {
		for tier, buf := range prev {
			s.tiers[tier] = buf
		}
		s.rollback(tiers...)
		return 0, err
	}

	now := s.clock()
	for _, tier := range tiers {
		s.metrics.RecordClear(string(tier), removed[tier])
		s.recordEvent(ctx, TierEvent{Kind: EventClear, Tier: tier, Removed: removed[tier], At: now})
	}
	s.logger.Info("findings cleared", "tiers", tiers, "removed", total)
	return total, nil
}

// ReadIndex returns index.json as currently on disk.
func (s *Store) ReadIndex() (Index, error) {
	return ReadIndex(s.dir)
}

// ReadIndex reads index.json from dir without a Store.
func ReadIndex(dir string) (Index, error) {
	var ix Index
	if err := txio.Open(dirIndexPath(dir)).ReadJSON(&ix); err != nil {
		return Index{}, err
	}
	return ix, nil
}

// ReadTier reads a tier file from dir without a Store.
func ReadTier(dir string, tier findings.Tier) (TierDocument, error) {
	var doc TierDocument
	if err := txio.Open(tierPath(dir, tier)).ReadJSON(&doc); err != nil {
		return TierDocument{}, err
	}
	return doc, nil
}

func dirIndexPath(dir string) string {
	return filepath.Join(dir, IndexFile)
}

// persist writes the tier file and the index. Caller holds s.mu.
func (s *Store) persist(tier findings.Tier) error {
	if err := s.writeTier(tier); err != nil {
		return err
	}
	return s.writeIndex()
}

func (s *Store) writeTier(tier findings.Tier) error {
	if cause, ok := s.unreadable[tier]; ok {
		if err := s.moveAside(tier, cause); err != nil {
			return err
		}
	}

	buf := s.tiers[tier]
	doc := TierDocument{
		Tier:     tier,
		Count:    len(buf),
		Findings: make([]findings.Finding, 0, len(buf)),
	}
	for _, e := range buf {
		doc.Findings = append(doc.Findings, e.finding)
	}

	err := txio.Open(tierPath(s.dir, tier)).WriteJSON(doc)
	s.metrics.RecordWrite(err)
	if err != nil {
		return fmt.Errorf("persist tier %s: %w", tier, err)
	}
	return nil
}

// moveAside preserves a tier file Load could not use before the tier is
// rewritten. Caller holds s.mu.
func (s *Store) moveAside(tier findings.Tier, cause error) error {
	f := txio.Open(tierPath(s.dir, tier))
	if !f.Exists() {
		delete(s.unreadable, tier)
		return nil
	}
	suffix := "corrupt-" + s.clock().UTC().Format("20060102T150405.000000000Z")
	moved, err := f.MoveAside(suffix)
	if err != nil {
		return fmt.Errorf("preserve unreadable tier %s: %w", tier, err)
	}
	// Keep the moved file out of checksum scans.
	if err := os.Remove(moved + txio.ChecksumSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove moved checksum", "path", moved, "error", err)
	}
	delete(s.unreadable, tier)
	s.logger.Error("unreadable tier file moved aside",
		"tier", tier, "moved_to", moved, "cause", cause)
	return nil
}

// Unreadable returns the tiers whose files Load skipped and which have not
// been rewritten since.
func (s *Store) Unreadable() []findings.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []findings.Tier
	for _, tier := range findings.Tiers {
		if _, ok := s.unreadable[tier]; ok {
			out = append(out, tier)
		}
	}
	return out
}

func (s *Store) writeIndex() error {
	err := txio.Open(dirIndexPath(s.dir)).WriteJSON(s.buildIndex())
	s.metrics.RecordWrite(err)
	if err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// buildIndex summarizes the in-memory tiers. Caller holds s.mu.
func (s *Store) buildIndex() Index {
	breakdown := make(map[findings.Severity]int)
	for _, e := range s.tiers[findings.TierImmediate] {
		breakdown[e.finding.Severity]++
	}
	return Index{
		LastUpdated: s.clock().UTC().Format(time.RFC3339Nano),
		CheckNow: ImmediateSummary{
			Count:             len(s.tiers[findings.TierImmediate]),
			SeverityBreakdown: breakdown,
		},
		MentionIfRelevant: TierSummary{Count: len(s.tiers[findings.TierRelevant])},
		Deferred:          TierSummary{Count: len(s.tiers[findings.TierBackground])},
		AutoFixed:         TierSummary{Count: len(s.tiers[findings.TierAutoFixed])},
	}
}

func (s *Store) record(fn func(Recorder) error) {
	if s.recorder == nil {
		return
	}
	if err := fn(s.recorder); err != nil {
		s.logger.Warn("history record failed", "error", err)
	}
}

func (s *Store) recordEvent(ctx context.Context, ev TierEvent) {
	s.record(func(r Recorder) error { return r.RecordTierEvent(ctx, ev) })
}
