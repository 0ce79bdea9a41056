package versioning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
)

// Metadata is the audit information attached to a save or rollback.
type Metadata struct {
	Author string
	Reason string
	Notes  string
}

// TrendPoint is the rule count of one version.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Sequence  int       `json:"sequence"`
	RuleCount int       `json:"rule_count"`
}

// Stats summarises the history of one rule type.
type Stats struct {
	First        time.Time      `json:"first,omitempty"`
	Last         time.Time      `json:"last,omitempty"`
	RuleType     model.RuleType `json:"rule_type"`
	Authors      []string       `json:"authors"`
	RuleCount    []TrendPoint   `json:"rule_count_trend"`
	VersionCount int            `json:"version_count"`
	Rollbacks    int            `json:"rollbacks"`
}

// Engine saves, loads, compares and rolls back rule-set versions on top of a
// Log.
type Engine struct {
	log Log
	now func() time.Time
	mu  sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine over log.
func NewEngine(log Log, opts ...Option) *Engine {
	e := &Engine{log: log, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SaveVersion appends a new snapshot of ruleType. The request is validated
// in full before the log is touched.
func (e *Engine) SaveVersion(ctx context.Context, ruleType model.RuleType, list []model.Rule, meta Metadata) (model.RuleVersion, error) {
	if err := validateMetadata(meta); err != nil {
		return model.RuleVersion{}, err
	}
	prepared, err := validateRules(ruleType, list)
	if err != nil {
		return model.RuleVersion{}, err
	}
	return e.append(ctx, ruleType, prepared, meta, nil)
}

// LoadVersion returns the latest snapshot of ruleType at or before at. A
// zero at loads the newest snapshot. An unknown rule type, or a type with no
// history, yields an empty snapshot and no error.
func (e *Engine) LoadVersion(ctx context.Context, ruleType model.RuleType, at time.Time) (model.RuleSnapshot, error) {
	empty := model.RuleSnapshot{Rules: []model.Rule{}, RuleVersion: model.RuleVersion{RuleType: ruleType}}
	if !ruleType.Valid() {
		return empty, nil
	}
	snaps, err := e.log.Snapshots(ctx, ruleType)
	if err != nil {
		return model.RuleSnapshot{}, fmt.Errorf("loading %s history: %w", ruleType, err)
	}
	if len(snaps) == 0 {
		return empty, nil
	}
	if at.IsZero() {
		return snaps[len(snaps)-1], nil
	}
	snap, ok := atOrBefore(snaps, at)
	if !ok {
		return model.RuleSnapshot{}, fmt.Errorf("%s at %s: %w", ruleType, at.Format(time.RFC3339), ErrVersionNotFound)
	}
	return snap, nil
}

// ListVersions returns the metadata of every snapshot of ruleType, oldest
// first.
func (e *Engine) ListVersions(ctx context.Context, ruleType model.RuleType) ([]model.RuleVersion, error) {
	if !ruleType.Valid() {
		return []model.RuleVersion{}, nil
	}
	snaps, err := e.log.Snapshots(ctx, ruleType)
	if err != nil {
		return nil, fmt.Errorf("listing %s history: %w", ruleType, err)
	}
	out := make([]model.RuleVersion, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.RuleVersion)
	}
	return out, nil
}

// CompareVersions diffs the snapshots in effect at from and to.
func (e *Engine) CompareVersions(ctx context.Context, ruleType model.RuleType, from, to time.Time) (Diff, error) {
	before, err := e.LoadVersion(ctx, ruleType, from)
	if err != nil {
		return Diff{}, err
	}
	after, err := e.LoadVersion(ctx, ruleType, to)
	if err != nil {
		return Diff{}, err
	}
	return Compare(before.Rules, after.Rules), nil
}

// Rollback appends a new snapshot whose rules equal the snapshot recorded at
// exactly target. History is never rewritten.
func (e *Engine) Rollback(ctx context.Context, ruleType model.RuleType, target time.Time, meta Metadata) (model.RuleVersion, error) {
	if err := validateMetadata(meta); err != nil {
		return model.RuleVersion{}, err
	}
	if !ruleType.Valid() {
		return model.RuleVersion{}, &ValidationError{Field: "rule_type", Err: ErrInvalidRules, Detail: string(ruleType)}
	}
	snaps, err := e.log.Snapshots(ctx, ruleType)
	if err != nil {
		return model.RuleVersion{}, fmt.Errorf("loading %s history: %w", ruleType, err)
	}
	var found *model.RuleSnapshot
	for i := range snaps {
		if snaps[i].Timestamp.Equal(target) {
			found = &snaps[i]
			break
		}
	}
	if found == nil {
		return model.RuleVersion{}, fmt.Errorf("%s at %s: %w", ruleType, target.Format(time.RFC3339Nano), ErrVersionNotFound)
	}
	of := found.Timestamp
	return e.append(ctx, ruleType, found.Rules, meta, &of)
}

// Stats reports version count, distinct authors and the rule-count trend.
func (e *Engine) Stats(ctx context.Context, ruleType model.RuleType) (Stats, error) {
	st := Stats{RuleType: ruleType, Authors: []string{}, RuleCount: []TrendPoint{}}
	if !ruleType.Valid() {
		return st, nil
	}
	snaps, err := e.log.Snapshots(ctx, ruleType)
	if err != nil {
		return Stats{}, fmt.Errorf("loading %s history: %w", ruleType, err)
	}

	authors := make(map[string]bool)
	for _, s := range snaps {
		if s.Author != "" && !authors[s.Author] {
			authors[s.Author] = true
			st.Authors = append(st.Authors, s.Author)
		}
		if s.RollbackOf != nil {
			st.Rollbacks++
		}
		st.RuleCount = append(st.RuleCount, TrendPoint{Timestamp: s.Timestamp, Sequence: s.Sequence, RuleCount: s.RuleCount})
	}
	sort.Strings(st.Authors)
	st.VersionCount = len(snaps)
	if len(snaps) > 0 {
		st.First = snaps[0].Timestamp
		st.Last = snaps[len(snaps)-1].Timestamp
	}
	return st, nil
}

// RuleSet compiles the newest snapshot of every rule type. Types with no
// history take their rules from fallback, which may be nil.
func (e *Engine) RuleSet(ctx context.Context, fallback *rules.Set) (*rules.Set, error) {
	byType := make(map[model.RuleType][]model.Rule, len(model.RuleTypes))
	versions := make(map[model.RuleType]string, len(model.RuleTypes))
	for _, rt := range model.RuleTypes {
		snap, err := e.LoadVersion(ctx, rt, time.Time{})
		if err != nil {
			return nil, err
		}
		switch {
		case snap.Sequence > 0:
			byType[rt] = snap.Rules
			versions[rt] = VersionLabel(snap.RuleVersion)
		case fallback != nil:
			byType[rt] = fallback.Rules(rt)
			versions[rt] = fallback.Version(rt)
		}
	}
	set, err := rules.Compile(byType, versions)
	if err != nil {
		return nil, fmt.Errorf("compiling versioned rules: %w", err)
	}
	return set, nil
}

// VersionLabel renders a version the way it appears in rule-set fingerprints
// and CLI output.
func VersionLabel(v model.RuleVersion) string {
	return fmt.Sprintf("v%d@%s", v.Sequence, v.Timestamp.UTC().Format(time.RFC3339))
}

func (e *Engine) append(ctx context.Context, ruleType model.RuleType, list []model.Rule, meta Metadata, rollbackOf *time.Time) (model.RuleVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snaps, err := e.log.Snapshots(ctx, ruleType)
	if err != nil {
		return model.RuleVersion{}, fmt.Errorf("loading %s history: %w", ruleType, err)
	}

	ts := e.now().UTC().Truncate(time.Microsecond)
	seq := 1
	if n := len(snaps); n > 0 {
		last := snaps[n-1]
		seq = last.Sequence + 1
		if !ts.After(last.Timestamp) {
			ts = last.Timestamp.Add(time.Microsecond)
		}
	}

	snap := model.RuleSnapshot{
		Rules: canonical(list),
		RuleVersion: model.RuleVersion{
			Timestamp:  ts,
			RollbackOf: rollbackOf,
			RuleType:   ruleType,
			Author:     strings.TrimSpace(meta.Author),
			Reason:     strings.TrimSpace(meta.Reason),
			Notes:      meta.Notes,
			Sequence:   seq,
			RuleCount:  len(list),
		},
	}
	if err := e.log.Append(ctx, snap); err != nil {
		return model.RuleVersion{}, fmt.Errorf("appending %s version: %w", ruleType, err)
	}

	slog.Info("Saved rule version",
		"rule_type", ruleType,
		"sequence", seq,
		"rules", len(list),
		"author", snap.Author,
		"rollback", rollbackOf != nil)
	return snap.RuleVersion, nil
}

func validateMetadata(meta Metadata) error {
	if strings.TrimSpace(meta.Reason) == "" {
		return &ValidationError{Field: "reason", Err: ErrReasonRequired}
	}
	return nil
}

// validateRules compiles list as a one-type rule set, which applies the same
// checks a rule file gets at load time.
func validateRules(ruleType model.RuleType, list []model.Rule) ([]model.Rule, error) {
	if !ruleType.Valid() {
		return nil, &ValidationError{Field: "rule_type", Err: ErrInvalidRules, Detail: string(ruleType)}
	}
	prepared := make([]model.Rule, len(list))
	for i, r := range list {
		if r.Type == "" {
			r.Type = ruleType
		}
		prepared[i] = r
	}
	if _, err := rules.Compile(map[model.RuleType][]model.Rule{ruleType: prepared}, nil); err != nil {
		return nil, &ValidationError{Field: "rules", Err: ErrInvalidRules, Detail: err.Error()}
	}
	return prepared, nil
}

func atOrBefore(snaps []model.RuleSnapshot, at time.Time) (model.RuleSnapshot, bool) {
	i := sort.Search(len(snaps), func(i int) bool { return snaps[i].Timestamp.After(at) })
	if i == 0 {
		return model.RuleSnapshot{}, false
	}
	return snaps[i-1], true
}
