package versioning

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Veraticus/merchantflow/internal/model"
)

// Log is the append-only snapshot store behind an Engine. Implementations
// must reject an append whose sequence or timestamp does not follow the last
// snapshot of the same rule type.
type Log interface {
	Append(ctx context.Context, snap model.RuleSnapshot) error
	// Snapshots returns every snapshot of a rule type, oldest first.
	Snapshots(ctx context.Context, ruleType model.RuleType) ([]model.RuleSnapshot, error)
}

// MemoryLog is an in-process Log. Readers load an immutable slice and never
// wait on writers.
type MemoryLog struct {
	entries atomic.Pointer[[]model.RuleSnapshot]
	mu      sync.Mutex
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	l := &MemoryLog{}
	l.entries.Store(&[]model.RuleSnapshot{})
	return l
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, snap model.RuleSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := *l.entries.Load()
	if last, ok := lastOf(current, snap.RuleType); ok {
		if err := checkOrder(last, snap); err != nil {
			return err
		}
	} else if snap.Sequence != 1 {
		return fmt.Errorf("%s sequence %d, want 1: %w", snap.RuleType, snap.Sequence, ErrOutOfOrder)
	}

	next := make([]model.RuleSnapshot, len(current), len(current)+1)
	copy(next, current)
	next = append(next, cloneSnapshot(snap))
	l.entries.Store(&next)
	return nil
}

// Snapshots implements Log.
func (l *MemoryLog) Snapshots(_ context.Context, ruleType model.RuleType) ([]model.RuleSnapshot, error) {
	var out []model.RuleSnapshot
	for _, s := range *l.entries.Load() {
		if s.RuleType == ruleType {
			out = append(out, cloneSnapshot(s))
		}
	}
	return out, nil
}

func lastOf(entries []model.RuleSnapshot, ruleType model.RuleType) (model.RuleSnapshot, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].RuleType == ruleType {
			return entries[i], true
		}
	}
	return model.RuleSnapshot{}, false
}

// checkOrder enforces a strictly increasing timestamp and a sequence with no
// gaps for each rule type.
func checkOrder(last, next model.RuleSnapshot) error {
	if next.Sequence != last.Sequence+1 {
		return fmt.Errorf("%s sequence %d after %d: %w", next.RuleType, next.Sequence, last.Sequence, ErrOutOfOrder)
	}
	if !next.Timestamp.After(last.Timestamp) {
		return fmt.Errorf("%s timestamp %s not after %s: %w",
			next.RuleType, next.Timestamp, last.Timestamp, ErrOutOfOrder)
	}
	return nil
}

// CheckOrder is the ordering rule every Log applies, exported for other
// implementations.
func CheckOrder(last, next model.RuleSnapshot) error {
	return checkOrder(last, next)
}

func cloneSnapshot(s model.RuleSnapshot) model.RuleSnapshot {
	c := s
	c.Rules = canonical(s.Rules)
	if s.RollbackOf != nil {
		t := *s.RollbackOf
		c.RollbackOf = &t
	}
	return c
}
