package versioning

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/Veraticus/merchantflow/internal/model"
)

// RuleChange is a rule present in both snapshots with different content.
type RuleChange struct {
	Before model.Rule `json:"before"`
	After  model.Rule `json:"after"`
	ID     string     `json:"id"`
}

// Diff lists rule differences keyed by rule id. Every list is sorted by id.
type Diff struct {
	Added     []model.Rule `json:"added"`
	Removed   []model.Rule `json:"removed"`
	Modified  []RuleChange `json:"modified"`
	Unchanged []string     `json:"unchanged"`
}

// IsEmpty reports whether the two sides held the same rules.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Compare computes the diff that turns from into to.
func Compare(from, to []model.Rule) Diff {
	before := indexByID(from)
	after := indexByID(to)
	d := Diff{
		Added:     []model.Rule{},
		Removed:   []model.Rule{},
		Modified:  []RuleChange{},
		Unchanged: []string{},
	}

	for _, id := range sortedIDs(before) {
		old := before[id]
		now, ok := after[id]
		switch {
		case !ok:
			d.Removed = append(d.Removed, old)
		case rulesEqual(old, now):
			d.Unchanged = append(d.Unchanged, id)
		default:
			d.Modified = append(d.Modified, RuleChange{ID: id, Before: old, After: now})
		}
	}
	for _, id := range sortedIDs(after) {
		if _, ok := before[id]; !ok {
			d.Added = append(d.Added, after[id])
		}
	}
	return d
}

// Apply replays d on top of list. The result is sorted by id, so applying
// Compare(a, b) to a yields b in id order.
func Apply(list []model.Rule, d Diff) ([]model.Rule, error) {
	byID := indexByID(list)

	for _, r := range d.Removed {
		if _, ok := byID[r.ID]; !ok {
			return nil, fmt.Errorf("removing %q: %w", r.ID, ErrDiffMismatch)
		}
		delete(byID, r.ID)
	}
	for _, c := range d.Modified {
		if _, ok := byID[c.ID]; !ok {
			return nil, fmt.Errorf("modifying %q: %w", c.ID, ErrDiffMismatch)
		}
		byID[c.ID] = c.After
	}
	for _, r := range d.Added {
		if _, ok := byID[r.ID]; ok {
			return nil, fmt.Errorf("adding %q: %w", r.ID, ErrDiffMismatch)
		}
		byID[r.ID] = r
	}

	out := make([]model.Rule, 0, len(byID))
	for _, id := range sortedIDs(byID) {
		out = append(out, normalizeRule(byID[id]))
	}
	return out, nil
}

// canonical returns a copy of list sorted by id with empty slices normalised,
// which is the form snapshots are stored in.
func canonical(list []model.Rule) []model.Rule {
	out := make([]model.Rule, len(list))
	for i, r := range list {
		out[i] = normalizeRule(r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizeRule(r model.Rule) model.Rule {
	r.Patterns = append([]string(nil), r.Patterns...)
	if len(r.Requires) == 0 {
		r.Requires = nil
	} else {
		r.Requires = append([]string(nil), r.Requires...)
	}
	return r
}

func rulesEqual(a, b model.Rule) bool {
	return reflect.DeepEqual(normalizeRule(a), normalizeRule(b))
}

func indexByID(list []model.Rule) map[string]model.Rule {
	m := make(map[string]model.Rule, len(list))
	for _, r := range list {
		m[r.ID] = r
	}
	return m
}

func sortedIDs(m map[string]model.Rule) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
