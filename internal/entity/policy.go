package entity

import (
	"fmt"
	"strings"
)

// DuplicatePolicy decides what the resolver does with a fuzzy match.
type DuplicatePolicy string

const (
	// PolicyFlag creates a separate provisional entity, records the suspected
	// duplicate and asks for verification. Nothing is merged.
	PolicyFlag DuplicatePolicy = "flag"
	// PolicyAttach counts the sighting against the matched entity with a
	// confidence penalty and asks for verification.
	PolicyAttach DuplicatePolicy = "attach"
	// PolicyMerge creates the new entity and immediately merges it into the
	// match, leaving an audit reason.
	PolicyMerge DuplicatePolicy = "merge"
)

// ParseDuplicatePolicy parses a configured policy name.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyFlag, nil
	case PolicyFlag, PolicyAttach, PolicyMerge:
		return p, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q (want flag, attach or merge)", s)
	}
}
