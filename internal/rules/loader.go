package rules

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Veraticus/merchantflow/internal/model"
)

//go:embed defaults/*.yaml
var defaultFiles embed.FS

// File is one rule collection as stored on disk.
type File struct {
	RuleType model.RuleType `yaml:"rule_type"`
	Version  string         `yaml:"version"`
	Rules    []model.Rule   `yaml:"rules"`
}

// Parse decodes a YAML rule file. Rules without an explicit type or version
// inherit them from the file header. Source names the file in errors.
func Parse(data []byte, source string) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, &Error{File: source, Err: fmt.Errorf("%w: %v", ErrInvalidRule, err)}
	}
	if !f.RuleType.Valid() {
		return File{}, &Error{File: source, Err: fmt.Errorf("%w: %q", ErrUnknownType, f.RuleType)}
	}

	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		if seen[f.Rules[i].ID] {
			return File{}, &Error{File: source, RuleID: f.Rules[i].ID, Err: ErrDuplicateRule}
		}
		seen[f.Rules[i].ID] = true
		if f.Rules[i].Type == "" {
			f.Rules[i].Type = f.RuleType
		}
		if f.Rules[i].Version == "" {
			f.Rules[i].Version = f.Version
		}
		if err := Validate(f.Rules[i]); err != nil {
			return File{}, &Error{File: source, RuleID: f.Rules[i].ID, Err: err}
		}
	}
	return f, nil
}

// LoadFile reads and parses a single rule file.
func LoadFile(filename string) (File, error) {
	data, err := os.ReadFile(filename) //nolint:gosec // rule paths come from configuration
	if err != nil {
		return File{}, fmt.Errorf("failed to read rule file: %w", err)
	}
	return Parse(data, filename)
}

// LoadDir loads every *.yaml/*.yml file in dir into a compiled Set. Rule
// types with no file are empty.
func LoadDir(dir string) (*Set, error) {
	return loadFS(os.DirFS(dir), ".", dir)
}

// LoadDefaults returns the rule set shipped with the binary.
func LoadDefaults() (*Set, error) {
	return loadFS(defaultFiles, "defaults", "defaults")
}

// MustDefaults is LoadDefaults for callers that cannot recover from broken
// embedded rules.
func MustDefaults() *Set {
	set, err := LoadDefaults()
	if err != nil {
		panic(err)
	}
	return set
}

func loadFS(fsys fs.FS, dir, label string) (*Set, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule directory %s: %w", label, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	byType := make(map[model.RuleType][]model.Rule)
	versions := make(map[model.RuleType]string)
	files := make(map[model.RuleType]string)

	for _, name := range names {
		display := filepath.Join(label, name)
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", display, err)
		}
		f, err := Parse(data, display)
		if err != nil {
			return nil, err
		}
		if prev, dup := files[f.RuleType]; dup {
			return nil, &Error{File: display, Err: fmt.Errorf("%w: %s already defined in %s", ErrInvalidRule, f.RuleType, prev)}
		}
		files[f.RuleType] = display
		byType[f.RuleType] = f.Rules
		versions[f.RuleType] = f.Version
	}

	set, err := Compile(byType, versions)
	if err != nil {
		var ruleErr *Error
		if errors.As(err, &ruleErr) && ruleErr.File == "" {
			ruleErr.File = fileOf(files, byType, ruleErr.RuleID, label)
		}
		return nil, err
	}

	slog.Debug("Loaded rule set", "source", label, "files", len(names), "rules", set.Fingerprint())
	return set, nil
}

// Marshal renders a rule collection in the on-disk format.
func Marshal(ruleType model.RuleType, version string, list []model.Rule) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(File{RuleType: ruleType, Version: version, Rules: list}); err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}
	return buf.Bytes(), nil
}

// fileOf names the file that declared ruleID, or label when no file did.
func fileOf(files map[model.RuleType]string, byType map[model.RuleType][]model.Rule, ruleID, label string) string {
	for ruleType, list := range byType {
		for _, rule := range list {
			if rule.ID == ruleID {
				return files[ruleType]
			}
		}
	}
	return label
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
