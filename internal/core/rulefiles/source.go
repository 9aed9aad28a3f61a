// Package rulefiles reads rule definitions from YAML files and watches the
// rule directory for changes.
//
// A rule file holds a list of rules:
//
//	rules:
//	  - name: route-ct
//	    type: AutoRoute
//	    apply_time: SopReceived
//	    partition: main
//	    xml: |
//	      <rule><condition>...</condition><action>...</action></rule>
//
// Files are read in lexical path order and rules in file order, which is
// the order the engine loads them in.
package rulefiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/solatis/serverrules/internal/types"
)

// ruleNamespace derives stable IDs for rules that do not declare one.
var ruleNamespace = uuid.MustParse("6f1c1f4e-8d53-4a38-9a51-5b0de9a1c2e7")

// extensions lists the file extensions treated as rule files.
var extensions = []string{".yaml", ".yml"}

type fileRule struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
	ApplyTime   string `yaml:"apply_time"`
	Partition   string `yaml:"partition"`
	Enabled     *bool  `yaml:"enabled"`
	IsDefault   bool   `yaml:"default"`
	IsExempt    bool   `yaml:"exempt"`
	XML         string `yaml:"xml"`
}

type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// Source serves rule definitions from a directory of rule files. It
// satisfies rules.Source. Files are re-read on every ListRules.
type Source struct {
	dir    string
	logger *slog.Logger
}

// NewSource creates a source over dir.
func NewSource(dir string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{dir: dir, logger: logger}
}

// Dir returns the watched directory.
func (s *Source) Dir() string {
	return s.dir
}

// ListRules reads every rule file and returns the definitions matching q.
// A file that cannot be parsed fails the whole call so that a half-written
// file never drops rules from a running engine.
func (s *Source) ListRules(ctx context.Context, q types.RuleQuery) ([]types.RuleDefinition, error) {
	defs, err := ReadDir(ctx, s.dir)
	if err != nil {
		return nil, err
	}

	out := defs[:0]
	for _, d := range defs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	s.logger.Debug("read rule files", "dir", s.dir, "rules", len(defs), "matched", len(out))
	return out, nil
}

// ReadDir reads every rule file under dir. Rule IDs must be unique across files.
func ReadDir(ctx context.Context, dir string) ([]types.RuleDefinition, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if hidden(path) && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && isRuleFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read rule directory %q: %w", dir, err)
	}
	sort.Strings(paths)

	var defs []types.RuleDefinition
	seen := make(map[types.RuleID]string)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		origin, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, err
		}
		fileDefs, err := readFile(path, origin)
		if err != nil {
			return nil, err
		}
		for _, d := range fileDefs {
			if prev, ok := seen[d.RuleID]; ok {
				return nil, fmt.Errorf("%s: rule %q: id %s already defined in %s", path, d.Name, d.RuleID, prev)
			}
			seen[d.RuleID] = path
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

// ReadFile reads the definitions in one rule file. Rules without an ID get
// the same ID as when the file is read from its directory root.
func ReadFile(path string) ([]types.RuleDefinition, error) {
	return readFile(path, filepath.Base(path))
}

func readFile(path, origin string) ([]types.RuleDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	defs, err := Parse(data, origin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes rule file content. origin seeds the IDs of rules that do not
// declare one, so the same file always yields the same IDs.
func Parse(data []byte, origin string) ([]types.RuleDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f ruleFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	defs := make([]types.RuleDefinition, 0, len(f.Rules))
	names := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		def, err := r.definition(origin)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		if names[def.Name] {
			return nil, fmt.Errorf("rule %d: duplicate name %q", i+1, def.Name)
		}
		names[def.Name] = true
		defs = append(defs, def)
	}
	return defs, nil
}

func (r fileRule) definition(origin string) (types.RuleDefinition, error) {
	switch {
	case r.Name == "":
		return types.RuleDefinition{}, fmt.Errorf("%w: name required", types.ErrMalformedRule)
	case r.Type == "":
		return types.RuleDefinition{}, fmt.Errorf("%w: %s: type required", types.ErrMalformedRule, r.Name)
	case r.ApplyTime == "":
		return types.RuleDefinition{}, fmt.Errorf("%w: %s: apply_time required", types.ErrMalformedRule, r.Name)
	case strings.TrimSpace(r.XML) == "":
		return types.RuleDefinition{}, fmt.Errorf("%w: %s: xml required", types.ErrMalformedRule, r.Name)
	}

	id := types.RuleID(uuid.NewSHA1(ruleNamespace, []byte(filepath.ToSlash(origin)+"\x00"+r.Name)).String())
	if r.ID != "" {
		parsed, err := types.ParseRuleID(r.ID)
		if err != nil {
			return types.RuleDefinition{}, fmt.Errorf("%w: %s: invalid id %q", types.ErrMalformedRule, r.Name, r.ID)
		}
		id = parsed
	}

	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}

	return types.RuleDefinition{
		RuleID:      id,
		Name:        r.Name,
		Description: r.Description,
		Type:        types.RuleType(r.Type),
		ApplyTime:   types.ApplyTime(r.ApplyTime),
		Partition:   types.PartitionKey(r.Partition),
		Enabled:     enabled,
		IsDefault:   r.IsDefault,
		IsExempt:    r.IsExempt,
		Body:        r.XML,
	}, nil
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
