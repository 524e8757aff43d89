// Package rules compiles placement predicates and keeps each workspace's
// ordered rule list.
package rules

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// Matcher is a compiled predicate. A matcher with no groups matches every
// file.
type Matcher struct {
	groups [][]test
}

type test func(domain.FileInfo) bool

// Match reports whether any clause group is satisfied by f.
func (m *Matcher) Match(f domain.FileInfo) bool {
	if len(m.groups) == 0 {
		return true
	}
	for _, g := range m.groups {
		if all(g, f) {
			return true
		}
	}
	return false
}

func all(g []test, f domain.FileInfo) bool {
	for _, t := range g {
		if !t(f) {
			return false
		}
	}
	return true
}

// Compile validates p and builds its matcher. Every failure wraps
// domain.ErrInvalidRule.
func Compile(p domain.Predicate) (*Matcher, error) {
	m := &Matcher{groups: make([][]test, 0, len(p.Groups))}
	for gi, g := range p.Groups {
		if len(g.Clauses) == 0 {
			return nil, fmt.Errorf("rules: group %d has no clauses: %w", gi, domain.ErrInvalidRule)
		}
		tests := make([]test, 0, len(g.Clauses))
		for ci, c := range g.Clauses {
			t, err := compileClause(c)
			if err != nil {
				return nil, fmt.Errorf("rules: group %d clause %d: %w", gi, ci, err)
			}
			tests = append(tests, t)
		}
		m.groups = append(m.groups, tests)
	}
	return m, nil
}

func compileClause(c domain.Clause) (test, error) {
	switch c.Field {
	case domain.FieldSize:
		return compileSize(c)
	case domain.FieldName, domain.FieldExtension, domain.FieldMime, domain.FieldFolder:
		return compileString(c)
	default:
		return nil, fmt.Errorf("unknown field %q: %w", c.Field, domain.ErrInvalidRule)
	}
}

// attribute extracts the lower-cased string a field inspects.
func attribute(field domain.ClauseField) func(domain.FileInfo) string {
	switch field {
	case domain.FieldName:
		return func(f domain.FileInfo) string { return strings.ToLower(f.Name) }
	case domain.FieldExtension:
		return func(f domain.FileInfo) string { return extension(f.Name) }
	case domain.FieldMime:
		return func(f domain.FileInfo) string { return strings.ToLower(f.MimeType) }
	default:
		return func(f domain.FileInfo) string { return strings.ToLower(cleanFolder(f.SourceFolder)) }
	}
}

// extension returns the lower-cased suffix after the last dot, without the
// dot. "archive." and "README" have none.
func extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

func cleanFolder(p string) string {
	if p == "" {
		return ""
	}
	return strings.TrimSuffix(path.Clean("/"+p), "/")
}

func compileString(c domain.Clause) (test, error) {
	get := attribute(c.Field)
	want := normalize(c.Field, c.Value)

	switch c.Op {
	case domain.OpEquals:
		if c.Field == domain.FieldMime && strings.HasSuffix(want, "/*") {
			major := strings.TrimSuffix(want, "*")
			return func(f domain.FileInfo) bool { return strings.HasPrefix(get(f), major) }, nil
		}
		return func(f domain.FileInfo) bool { return get(f) == want }, nil
	case domain.OpNotEquals:
		return func(f domain.FileInfo) bool { return get(f) != want }, nil
	case domain.OpContains:
		return func(f domain.FileInfo) bool { return strings.Contains(get(f), want) }, nil
	case domain.OpStartsWith:
		return func(f domain.FileInfo) bool { return strings.HasPrefix(get(f), want) }, nil
	case domain.OpEndsWith:
		return func(f domain.FileInfo) bool { return strings.HasSuffix(get(f), want) }, nil
	case domain.OpIn:
		set := make(map[string]struct{})
		for _, v := range inValues(c) {
			set[normalize(c.Field, v)] = struct{}{}
		}
		if len(set) == 0 {
			return nil, fmt.Errorf("%s in: empty value list: %w", c.Field, domain.ErrInvalidRule)
		}
		return func(f domain.FileInfo) bool {
			_, ok := set[get(f)]
			return ok
		}, nil
	case domain.OpGlob:
		var (
			g   glob.Glob
			err error
		)
		if c.Field == domain.FieldFolder {
			g, err = glob.Compile(want, '/')
		} else {
			g, err = glob.Compile(want)
		}
		if err != nil {
			return nil, fmt.Errorf("%s glob %q: %w: %w", c.Field, c.Value, domain.ErrInvalidRule, err)
		}
		return func(f domain.FileInfo) bool { return g.Match(get(f)) }, nil
	case domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE:
		return nil, fmt.Errorf("numeric op %q on field %q: %w", c.Op, c.Field, domain.ErrInvalidRule)
	default:
		return nil, fmt.Errorf("unknown op %q: %w", c.Op, domain.ErrInvalidRule)
	}
}

// normalize lower-cases a clause value and strips a leading dot from
// extensions so ".PDF" and "pdf" are the same.
func normalize(field domain.ClauseField, v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch field {
	case domain.FieldExtension:
		v = strings.TrimPrefix(v, ".")
	case domain.FieldFolder:
		if !strings.ContainsAny(v, "*?[{") {
			v = cleanFolder(v)
		}
	}
	return v
}

// inValues returns Values, or Value split on commas.
func inValues(c domain.Clause) []string {
	if len(c.Values) > 0 {
		return c.Values
	}
	if c.Value == "" {
		return nil
	}
	return strings.Split(c.Value, ",")
}

func compileSize(c domain.Clause) (test, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(c.Value), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("size value %q is not an integer: %w", c.Value, domain.ErrInvalidRule)
	}
	switch c.Op {
	case domain.OpEquals:
		return func(f domain.FileInfo) bool { return f.Size == n }, nil
	case domain.OpNotEquals:
		return func(f domain.FileInfo) bool { return f.Size != n }, nil
	case domain.OpGT:
		return func(f domain.FileInfo) bool { return f.Size > n }, nil
	case domain.OpGTE:
		return func(f domain.FileInfo) bool { return f.Size >= n }, nil
	case domain.OpLT:
		return func(f domain.FileInfo) bool { return f.Size < n }, nil
	case domain.OpLTE:
		return func(f domain.FileInfo) bool { return f.Size <= n }, nil
	default:
		return nil, fmt.Errorf("op %q on size: %w", c.Op, domain.ErrInvalidRule)
	}
}
