// Package env composes the environment handed to wine and bridge children.
package env

import (
	"os"
	"sort"
	"strings"
)

// Env is a base environment plus overrides applied to every child.
// The base is the host environment unless replaced with WithBase.
type Env struct {
	base      map[string]string
	overrides map[string]string
}

func New() *Env { return &Env{overrides: map[string]string{}} }

// FromMap returns an Env whose overrides are a copy of m.
func FromMap(m map[string]string) *Env {
	e := New()
	for k, v := range m {
		e.Set(k, v)
	}
	return e
}

// WithBase replaces the host environment with kvs ("K=V" entries).
func (e *Env) WithBase(kvs []string) *Env {
	e.base = parse(kvs)
	return e
}

// Set overrides k for every child. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.overrides[k] = v
}

// Merge returns the child environment as sorted "K=V" entries: the base,
// then the overrides, then extra. References of the form ${NAME} are replaced
// with the merged value of NAME in one pass; unknown names stay literal.
func (e *Env) Merge(extra []string) []string {
	base := e.base
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(map[string]string, len(base)+len(e.overrides)+len(extra))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.overrides {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func expand(s string, m map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
