package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment of an agent command. The base is empty
// unless FromOS is called; Set layers values on top of it.
type Env struct {
	base Var
	vars Var
}

func New() *Env {
	return &Env{base: make(Var), vars: make(Var)}
}

// FromOS replaces the base with the current process environment.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// Set sets K=V above the base.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// Unset removes a value set with Set. Base values are not affected.
func (e *Env) Unset(k string) {
	delete(e.vars, k)
}

// Merge composes the final environment: base, then Set values, then the
// given "K=V" overrides. ${VAR} references are expanded once against the
// composed map; unknown references expand to the empty string. The result
// is sorted by key.
func (e *Env) Merge(overrides []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range Parse(overrides) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse turns "K=V" entries into a map. Entries without '=' or with an
// empty key are skipped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
}
