package env

import (
	"os"
	"sort"
	"strings"
)

// Overlay is a set of KEY=VALUE overrides applied on top of the inherited
// process environment. It does not copy the OS environment itself; the child
// inherits that and later entries win.
type Overlay struct {
	vars map[string]string
}

// New returns an overlay holding kvs ("KEY=VALUE"). Malformed entries are skipped.
func New(kvs ...string) *Overlay {
	o := &Overlay{vars: make(map[string]string)}
	for _, kv := range kvs {
		if k, v, ok := Parse(kv); ok {
			o.vars[k] = v
		}
	}
	return o
}

// Parse splits "KEY=VALUE". An empty key is rejected.
func Parse(kv string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", "", false
	}
	return key, value, true
}

func (o *Overlay) Set(k, v string) {
	if k == "" {
		return
	}
	o.vars[k] = v
}

func (o *Overlay) Unset(k string) { delete(o.vars, k) }

// Merge layers the overlay and then each of layers, in order, and expands
// ${VAR} and $VAR references against the merged set falling back to the OS
// environment. Unknown references expand to the empty string. The result is
// sorted by key.
func (o *Overlay) Merge(layers ...[]string) []string {
	m := make(map[string]string, len(o.vars))
	for k, v := range o.vars {
		m[k] = v
	}
	for _, layer := range layers {
		for _, kv := range layer {
			if k, v, ok := Parse(kv); ok {
				m[k] = v
			}
		}
	}
	lookup := func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(m[k], lookup))
	}
	return out
}
