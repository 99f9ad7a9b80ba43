// Package environment models the environment passed to delegated processes
// as an explicit overlay instead of ambient process-wide state. The harness
// never mutates its own environment; it renders an Overlay into the child's
// env slice at spawn time.
package environment

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Overlay is a base environment plus an ordered set of overrides. Overrides
// win over the base, and later overrides win over earlier ones.
type Overlay struct {
	base      []string
	overrides []entry
}

type entry struct {
	key   string
	value string
}

type Option func(*Overlay)

// WithBase seeds the overlay with an explicit base environment, usually
// os.Environ() or nil for a clean child environment.
func WithBase(environ []string) Option {
	return func(o *Overlay) {
		o.base = environ
	}
}

// Inherit seeds the overlay with the harness's own environment.
func Inherit() Option {
	return WithBase(os.Environ())
}

func New(opts ...Option) *Overlay {
	o := &Overlay{
		overrides: make([]entry, 0),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Set records an override. The empty string is a valid value; use Unset to
// remove a variable entirely.
func (o *Overlay) Set(key, value string) {
	o.overrides = append(o.overrides, entry{key: key, value: value})
}

// Unset removes a variable from both the overrides and the base.
func (o *Overlay) Unset(key string) {
	kept := o.overrides[:0]
	for _, e := range o.overrides {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	o.overrides = kept

	base := make([]string, 0, len(o.base))
	for _, kv := range o.base {
		if k, _, ok := strings.Cut(kv, "="); ok && k == key {
			continue
		}
		base = append(base, kv)
	}
	o.base = base
}

// Lookup resolves a variable, overrides first, then the base.
func (o *Overlay) Lookup(key string) (string, bool) {
	for i := len(o.overrides) - 1; i >= 0; i-- {
		if o.overrides[i].key == key {
			return o.overrides[i].value, true
		}
	}

	for _, kv := range o.base {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}

	return "", false
}

// Environ renders the overlay as a KEY=VALUE slice suitable for exec.Cmd.Env.
// Overridden keys appear exactly once, in place of their base entry.
func (o *Overlay) Environ() []string {
	overridden := make(map[string]string, len(o.overrides))
	for _, e := range o.overrides {
		overridden[e.key] = e.value
	}

	environ := make([]string, 0, len(o.base)+len(o.overrides))
	for _, kv := range o.base {
		k, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, hit := overridden[k]; hit {
				continue
			}
		}
		environ = append(environ, kv)
	}

	keys := make([]string, 0, len(overridden))
	for k := range overridden {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		environ = append(environ, k+"="+overridden[k])
	}

	return environ
}

// Expand substitutes $VAR and ${VAR} references in s against the overlay.
// Any reference to an unset variable fails the whole expansion, matching the
// shell's set -u contract. A literal dollar sign is written as $$.
func (o *Overlay) Expand(s string) (string, error) {
	var unset []string

	expanded := os.Expand(s, func(key string) string {
		if key == "$" {
			return "$"
		}
		v, ok := o.Lookup(key)
		if !ok {
			unset = append(unset, key)
			return ""
		}
		return v
	})

	if len(unset) > 0 {
		return "", fmt.Errorf("unset variable(s) referenced: %s", strings.Join(unset, ", "))
	}

	return expanded, nil
}
