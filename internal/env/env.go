// Package env composes the environment DOSBox runs with.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Env is an ordered set of variables. Keys keep the position of their first Set.
type Env struct {
	vars  map[string]string
	order []string
}

func New() *Env {
	return &Env{vars: make(map[string]string)}
}

// FromOS sets every variable of the current process environment.
func (e *Env) FromOS() {
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}
}

// Set sets K=V. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if _, ok := e.vars[k]; !ok {
		e.order = append(e.order, k)
	}
	e.vars[k] = v
}

func (e *Env) Unset(k string) {
	if _, ok := e.vars[k]; !ok {
		return
	}
	delete(e.vars, k)
	for i, o := range e.order {
		if o == k {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *Env) Lookup(k string) (string, bool) {
	v, ok := e.vars[k]
	return v, ok
}

// LoadFile applies a .env file: KEY=VALUE lines, # comments, no quoting.
// $VAR and ${VAR} in values expand against variables set so far, then the OS.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			e.Set(strings.TrimSpace(k), e.expand(strings.TrimSpace(v)))
		}
	}
	return nil
}

// Merge applies overrides ("K=V", not expanded) and returns the environment
// in "K=V" form. Malformed entries are skipped.
func (e *Env) Merge(overrides []string) []string {
	for _, kv := range overrides {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}
	out := make([]string, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

func (e *Env) expand(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := e.vars[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
}
