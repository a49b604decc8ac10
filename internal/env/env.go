// Package env composes the extra environment handed to the supervised child.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env accumulates variables in override order: later Set/Load calls win.
type Env struct {
	Var  Var
	base Var // lookup-only source for ${VAR}, normally the OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS uses the current process environment to resolve ${VAR} references
// that are not defined in Var.
func (e *Env) FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := Split(kv); ok {
			base[k] = v
		}
	}
	e.base = base
	return e
}

// Set defines K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries. Malformed entries are reported.
func (e *Env) SetPairs(pairs []string) error {
	for _, kv := range pairs {
		k, v, ok := Split(kv)
		if !ok {
			return fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv)
		}
		e.Set(k, v)
	}
	return nil
}

// LoadFile applies a dotenv file with KEY=VALUE lines. Blank lines and lines
// starting with # are skipped; an optional "export " prefix and surrounding
// quotes are stripped.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := Split(line)
		if !ok {
			return fmt.Errorf("%s:%d: invalid line %q", path, n+1, line)
		}
		e.Set(strings.TrimSpace(k), unquote(strings.TrimSpace(v)))
	}
	return nil
}

// Pairs returns the variables as sorted "K=V" entries with ${VAR} references
// expanded once against Var and then the base environment. Unknown
// references are left as is.
func (e *Env) Pairs() []string {
	keys := make([]string, 0, len(e.Var))
	for k := range e.Var {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.expand(e.Var[k]))
	}
	return out
}

func (e *Env) expand(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := e.Var[name]; ok {
			return v
		}
		if v, ok := e.base[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

// Compose loads files in order, then applies pairs, and returns the result
// expanded against the OS environment.
func Compose(files, pairs []string) ([]string, error) {
	e := New().FromOS()
	for _, f := range files {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	if err := e.SetPairs(pairs); err != nil {
		return nil, err
	}
	return e.Pairs(), nil
}

// Split parses "K=V". It fails for entries without '=' or with an empty key.
func Split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
