// Package env composes the environment handed to launched grid processes.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Parse splits "K=V" entries into a map. Later entries win.
func Parse(list []string) (Var, error) {
	m := make(Var, len(list))
	for _, kv := range list {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return nil, fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv)
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m, nil
}

// Validate checks that every entry is a KEY=VALUE pair with a usable key.
func Validate(list []string) error {
	m, err := Parse(list)
	if err != nil {
		return err
	}
	for k := range m {
		if !validKey(k) {
			return fmt.Errorf("invalid env key %q", k)
		}
	}
	return nil
}

func validKey(k string) bool {
	for i, r := range k {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return k != ""
}

// Compose merges lists in order, later lists overriding earlier ones, and
// expands ${VAR} and $VAR against the merged set. References to unknown
// variables expand to the empty string. Expansion is a single pass.
// The result is sorted by key.
func Compose(lists ...[]string) ([]string, error) {
	m := make(Var)
	for _, l := range lists {
		p, err := Parse(l)
		if err != nil {
			return nil, err
		}
		for k, v := range p {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(m[k], func(ref string) string { return m[ref] }))
	}
	return out, nil
}
