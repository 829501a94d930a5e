package env

import (
	"strings"
	"testing"
)

// FuzzCompose checks that composition never panics and yields KEY=VALUE pairs.
func FuzzCompose(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}"))

	f.Fuzz(func(t *testing.T, grid []byte, host []byte) {
		g := splitNZ(string(grid))
		h := splitNZ(string(host))
		if len(g) > 20 {
			g = g[:20]
		}
		if len(h) > 20 {
			h = h[:20]
		}
		out, err := Compose(g, h)
		if err != nil {
			return
		}
		dollar := strings.Contains(string(grid)+string(host), "$")
		for _, kv := range out {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
			if !dollar && strings.Contains(kv, "${") {
				t.Fatalf("unexpected placeholder remains: %q", kv)
			}
		}
	})
}

func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
