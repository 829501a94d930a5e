package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/loykin/gridwarden/internal/remote"
)

// OnHost ensures the artifact exists in a directory on a fleet host, fetching
// it with the host's own tools when missing.
type OnHost struct {
	Exec        remote.Executor
	Dir         string
	URLTemplate string
}

func NewOnHost(e remote.Executor, dir, urlTemplate string) *OnHost {
	return &OnHost{Exec: e, Dir: dir, URLTemplate: urlTemplate}
}

func (o *OnHost) join(name string) string {
	if o.Exec.Posix() {
		return path.Join(o.Dir, name)
	}
	return strings.TrimRight(o.Dir, `\`) + `\` + name
}

func (o *OnHost) Resolve(ctx context.Context, version string) (string, error) {
	v, err := normalize(version)
	if err != nil {
		return "", err
	}
	dst := o.join(FileName(v))
	url := URL(o.URLTemplate, v)

	var check, fetch []string
	if o.Exec.Posix() {
		check = []string{"test", "-f", dst}
		fetch = []string{"sh", "-c", `curl -fsSL -o "$1.part" "$2" && mv -f "$1.part" "$1"`, "sh", dst, url}
	} else {
		check = []string{"cmd", "/c", "if", "exist", dst, "(exit 0)", "else", "(exit 1)"}
		fetch = []string{"powershell.exe", "-NoProfile", "-NonInteractive", "-Command",
			fmt.Sprintf("Invoke-WebRequest -UseBasicParsing -Uri '%s' -OutFile '%s'", url, strings.ReplaceAll(dst, "'", "''"))}
	}
	code, err := o.Exec.Run(ctx, remote.Command{Argv: check})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if code == 0 {
		return dst, nil
	}
	var stderr bytes.Buffer
	code, err = o.Exec.Run(ctx, remote.Command{Argv: fetch, Stderr: &stderr})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if code != 0 {
		return "", fmt.Errorf("%w: download %s: exit %d: %s", ErrUnavailable, url, code, strings.TrimSpace(stderr.String()))
	}
	return dst, nil
}
