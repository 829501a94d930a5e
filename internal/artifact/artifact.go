// Package artifact resolves a version string to an executable artifact
// path, downloading the artifact once when it is missing.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultURLTemplate is used when no template is configured.
const DefaultURLTemplate = "https://github.com/SeleniumHQ/selenium/releases/download/selenium-{version}/selenium-server-{version}.jar"

// ErrUnavailable wraps every failure to produce an artifact.
var ErrUnavailable = errors.New("artifact unavailable")

// Resolver returns the path of the artifact for version on the host it
// serves.
type Resolver interface {
	Resolve(ctx context.Context, version string) (string, error)
}

var versionRe = regexp.MustCompile(`[^0-9.]`)

// NormalizeVersion keeps only digits and dots, so "v4.21.0 (stable)" becomes
// "4.21.0".
func NormalizeVersion(v string) string {
	return strings.Trim(versionRe.ReplaceAllString(v, ""), ".")
}

// FileName is the on-disk name of the artifact for a normalized version.
func FileName(version string) string {
	return "selenium-" + version + ".jar"
}

// URL expands the {version} placeholder of tmpl.
func URL(tmpl, version string) string {
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}
	return strings.ReplaceAll(tmpl, "{version}", version)
}

func normalize(version string) (string, error) {
	v := NormalizeVersion(version)
	if v == "" {
		return "", fmt.Errorf("%w: invalid version %q", ErrUnavailable, version)
	}
	return v, nil
}
