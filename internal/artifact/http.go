package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// HTTP keeps artifacts in a local cache directory and downloads missing ones
// over HTTP. Concurrent requests for the same version share one download.
type HTTP struct {
	URLTemplate string
	Dir         string
	Client      *http.Client
	// MaxElapsed bounds retries of one download. Zero means one minute.
	MaxElapsed time.Duration
	Logger     *slog.Logger

	group singleflight.Group
}

func NewHTTP(dir, urlTemplate string) *HTTP {
	return &HTTP{Dir: dir, URLTemplate: urlTemplate}
}

func (h *HTTP) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *HTTP) Resolve(ctx context.Context, version string) (string, error) {
	v, err := normalize(version)
	if err != nil {
		return "", err
	}
	path := filepath.Join(h.Dir, FileName(v))
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		return path, nil
	}
	_, err, _ = h.group.Do(v, func() (any, error) {
		if st, err := os.Stat(path); err == nil && st.Size() > 0 {
			return nil, nil
		}
		return nil, h.download(ctx, URL(h.URLTemplate, v), path)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnavailable, v, err)
	}
	return path, nil
}

func (h *HTTP) download(ctx context.Context, url, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = h.MaxElapsed
	if eb.MaxElapsedTime <= 0 {
		eb.MaxElapsedTime = time.Minute
	}
	attempt := 0
	op := func() error {
		attempt++
		err := h.fetch(ctx, client, url, dst)
		if err != nil {
			h.logger().Warn("artifact download failed", "url", url, "attempt", attempt, "err", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return err
	}
	h.logger().Info("artifact downloaded", "url", url, "path", dst)
	return nil
}

func (h *HTTP) fetch(ctx context.Context, client *http.Client, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s: %s", url, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return backoff.Permanent(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
