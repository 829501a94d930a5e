package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{}, true},
		{"files", Config{Enabled: true, CertFile: "a", KeyFile: "b"}, true},
		{"dir", Config{Enabled: true, Dir: "d"}, true},
		{"cert without key", Config{Enabled: true, CertFile: "a"}, false},
		{"nothing", Config{Enabled: true}, false},
		{"bad version", Config{Enabled: true, Dir: "d", MinVersion: "1.1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestServer_Disabled(t *testing.T) {
	c, err := Server(Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestServer_AutoGenerateAndHandshake(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg := Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3"}
	sc, err := Server(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), sc.MinVersion)
	for _, f := range []string{CertFile, KeyFile, CAFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), ReadHeaderTimeout: time.Second}
	go func() { _ = srv.Serve(tls.NewListener(raw, sc)) }()
	defer func() { _ = srv.Close() }()

	pem, err := os.ReadFile(cfg.CAPath())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pem))
	cl := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}
	resp, err := cl.Get("https://" + raw.Addr().String())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MissingFiles(t *testing.T) {
	_, err := Server(Config{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err)
	assert.Empty(t, Config{Enabled: true, CertFile: "c", KeyFile: "k"}.CAPath())
}
