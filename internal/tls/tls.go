package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File names used inside Config.Dir.
const (
	CAFile   = "tls_ca.crt"
	CertFile = "tls.crt"
	KeyFile  = "tls.key"
)

// Config describes how the API server obtains its certificate. Either
// CertFile and KeyFile are set, or Dir holds tls.crt and tls.key, generated
// on first use when AutoGenerate is set.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"` // DNS names and IPs of generated certificates
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
}

// Validate reports configuration errors without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls: enabled but neither cert_file/key_file nor dir is set")
	}
	if _, err := parseVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

// Paths returns the certificate and key file the server loads.
func (c Config) Paths() (cert, key string) {
	if c.CertFile != "" {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.Dir, CertFile), filepath.Join(c.Dir, KeyFile)
}

// CAPath returns the certificate a client should trust, or "" when the
// certificate was not generated here.
func (c Config) CAPath() string {
	if !c.Enabled || c.CertFile != "" || c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, CAFile)
}

// Server builds the server side tls.Config, generating a self-signed
// certificate first when needed. It returns nil when TLS is disabled.
func Server(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(c.MinVersion)
	certPath, keyPath := c.Paths()
	if c.CertFile == "" && c.AutoGenerate && !exists(certPath, keyPath) {
		if err := Generate(c.Dir, c.Hosts, c.ValidDays); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	if !exists(certPath, keyPath) {
		return nil, fmt.Errorf("tls: certificate %s or key %s not found", certPath, keyPath)
	}
	return &tls.Config{
		MinVersion: minVer,
		// reloaded per handshake so rotated files are picked up
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}, nil
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2", "tls1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("tls: unknown min_version %q", v)
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
