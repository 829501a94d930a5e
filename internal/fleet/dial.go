package fleet

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/loykin/gridwarden/internal/remote"
)

// DialTimeout bounds one TCP connect plus SSH handshake.
const DialTimeout = 10 * time.Second

// DialRetry bounds the retries of one dial.
var DialRetry = 15 * time.Second

// DefaultExecutor builds a local executor or an SSH executor from cfg.
func DefaultExecutor(cfg HostConfig) (remote.Executor, error) {
	switch cfg.kind() {
	case KindLocal:
		return remote.NewLocal(), nil
	case KindSSH:
		cc, err := ClientConfig(cfg)
		if err != nil {
			return nil, err
		}
		return remote.NewSSH(Dialer(cfg.Address, cc), cfg.posix(true)), nil
	}
	return nil, fmt.Errorf("unknown host kind %q", cfg.Kind)
}

// ClientConfig returns the SSH client configuration of cfg.
func ClientConfig(cfg HostConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		b, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		hostKey = cb
	}
	user := cfg.User
	if user == "" {
		user = currentUser()
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         DialTimeout,
	}, nil
}

// Dialer connects to addr, retrying with exponential backoff. Handshake
// failures other than network errors are not retried.
func Dialer(addr string, cc *ssh.ClientConfig) remote.Dialer {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	return func(ctx context.Context) (*ssh.Client, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxElapsedTime = DialRetry
		var client *ssh.Client
		op := func() error {
			d := net.Dialer{Timeout: DialTimeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			c, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
			if err != nil {
				_ = conn.Close()
				return backoff.Permanent(err)
			}
			client = ssh.NewClient(c, chans, reqs)
			return nil
		}
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return client, nil
	}
}

func currentUser() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("USERNAME")
	}
	return os.Getenv("USER")
}
