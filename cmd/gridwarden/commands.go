package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/loykin/gridwarden"
	"github.com/loykin/gridwarden/pkg/client"
)

const passwordEnv = "GRIDWARDEN_PASSWORD"

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// clientConfig resolves the connection from flags, falling back to the
// server section of --config and then to the client defaults.
func (c command) clientConfig() (client.Config, error) {
	cc := client.Config{
		BaseURL:  c.flags.APIUrl,
		Timeout:  c.flags.APITimeout,
		Username: c.flags.User,
		Password: c.flags.Password,
		Insecure: c.flags.Insecure,
	}
	if cc.Password == "" {
		cc.Password = os.Getenv(passwordEnv)
	}
	caCert := c.flags.CACert
	if c.flags.ConfigPath != "" && (cc.BaseURL == "" || caCert == "") {
		cfg, err := loadConfig(c.flags.ConfigPath)
		if err != nil {
			return cc, err
		}
		if cc.BaseURL == "" {
			cc.BaseURL = cfg.Server.URL()
		}
		if caCert == "" {
			caCert = cfg.Server.TLS.CAPath()
		}
	}
	if caCert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: caCert}
	}
	if cc.BaseURL == "" {
		cc.BaseURL = client.DefaultConfig().BaseURL
	}
	return cc, nil
}

func (c command) client() (*client.Client, error) {
	cc, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cc), nil
}

func (c command) Start(ctx context.Context, host, role string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.Start(ctx, host, role); err != nil {
		return err
	}
	return c.printProcess(ctx, cl, host, role)
}

func (c command) Stop(ctx context.Context, host, role string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.Stop(ctx, host, role); err != nil {
		return err
	}
	return c.printProcess(ctx, cl, host, role)
}

func (c command) Restart(ctx context.Context, host, role string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.Restart(ctx, host, role); err != nil {
		return err
	}
	return c.printProcess(ctx, cl, host, role)
}

func (c command) printProcess(ctx context.Context, cl *client.Client, host, role string) error {
	d, err := cl.Process(ctx, host, role)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, d.ProcessStatus)
	}
	return printStatuses(c.out, []client.ProcessStatus{d.ProcessStatus})
}

// Status prints every process, or the processes of host when set.
func (c command) Status(ctx context.Context, host string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	sts, err := cl.Processes(ctx)
	if err != nil {
		return err
	}
	if host != "" {
		filtered := sts[:0]
		for _, s := range sts {
			if s.Host == host {
				filtered = append(filtered, s)
			}
		}
		sts = filtered
	}
	if c.flags.JSON {
		return printJSON(c.out, sts)
	}
	return printStatuses(c.out, sts)
}

func (c command) Logs(ctx context.Context, host, role string, limit int) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	d, err := cl.Process(ctx, host, role)
	if err != nil {
		return err
	}
	entries := d.Log
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	if c.flags.JSON {
		return printJSON(c.out, entries)
	}
	printLog(c.out, entries)
	return nil
}

func (c command) Hosts(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	hosts, err := cl.Hosts(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, hosts)
	}
	return printHosts(c.out, hosts)
}

func (c command) SetIdle(ctx context.Context, host string, idle bool) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.SetIdle(ctx, host, idle); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "host %s idle=%t\n", host, idle)
	return nil
}

func (c command) Reconcile(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Reconcile(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, res)
	}
	return printResults(c.out, res)
}

func (c command) VersionGet(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	v, err := cl.Version(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, v)
	return nil
}

func (c command) VersionSet(ctx context.Context, version string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	vr, err := cl.SetVersion(ctx, version)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, vr)
	}
	_, _ = fmt.Fprintf(c.out, "version %s\n", vr.Version)
	return printResults(c.out, vr.Results)
}

// HashPassword prints a bcrypt hash of password for the auth configuration.
func (c command) HashPassword(password string) error {
	h, err := gridwarden.HashPassword(password)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}
