// Package config loads the controller configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/gridwarden/internal/artifact"
	"github.com/loykin/gridwarden/internal/auth"
	"github.com/loykin/gridwarden/internal/env"
	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/logger"
	"github.com/loykin/gridwarden/internal/supervisor"
	gwtls "github.com/loykin/gridwarden/internal/tls"
)

type ServerConfig struct {
	Listen   string       `mapstructure:"listen"`
	BasePath string       `mapstructure:"base_path"`
	TLS      gwtls.Config `mapstructure:"tls"`
	Auth     auth.Config  `mapstructure:"auth"`
}

// URL is the address clients on this machine use to reach the API.
func (s ServerConfig) URL() string {
	scheme := "http"
	if s.TLS.Enabled {
		scheme = "https"
	}
	listen := s.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return scheme + "://" + listen + s.BasePath
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ResourceInterval is the sampling period of local process CPU and memory.
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
}

// GridConfig describes the hub/node deployment.
type GridConfig struct {
	Version     string `mapstructure:"version"`
	ArtifactURL string `mapstructure:"artifact_url"`
	CacheDir    string `mapstructure:"cache_dir"`
	HubHost     string `mapstructure:"hub_host"`
	HubPort     int    `mapstructure:"hub_port"`
	NodePort    int    `mapstructure:"node_port"`
	// HubAddress is the address nodes use to reach the hub. Defaults to the
	// ssh address of the hub host, or localhost for a local hub.
	HubAddress string `mapstructure:"hub_address"`
	// ReadinessProbe enables the hub /status check before node starts.
	ReadinessProbe bool `mapstructure:"readiness_probe"`

	// Env is added to the environment of every hub and node. Host env
	// entries override it.
	Env []string `mapstructure:"env"`
}

// HubURL is the URL passed to nodes with --hub.
func (g GridConfig) HubURL() string {
	return fmt.Sprintf("http://%s:%d", g.HubAddress, g.HubPort)
}

type ReconcileConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	StartSettle    time.Duration `mapstructure:"start_settle"`
	Quiescence     time.Duration `mapstructure:"quiescence"`
	CleanupPause   time.Duration `mapstructure:"cleanup_pause"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	Workers        int           `mapstructure:"workers"`
	StopOnShutdown bool          `mapstructure:"stop_on_shutdown"`
}

// Config is the full controller configuration.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Log       logger.Config      `mapstructure:"log"`
	Store     StoreConfig        `mapstructure:"store"`
	History   HistoryConfig      `mapstructure:"history"`
	Metrics   MetricsConfig      `mapstructure:"metrics"`
	Grid      GridConfig         `mapstructure:"grid"`
	Reconcile ReconcileConfig    `mapstructure:"reconcile"`
	Hosts     []fleet.HostConfig `mapstructure:"hosts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.dsn", "gridwarden.db")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resource_interval", "15s")
	v.SetDefault("grid.version", "4.21.0")
	v.SetDefault("grid.artifact_url", artifact.DefaultURLTemplate)
	v.SetDefault("grid.cache_dir", "artifacts")
	v.SetDefault("grid.hub_port", supervisor.DefaultHubPort)
	v.SetDefault("grid.node_port", supervisor.DefaultNodePort)
	v.SetDefault("grid.readiness_probe", true)
	v.SetDefault("reconcile.interval", "5m")
	v.SetDefault("reconcile.settle_delay", "5s")
	v.SetDefault("reconcile.start_settle", "5s")
	v.SetDefault("reconcile.quiescence", "0s")
	v.SetDefault("reconcile.cleanup_pause", "1s")
	v.SetDefault("reconcile.probe_interval", fleet.DefaultProbeInterval.String())
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.stop_on_shutdown", true)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("GRIDWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Grid.HubHost == "" && len(c.Hosts) > 0 {
		c.Grid.HubHost = c.Hosts[0].ID
	}
	if c.Grid.HubAddress == "" {
		c.Grid.HubAddress = hubAddress(c.Hosts, c.Grid.HubHost)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// Default returns the configuration used when no file is given: a single
// local host running the hub.
func Default() *Config {
	v := newViper("")
	v.Set("hosts", []map[string]any{{"id": "local", "kind": fleet.KindLocal, "workdir": "."}})
	c, err := decode(v)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath)
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return err
	}
	if err := c.Server.Auth.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn is required")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if artifact.NormalizeVersion(c.Grid.Version) == "" {
		return fmt.Errorf("grid.version is not a version: %q", c.Grid.Version)
	}
	if !strings.Contains(c.Grid.ArtifactURL, "{version}") {
		return fmt.Errorf("grid.artifact_url must contain {version}: %q", c.Grid.ArtifactURL)
	}
	if _, err := url.Parse(artifact.URL(c.Grid.ArtifactURL, "1")); err != nil {
		return fmt.Errorf("grid.artifact_url: %w", err)
	}
	if err := validPort("grid.hub_port", c.Grid.HubPort); err != nil {
		return err
	}
	if err := env.Validate(c.Grid.Env); err != nil {
		return fmt.Errorf("grid.env: %w", err)
	}
	if err := validPort("grid.node_port", c.Grid.NodePort); err != nil {
		return err
	}
	if c.Reconcile.Interval < time.Second {
		return fmt.Errorf("reconcile.interval must be at least 1s, got %s", c.Reconcile.Interval)
	}
	if c.Reconcile.SettleDelay < 0 || c.Reconcile.StartSettle < 0 || c.Reconcile.Quiescence < 0 || c.Reconcile.CleanupPause < 0 {
		return errors.New("reconcile durations must not be negative")
	}
	if c.Reconcile.Workers <= 0 {
		return fmt.Errorf("reconcile.workers must be positive, got %d", c.Reconcile.Workers)
	}
	if len(c.Hosts) == 0 {
		return errors.New("at least one [[hosts]] entry is required")
	}
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if err := h.Validate(); err != nil {
			return err
		}
		if seen[h.ID] {
			return fmt.Errorf("duplicate host id %q", h.ID)
		}
		seen[h.ID] = true
	}
	if !seen[c.Grid.HubHost] {
		return fmt.Errorf("grid.hub_host %q is not a configured host", c.Grid.HubHost)
	}
	return nil
}

func hubAddress(hosts []fleet.HostConfig, id string) string {
	for _, h := range hosts {
		if h.ID != id || h.Kind != fleet.KindSSH {
			continue
		}
		if host, _, err := net.SplitHostPort(h.Address); err == nil {
			return host
		}
		return h.Address
	}
	return "localhost"
}

func validPort(name string, p int) error {
	if p <= 0 || p > 65535 {
		return fmt.Errorf("%s out of range: %d", name, p)
	}
	return nil
}

// Watch calls onChange with the new configuration whenever the file at
// path changes and still validates. Invalid edits are reported to onError
// and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(fsnotify.Event) {
		c, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(c)
	})
	v.WatchConfig()
	return nil
}
