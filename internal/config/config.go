// Package config provides configuration loading for the query engine.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	// Listen address of the streaming server (default ":8080")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`

	Grafana     GrafanaConfig     `json:"grafana" yaml:"grafana"`
	Query       QueryConfig       `json:"query" yaml:"query"`
	Annotations AnnotationsConfig `json:"annotations" yaml:"annotations"`
	Tracing     TracingConfig     `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Snapshot    SnapshotConfig    `json:"snapshot" yaml:"snapshot"`
	Notify      NotifyConfig      `json:"notify,omitempty" yaml:"notify,omitempty"`

	// Permissions granted to the engine's user, e.g. "alert.rules:read".
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// GrafanaConfig configures the Grafana HTTP client.
type GrafanaConfig struct {
	URL           string   `json:"url" yaml:"url"`
	APIToken      string   `json:"api_token,omitempty" yaml:"api_token,omitempty"`
	OrgID         int      `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	TLSSkipVerify bool     `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// QueryConfig configures the request runner.
type QueryConfig struct {
	LoadingDelay  Duration `json:"loading_delay" yaml:"loading_delay"`
	MaxDataPoints int64    `json:"max_data_points" yaml:"max_data_points"`
}

// AnnotationsConfig configures the annotations worker.
type AnnotationsConfig struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// TracingConfig configures the OTLP exporter. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// Snapshot backends.
const (
	SnapshotNone     = "none"
	SnapshotSQLite   = "sqlite"
	SnapshotPostgres = "postgres"
	SnapshotMySQL    = "mysql"
)

// SnapshotConfig selects where applied snapshot updates are persisted.
type SnapshotConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// NotifyConfig configures the error notification side channel.
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	MaxPerHour int    `json:"max_per_hour" yaml:"max_per_hour"`
}

// Duration is a time.Duration written as "200ms" or "30s" in config files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or nanoseconds: %s", b)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Grafana: GrafanaConfig{
			URL:     "http://localhost:3000",
			Timeout: Duration(30 * time.Second),
		},
		Query: QueryConfig{
			LoadingDelay:  Duration(200 * time.Millisecond),
			MaxDataPoints: 1000,
		},
		Annotations: AnnotationsConfig{MaxConcurrent: 4},
		Snapshot: SnapshotConfig{
			Backend: SnapshotSQLite,
			DSN:     "dashquery.db",
		},
		Notify: NotifyConfig{MaxPerHour: 10},
	}
}

// Load reads configuration from a file, then overlays environment variables.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(raw, &cfg)
		default:
			err = json.Unmarshal(raw, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (Config, error) {
	return Load("")
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DASHQUERY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DASHQUERY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DASHQUERY_GRAFANA_URL"); v != "" {
		cfg.Grafana.URL = v
	}
	if v := os.Getenv("DASHQUERY_GRAFANA_API_TOKEN"); v != "" {
		cfg.Grafana.APIToken = v
	}
	if v := os.Getenv("DASHQUERY_GRAFANA_ORG_ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DASHQUERY_GRAFANA_ORG_ID: %w", err)
		}
		cfg.Grafana.OrgID = n
	}
	if v := os.Getenv("DASHQUERY_GRAFANA_TIMEOUT"); v != "" {
		if err := cfg.Grafana.Timeout.parse(v); err != nil {
			return fmt.Errorf("DASHQUERY_GRAFANA_TIMEOUT: %w", err)
		}
	}
	if v := os.Getenv("DASHQUERY_GRAFANA_TLS_SKIP_VERIFY"); v != "" {
		cfg.Grafana.TLSSkipVerify = v == "true" || v == "1"
	}
	if v := os.Getenv("DASHQUERY_QUERY_LOADING_DELAY"); v != "" {
		if err := cfg.Query.LoadingDelay.parse(v); err != nil {
			return fmt.Errorf("DASHQUERY_QUERY_LOADING_DELAY: %w", err)
		}
	}
	if v := os.Getenv("DASHQUERY_QUERY_MAX_DATA_POINTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DASHQUERY_QUERY_MAX_DATA_POINTS: %w", err)
		}
		cfg.Query.MaxDataPoints = n
	}
	if v := os.Getenv("DASHQUERY_ANNOTATIONS_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DASHQUERY_ANNOTATIONS_MAX_CONCURRENT: %w", err)
		}
		cfg.Annotations.MaxConcurrent = n
	}
	if v := os.Getenv("DASHQUERY_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("DASHQUERY_SNAPSHOT_BACKEND"); v != "" {
		cfg.Snapshot.Backend = v
	}
	if v := os.Getenv("DASHQUERY_SNAPSHOT_DSN"); v != "" {
		cfg.Snapshot.DSN = v
	}
	if v := os.Getenv("DASHQUERY_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("DASHQUERY_NOTIFY_MAX_PER_HOUR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DASHQUERY_NOTIFY_MAX_PER_HOUR: %w", err)
		}
		cfg.Notify.MaxPerHour = n
	}
	if v := os.Getenv("DASHQUERY_PERMISSIONS"); v != "" {
		cfg.Permissions = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Permissions = append(cfg.Permissions, p)
			}
		}
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if u, err := url.Parse(c.Grafana.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("grafana.url %q is not an absolute URL", c.Grafana.URL))
	}
	if c.Grafana.Timeout < 0 {
		errs = append(errs, errors.New("grafana.timeout must not be negative"))
	}
	if c.Query.LoadingDelay <= 0 {
		errs = append(errs, errors.New("query.loading_delay must be positive"))
	}
	if c.Query.MaxDataPoints <= 0 {
		errs = append(errs, errors.New("query.max_data_points must be positive"))
	}
	if c.Annotations.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("annotations.max_concurrent must be positive"))
	}
	switch c.Snapshot.Backend {
	case SnapshotNone:
	case SnapshotSQLite, SnapshotPostgres, SnapshotMySQL:
		if c.Snapshot.DSN == "" {
			errs = append(errs, fmt.Errorf("snapshot.dsn is required for backend %q", c.Snapshot.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshot.backend %q is not one of sqlite, postgres, mysql, none", c.Snapshot.Backend))
	}
	if c.Notify.MaxPerHour < 0 {
		errs = append(errs, errors.New("notify.max_per_hour must not be negative"))
	}
	return errors.Join(errs...)
}

// Save writes configuration to a file, as YAML when the extension asks for it.
func (c Config) Save(path string) error {
	var (
		raw []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err = yaml.Marshal(c)
	default:
		raw, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0640)
}

// HasTracing returns true if an OTLP endpoint is configured.
func (c Config) HasTracing() bool {
	return c.Tracing.Endpoint != ""
}

// HasNotify returns true if a notification webhook is configured.
func (c Config) HasNotify() bool {
	return c.Notify.WebhookURL != ""
}
