// Package config loads portal configuration.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// PORTAL_CONFIG or --config, then PORTAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "PORTAL_CONFIG"

// Config is the portal service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Auth       AuthConfig       `yaml:"auth"`
	Session    SessionConfig    `yaml:"session"`
	RoleChange RoleChangeConfig `yaml:"role_change"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// SecureCookies sets the Secure attribute on the session cookie.
	SecureCookies bool `yaml:"secure_cookies"`
}

// StoreConfig selects the profile and partition backend. An empty DSN means in-memory.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Migrate     bool   `yaml:"migrate"`
}

type AuthConfig struct {
	Secret          string        `yaml:"secret"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	SignInBurst     int           `yaml:"signin_burst"`
	SignInPerSecond float64       `yaml:"signin_per_second"`
}

type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RoleChangeConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
}

type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	QueueSize   int           `yaml:"queue_size"`
}

// BootstrapConfig seeds the first administrator when both fields are set.
type BootstrapConfig struct {
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`
	AdminName     string `yaml:"admin_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Auth: AuthConfig{
			TokenTTL:        12 * time.Hour,
			SignInBurst:     5,
			SignInPerSecond: 0.2,
		},
		Session: SessionConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
		RoleChange: RoleChangeConfig{StepTimeout: 5 * time.Second},
		Reconcile: ReconcileConfig{
			Interval:    10 * time.Minute,
			MaxAttempts: 5,
			Backoff:     2 * time.Second,
			QueueSize:   256,
		},
		Bootstrap: BootstrapConfig{AdminName: "Portal Administrator"},
	}
}

// Load builds the configuration. path overrides PORTAL_CONFIG; both may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	str("PORTAL_HTTP_ADDR", &c.HTTP.Addr)
	str("PORTAL_PG_DSN", &c.Store.PostgresDSN)
	str("PORTAL_AUTH_SECRET", &c.Auth.Secret)
	dur("PORTAL_STEP_TIMEOUT", &c.RoleChange.StepTimeout)
	dur("PORTAL_RECONCILE_INTERVAL", &c.Reconcile.Interval)
	dur("PORTAL_SESSION_IDLE_TTL", &c.Session.IdleTTL)
	str("PORTAL_BOOTSTRAP_ADMIN_EMAIL", &c.Bootstrap.AdminEmail)
	str("PORTAL_BOOTSTRAP_ADMIN_PASSWORD", &c.Bootstrap.AdminPassword)
	if v, ok := lookup("PORTAL_SIGNIN_BURST"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("PORTAL_SIGNIN_BURST: %w", err))
		} else {
			c.Auth.SignInBurst = n
		}
	}
	if v, ok := lookup("PORTAL_SIGNIN_PER_SECOND"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORTAL_SIGNIN_PER_SECOND: %w", err))
		} else {
			c.Auth.SignInPerSecond = f
		}
	}
	if v, ok := lookup("PORTAL_ALLOWED_ORIGINS"); ok && v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 bytes"))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"auth.token_ttl", c.Auth.TokenTTL},
		{"role_change.step_timeout", c.RoleChange.StepTimeout},
		{"session.idle_ttl", c.Session.IdleTTL},
		{"session.sweep_interval", c.Session.SweepInterval},
		{"reconcile.interval", c.Reconcile.Interval},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.Reconcile.Backoff < 0 {
		errs = append(errs, errors.New("reconcile.backoff must not be negative"))
	}
	if c.Reconcile.MaxAttempts < 1 {
		errs = append(errs, errors.New("reconcile.max_attempts must be at least 1"))
	}
	if c.Reconcile.QueueSize < 1 {
		errs = append(errs, errors.New("reconcile.queue_size must be at least 1"))
	}
	if c.Auth.SignInBurst < 1 || c.Auth.SignInPerSecond <= 0 {
		errs = append(errs, errors.New("auth sign-in rate limit must be positive"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if (c.Bootstrap.AdminEmail == "") != (c.Bootstrap.AdminPassword == "") {
		errs = append(errs, errors.New("bootstrap admin needs both email and password"))
	}
	return errors.Join(errs...)
}
