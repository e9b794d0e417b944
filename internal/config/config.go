// ABOUTME: Configuration loading for civic-desk from YAML or TOML files.
// ABOUTME: Expands ${ENV} references, parses duration strings, applies defaults and validates.

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/civic-desk/internal/bot"
	"github.com/2389/civic-desk/internal/directory"
	"github.com/2389/civic-desk/internal/dispatch"
	"github.com/2389/civic-desk/internal/store"
)

// Defaults applied by Load when a value is omitted.
const (
	DefaultSweepTimeout       = 10 * time.Second
	DefaultHandlingTime       = 5 * time.Minute
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultTokenTTL           = 12 * time.Hour
	DefaultNotifierBuffer     = 64
	DefaultRedisChannel       = "civic-desk:events"
	DefaultMessagesPerSecond  = 2.0
	DefaultMessageBurst       = 10
	minJWTSecretLength        = 32
	defaultMaxConcurrentChats = 3
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig           `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig        `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig         `yaml:"database" toml:"database"`
	Auth        AuthConfig             `yaml:"auth" toml:"auth"`
	Dispatch    DispatchConfig         `yaml:"dispatch" toml:"dispatch"`
	Notifier    NotifierConfig         `yaml:"notifier" toml:"notifier"`
	Redis       RedisConfig            `yaml:"redis" toml:"redis"`
	Bot         BotConfig              `yaml:"bot" toml:"bot"`
	RateLimit   RateLimitConfig        `yaml:"rate_limit" toml:"rate_limit"`
	Departments []directory.Department `yaml:"departments" toml:"departments"`
	Agents      []AgentConfig          `yaml:"agents" toml:"agents"`
	Logging     LoggingConfig          `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	HTTPAddr           string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	// AllowedOrigins lists browser origins accepted on the WebSocket endpoint.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig exposes the API on a tailnet instead of a local port.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves on :443 with a Tailscale-issued certificate.
	HTTPS bool `yaml:"https" toml:"https"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds staff token and citizen session settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// SessionTokenCost is the bcrypt cost for citizen session tokens. Zero uses bcrypt's default.
	SessionTokenCost int           `yaml:"session_token_cost" toml:"session_token_cost"`
	TokenTTLRaw      string        `yaml:"token_ttl" toml:"token_ttl"`
	TokenTTL         time.Duration `yaml:"-" toml:"-"`
}

// DispatchConfig tunes the sweep and wait estimates.
type DispatchConfig struct {
	SweepSchedule          string        `yaml:"sweep_schedule" toml:"sweep_schedule"`
	SweepTimeoutRaw        string        `yaml:"sweep_timeout" toml:"sweep_timeout"`
	SweepTimeout           time.Duration `yaml:"-" toml:"-"`
	DefaultHandlingTimeRaw string        `yaml:"default_handling_time" toml:"default_handling_time"`
	DefaultHandlingTime    time.Duration `yaml:"-" toml:"-"`
	// HandlingWindow is how many recent closes feed the average handling time.
	HandlingWindow int `yaml:"handling_window" toml:"handling_window"`
}

// NotifierConfig sizes subscriber buffers.
type NotifierConfig struct {
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`
}

// RedisConfig enables the cross-node event relay.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Channel  string `yaml:"channel" toml:"channel"`
	// NodeID tags published events so a node skips its own echoes. Defaults to the hostname.
	NodeID string `yaml:"node_id" toml:"node_id"`
}

// BotConfig enables scripted bot sessions.
type BotConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// ScriptPath is a YAML script; empty uses the built-in script.
	ScriptPath string `yaml:"script_path" toml:"script_path"`
}

// RateLimitConfig limits message appends per citizen session.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second" toml:"messages_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// AgentConfig is one roster entry seeded on startup.
type AgentConfig struct {
	ID                 string   `yaml:"id" toml:"id"`
	Name               string   `yaml:"name" toml:"name"`
	DepartmentID       string   `yaml:"department_id" toml:"department_id"`
	ServiceIDs         []string `yaml:"service_ids" toml:"service_ids"`
	Elevated           bool     `yaml:"elevated" toml:"elevated"`
	MaxConcurrentChats *int     `yaml:"max_concurrent_chats" toml:"max_concurrent_chats"`
}

// LoggingConfig selects level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file. Files ending in .toml are decoded as
// TOML; anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration bytes. ext is the
// file extension that selects the format (".toml" or YAML otherwise).
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Dispatch.SweepSchedule == "" {
		c.Dispatch.SweepSchedule = dispatch.DefaultSweepSchedule
	}
	if c.Dispatch.SweepTimeout == 0 {
		c.Dispatch.SweepTimeout = DefaultSweepTimeout
	}
	if c.Dispatch.DefaultHandlingTime == 0 {
		c.Dispatch.DefaultHandlingTime = DefaultHandlingTime
	}
	if c.Notifier.BufferSize == 0 {
		c.Notifier.BufferSize = DefaultNotifierBuffer
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}
	if c.Redis.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Redis.NodeID = host
		}
	}
	if c.RateLimit.MessagesPerSecond == 0 {
		c.RateLimit.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultMessageBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks required fields and cross references. It returns the first failure.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters", minJWTSecretLength)
	}
	if _, err := dispatch.ParseSchedule(c.Dispatch.SweepSchedule); err != nil {
		return fmt.Errorf("dispatch.sweep_schedule: %w", err)
	}
	if c.Dispatch.HandlingWindow < 0 {
		return fmt.Errorf("dispatch.handling_window must not be negative")
	}
	if c.Notifier.BufferSize < 0 {
		return fmt.Errorf("notifier.buffer_size must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.RateLimit.MessagesPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	if err := validateDepartments(c.Departments); err != nil {
		return err
	}
	return c.validateAgents()
}

func validateDepartments(deps []directory.Department) error {
	seen := make(map[string]bool, len(deps))
	for i, d := range deps {
		if d.ID == "" {
			return fmt.Errorf("departments[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("department %q is defined twice", d.ID)
		}
		seen[d.ID] = true
		svc := make(map[string]bool, len(d.Services))
		for j, s := range d.Services {
			if s.ID == "" {
				return fmt.Errorf("departments[%d].services[%d].id is required", i, j)
			}
			if svc[s.ID] {
				return fmt.Errorf("service %q is defined twice in department %q", s.ID, d.ID)
			}
			svc[s.ID] = true
		}
	}
	return nil
}

func (c *Config) validateAgents() error {
	dir := directory.NewStatic(c.Departments)
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if a.ID == bot.AgentID {
			return fmt.Errorf("agent id %q is reserved", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("agent %q is defined twice", a.ID)
		}
		seen[a.ID] = true
		if a.MaxConcurrentChats != nil && *a.MaxConcurrentChats < 0 {
			return fmt.Errorf("agent %q: max_concurrent_chats must not be negative", a.ID)
		}
		if a.DepartmentID == "" {
			if len(a.ServiceIDs) > 0 {
				return fmt.Errorf("agent %q: service_ids need a department_id", a.ID)
			}
			continue
		}
		for _, svc := range append([]string{""}, a.ServiceIDs...) {
			if err := dir.Validate(context.Background(), a.DepartmentID, svc); err != nil {
				return fmt.Errorf("agent %q: %w", a.ID, err)
			}
		}
	}
	return nil
}

// Roster converts the agents section into presence profiles. Everyone starts offline.
func (c *Config) Roster() []store.AgentPresence {
	out := make([]store.AgentPresence, 0, len(c.Agents))
	for _, a := range c.Agents {
		maxChats := defaultMaxConcurrentChats
		if a.MaxConcurrentChats != nil {
			maxChats = *a.MaxConcurrentChats
		}
		name := a.Name
		if name == "" {
			name = a.ID
		}
		out = append(out, store.AgentPresence{
			AgentID:            a.ID,
			Name:               name,
			DepartmentID:       a.DepartmentID,
			ServiceIDs:         append([]string(nil), a.ServiceIDs...),
			Elevated:           a.Elevated,
			Status:             store.PresenceOffline,
			MaxConcurrentChats: maxChats,
		})
	}
	return out
}

func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	*dst = d
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"dispatch.sweep_timeout", cfg.Dispatch.SweepTimeoutRaw, &cfg.Dispatch.SweepTimeout},
		{"dispatch.default_handling_time", cfg.Dispatch.DefaultHandlingTimeRaw, &cfg.Dispatch.DefaultHandlingTime},
	}
	for _, f := range fields {
		if err := parseDuration(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}
	return nil
}
