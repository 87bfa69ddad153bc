// Package config defines the TOML configuration document: service settings
// plus the monitored entities (monitors, groups, status pages, notification
// channels) that the rest of the system indexes.
package config

import (
	"crypto/subtle"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
)

// DefaultPath is used when the CONFIG environment variable is unset.
const DefaultPath = "./config.toml"

type Config struct {
	Server      ServerConfig       `toml:"server"`
	Storage     StorageConfig      `toml:"storage"`
	AdminAPI    AdminAPIConfig     `toml:"adminAPI" validate:"required"`
	Engine      EngineConfig       `toml:"engine"`
	SelfMonitor SelfMonitorConfig  `toml:"selfMonitor"`
	Logging     LoggingConfig      `toml:"logging"`
	Monitors    []MonitorConfig    `toml:"monitors" validate:"dive"`
	Groups      []GroupConfig      `toml:"groups" validate:"dive"`
	StatusPages []StatusPageConfig `toml:"statusPages" validate:"dive"`
	Channels    []ChannelConfig    `toml:"notifications" validate:"dive"`
}

type ServerConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	ReadTimeoutMS  int    `toml:"read_timeout_ms"`
	WriteTimeoutMS int    `toml:"write_timeout_ms"`
}

type StorageConfig struct {
	Host     string     `toml:"host" validate:"required"`
	Port     int        `toml:"port"`
	User     string     `toml:"user"`
	Password string     `toml:"password"`
	DBName   string     `toml:"dbname" validate:"required"`
	SSLMode  string     `toml:"ssl_mode"`
	Pool     PoolConfig `toml:"pool"`
}

// PoolConfig defines connection pool settings.
type PoolConfig struct {
	MaxConns                 int `toml:"max_conns"`
	MinConns                 int `toml:"min_conns"`
	MaxConnLifetimeMinutes   int `toml:"max_conn_lifetime_minutes"`
	MaxConnIdleTimeMinutes   int `toml:"max_conn_idle_time_minutes"`
	HealthCheckPeriodSeconds int `toml:"health_check_period_seconds"`
}

type AdminAPIConfig struct {
	Token string `toml:"token" validate:"required,min=16"`
}

// EngineConfig tunes the status-and-alerting engine.
type EngineConfig struct {
	GracePeriodSeconds     int `toml:"grace_period_seconds"`
	CheckIntervalSeconds   int `toml:"check_interval_seconds"`
	FlushIntervalSeconds   int `toml:"flush_interval_seconds"`
	MaxBatch               int `toml:"max_batch"`
	MaxBufferSize          int `toml:"max_buffer_size"`
	RecomputeConcurrency   int `toml:"recompute_concurrency"`
	AggregationIntervalMin int `toml:"aggregation_interval_minutes"`
	ProviderTimeoutSeconds int `toml:"provider_timeout_seconds"`
}

type SelfMonitorConfig struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	LatencyStrategy string `toml:"latency_strategy" validate:"omitempty,oneof=last-known null"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// CustomMetric declares one of the up to three user-defined metric slots.
type CustomMetric struct {
	ID   string `toml:"id" validate:"required"`
	Name string `toml:"name"`
	Unit string `toml:"unit"`
}

type MonitorConfig struct {
	ID                   string         `toml:"id" validate:"required"`
	Token                string         `toml:"token" validate:"required,min=8"`
	Name                 string         `toml:"name" validate:"required"`
	IntervalSeconds      int            `toml:"interval" validate:"required,min=1"`
	MaxRetries           int            `toml:"max_retries" validate:"min=0"`
	ToleranceFactor      float64        `toml:"tolerance_factor" validate:"min=0"`
	ResendNotification   int            `toml:"resend_notification" validate:"min=0"`
	GroupID              string         `toml:"group_id"`
	NotificationChannels []string       `toml:"notification_channels"`
	CustomMetrics        []CustomMetric `toml:"custom_metrics" validate:"max=3,dive"`
	Dependencies         []string       `toml:"dependencies"`
}

// Strategy values for group status composition.
const (
	StrategyAnyUp      = "any-up"
	StrategyAllUp      = "all-up"
	StrategyPercentage = "percentage"
)

type GroupConfig struct {
	ID                   string   `toml:"id" validate:"required"`
	Name                 string   `toml:"name" validate:"required"`
	Strategy             string   `toml:"strategy" validate:"required,oneof=any-up all-up percentage"`
	DegradedThreshold    float64  `toml:"degraded_threshold" validate:"min=0,max=100"`
	IntervalSeconds      int      `toml:"interval" validate:"required,min=1"`
	ResendNotification   int      `toml:"resend_notification" validate:"min=0"`
	ParentID             string   `toml:"parent_id"`
	NotificationChannels []string `toml:"notification_channels"`
	Dependencies         []string `toml:"dependencies"`
}

type StatusPageConfig struct {
	Slug     string   `toml:"slug" validate:"required"`
	Name     string   `toml:"name" validate:"required"`
	Items    []string `toml:"items" validate:"min=1"`
	Password string   `toml:"password"`
}

// PasswordMatches accepts either a bcrypt hash or a plain secret in the
// password field. Plain secrets are compared in constant time. Every
// surface guarding a page (websocket subscribe, HTTP status views) goes
// through this check.
func (p *StatusPageConfig) PasswordMatches(supplied string) bool {
	if strings.HasPrefix(p.Password, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(p.Password), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(p.Password), []byte(supplied)) == 1
}

type ChannelConfig struct {
	ID       string          `toml:"id" validate:"required"`
	Enabled  bool            `toml:"enabled"`
	Email    *EmailConfig    `toml:"email"`
	Discord  *DiscordConfig  `toml:"discord"`
	Ntfy     *NtfyConfig     `toml:"ntfy"`
	Telegram *TelegramConfig `toml:"telegram"`
	Webhook  *WebhookConfig  `toml:"webhook"`
}

type EmailConfig struct {
	Enabled  bool     `toml:"enabled"`
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	From     string   `toml:"from"`
	To       []string `toml:"to"`
}

type DiscordConfig struct {
	Enabled    bool   `toml:"enabled"`
	WebhookURL string `toml:"webhook_url"`
}

type NtfyConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Topic   string `toml:"topic"`
	Token   string `toml:"token"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type WebhookConfig struct {
	Enabled bool              `toml:"enabled"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
}

var validate = validator.New()

// Path resolves the configuration file path from the CONFIG environment
// variable, falling back to DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the TOML document, applies environment overrides and defaults,
// and validates it.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a raw TOML document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes the document atomically (temp file + rename) so a crashed
// writer never leaves a truncated config on disk.
func Save(configPath string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset engine and entity fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 30000
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = 30000
	}
	if c.Storage.Port == 0 {
		c.Storage.Port = 5432
	}
	if c.Storage.SSLMode == "" {
		c.Storage.SSLMode = "disable"
	}
	c.Storage.Pool.ApplyDefaults()

	if c.Engine.GracePeriodSeconds == 0 {
		c.Engine.GracePeriodSeconds = 60
	}
	if c.Engine.CheckIntervalSeconds == 0 {
		c.Engine.CheckIntervalSeconds = 30
	}
	if c.Engine.FlushIntervalSeconds == 0 {
		c.Engine.FlushIntervalSeconds = 5
	}
	if c.Engine.MaxBatch == 0 {
		c.Engine.MaxBatch = 1000
	}
	if c.Engine.MaxBufferSize == 0 {
		c.Engine.MaxBufferSize = 10000
	}
	if c.Engine.RecomputeConcurrency == 0 {
		c.Engine.RecomputeConcurrency = 8
	}
	if c.Engine.AggregationIntervalMin == 0 {
		c.Engine.AggregationIntervalMin = 10
	}
	if c.Engine.ProviderTimeoutSeconds == 0 {
		c.Engine.ProviderTimeoutSeconds = 10
	}

	if c.SelfMonitor.IntervalSeconds == 0 {
		c.SelfMonitor.IntervalSeconds = 3
	}
	if c.SelfMonitor.LatencyStrategy == "" {
		c.SelfMonitor.LatencyStrategy = "last-known"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	for i := range c.Monitors {
		if c.Monitors[i].MaxRetries == 0 {
			c.Monitors[i].MaxRetries = 3
		}
		if c.Monitors[i].ToleranceFactor == 0 {
			c.Monitors[i].ToleranceFactor = 1.5
		}
	}
	for i := range c.Groups {
		if c.Groups[i].DegradedThreshold == 0 {
			c.Groups[i].DegradedThreshold = 50
		}
	}
}

// Validate runs tag validation plus structural checks that the validator
// cannot express: uniqueness of IDs, tokens and slugs, reference integrity,
// and channel sub-provider presence. Dependency cycles are checked when the
// snapshot indexes are built.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	ids := make(map[string]string)
	for _, m := range c.Monitors {
		if prev, dup := ids[m.ID]; dup {
			return fmt.Errorf("duplicate entity id %q (%s)", m.ID, prev)
		}
		ids[m.ID] = "monitor"
	}
	for _, g := range c.Groups {
		if prev, dup := ids[g.ID]; dup {
			return fmt.Errorf("duplicate entity id %q (%s)", g.ID, prev)
		}
		ids[g.ID] = "group"
	}

	tokens := make(map[string]struct{})
	for _, m := range c.Monitors {
		if _, dup := tokens[m.Token]; dup {
			return fmt.Errorf("duplicate monitor token for %q", m.ID)
		}
		tokens[m.Token] = struct{}{}

		if m.GroupID != "" && ids[m.GroupID] != "group" {
			return fmt.Errorf("monitor %q references unknown group %q", m.ID, m.GroupID)
		}
		for _, dep := range m.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("monitor %q depends on unknown entity %q", m.ID, dep)
			}
		}
	}

	for _, g := range c.Groups {
		if g.ParentID != "" {
			if ids[g.ParentID] != "group" {
				return fmt.Errorf("group %q references unknown parent %q", g.ID, g.ParentID)
			}
			if g.ParentID == g.ID {
				return fmt.Errorf("group %q cannot be its own parent", g.ID)
			}
		}
		for _, dep := range g.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("group %q depends on unknown entity %q", g.ID, dep)
			}
		}
	}

	slugs := make(map[string]struct{})
	for _, p := range c.StatusPages {
		if _, dup := slugs[p.Slug]; dup {
			return fmt.Errorf("duplicate status page slug %q", p.Slug)
		}
		slugs[p.Slug] = struct{}{}
		for _, item := range p.Items {
			if _, ok := ids[item]; !ok {
				return fmt.Errorf("status page %q contains unknown entity %q", p.Slug, item)
			}
		}
	}

	channels := make(map[string]struct{})
	for _, ch := range c.Channels {
		if _, dup := channels[ch.ID]; dup {
			return fmt.Errorf("duplicate notification channel id %q", ch.ID)
		}
		channels[ch.ID] = struct{}{}
		if err := ch.validateProviders(); err != nil {
			return err
		}
	}

	for _, m := range c.Monitors {
		for _, chID := range m.NotificationChannels {
			if _, ok := channels[chID]; !ok {
				return fmt.Errorf("monitor %q references unknown channel %q", m.ID, chID)
			}
		}
	}
	for _, g := range c.Groups {
		for _, chID := range g.NotificationChannels {
			if _, ok := channels[chID]; !ok {
				return fmt.Errorf("group %q references unknown channel %q", g.ID, chID)
			}
		}
	}

	return nil
}

// validateProviders enforces that an enabled channel has at least one enabled
// sub-provider and that each enabled sub-provider carries its required fields.
func (ch *ChannelConfig) validateProviders() error {
	if !ch.Enabled {
		return nil
	}
	enabled := 0
	if ch.Email != nil && ch.Email.Enabled {
		enabled++
		if ch.Email.Host == "" || ch.Email.From == "" || len(ch.Email.To) == 0 {
			return fmt.Errorf("channel %q: email provider requires host, from and to", ch.ID)
		}
	}
	if ch.Discord != nil && ch.Discord.Enabled {
		enabled++
		if ch.Discord.WebhookURL == "" {
			return fmt.Errorf("channel %q: discord provider requires webhook_url", ch.ID)
		}
	}
	if ch.Ntfy != nil && ch.Ntfy.Enabled {
		enabled++
		if ch.Ntfy.URL == "" || ch.Ntfy.Topic == "" {
			return fmt.Errorf("channel %q: ntfy provider requires url and topic", ch.ID)
		}
	}
	if ch.Telegram != nil && ch.Telegram.Enabled {
		enabled++
		if ch.Telegram.BotToken == "" || ch.Telegram.ChatID == "" {
			return fmt.Errorf("channel %q: telegram provider requires bot_token and chat_id", ch.ID)
		}
	}
	if ch.Webhook != nil && ch.Webhook.Enabled {
		enabled++
		if ch.Webhook.URL == "" {
			return fmt.Errorf("channel %q: webhook provider requires url", ch.ID)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("channel %q is enabled but has no enabled provider", ch.ID)
	}
	return nil
}

// applyEnvOverrides checks for environment variables with PW_ prefix.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PW_STORAGE_HOST"); v != "" {
		cfg.Storage.Host = v
	}
	if v := os.Getenv("PW_STORAGE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.Port)
	}
	if v := os.Getenv("PW_STORAGE_PASSWORD"); v != "" {
		cfg.Storage.Password = v
	}
	if v := os.Getenv("PW_ADMIN_TOKEN"); v != "" {
		cfg.AdminAPI.Token = v
	}
	if v := os.Getenv("PW_SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}
	if v := os.Getenv("PW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Interval returns the monitor's nominal pulse interval.
func (m *MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// MaxAllowedGap is the elapsed time after which a monitor is considered late:
// interval scaled by the tolerance factor.
func (m *MonitorConfig) MaxAllowedGap() time.Duration {
	return time.Duration(float64(m.IntervalSeconds)*m.ToleranceFactor*1000) * time.Millisecond
}

// HasCustomSlot reports whether the monitor declares the 1-based metric slot.
func (m *MonitorConfig) HasCustomSlot(slot int) bool {
	return slot >= 1 && slot <= len(m.CustomMetrics)
}

// Interval returns the group's uptime windowing interval.
func (g *GroupConfig) Interval() time.Duration {
	return time.Duration(g.IntervalSeconds) * time.Second
}

// ReadTimeout returns the read timeout as a duration.
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration.
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// ApplyDefaults sets default values for pool configuration.
func (p *PoolConfig) ApplyDefaults() {
	if p.MaxConns == 0 {
		p.MaxConns = 20
	}
	if p.MinConns == 0 {
		p.MinConns = 4
	}
	if p.MaxConnLifetimeMinutes == 0 {
		p.MaxConnLifetimeMinutes = 90
	}
	if p.MaxConnIdleTimeMinutes == 0 {
		p.MaxConnIdleTimeMinutes = 20
	}
	if p.HealthCheckPeriodSeconds == 0 {
		p.HealthCheckPeriodSeconds = 45
	}
}

func (p *PoolConfig) MaxConnLifetime() time.Duration {
	return time.Duration(p.MaxConnLifetimeMinutes) * time.Minute
}

func (p *PoolConfig) MaxConnIdleTime() time.Duration {
	return time.Duration(p.MaxConnIdleTimeMinutes) * time.Minute
}

func (p *PoolConfig) HealthCheckPeriod() time.Duration {
	return time.Duration(p.HealthCheckPeriodSeconds) * time.Second
}

// ConnString returns the PostgreSQL connection string.
func (s *StorageConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

func (e *EngineConfig) GracePeriod() time.Duration {
	return time.Duration(e.GracePeriodSeconds) * time.Second
}

func (e *EngineConfig) CheckInterval() time.Duration {
	return time.Duration(e.CheckIntervalSeconds) * time.Second
}

func (e *EngineConfig) FlushInterval() time.Duration {
	return time.Duration(e.FlushIntervalSeconds) * time.Second
}

func (e *EngineConfig) AggregationInterval() time.Duration {
	return time.Duration(e.AggregationIntervalMin) * time.Minute
}

func (e *EngineConfig) ProviderTimeout() time.Duration {
	return time.Duration(e.ProviderTimeoutSeconds) * time.Second
}

func (sm *SelfMonitorConfig) Interval() time.Duration {
	return time.Duration(sm.IntervalSeconds) * time.Second
}

// IsLogLevelValid checks if the log level is valid.
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// Clone returns a deep copy of the document. The admin API mutates a clone
// before handing it to the snapshot rebuild, so a rejected candidate never
// touches the running config.
func (c *Config) Clone() *Config {
	data, err := toml.Marshal(c)
	if err != nil {
		// A loaded config always round-trips; reaching this is a bug.
		panic(fmt.Sprintf("config clone failed: %v", err))
	}
	out := &Config{}
	if err := toml.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("config clone failed: %v", err))
	}
	return out
}
