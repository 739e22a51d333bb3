// Package config loads roomwatch's TOML configuration through viper and
// keeps the live-reloadable part of it current.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/loykin/roomwatch/internal/archive"
	"github.com/loykin/roomwatch/internal/credential"
	"github.com/loykin/roomwatch/internal/fleet"
	"github.com/loykin/roomwatch/internal/heartbeat"
	"github.com/loykin/roomwatch/internal/logger"
	"github.com/loykin/roomwatch/internal/monitor"
	rwtls "github.com/loykin/roomwatch/internal/tls"
)

// EnvPrefix namespaces environment overrides, e.g. ROOMWATCH_STORE_DSN.
const EnvPrefix = "ROOMWATCH"

type Config struct {
	Log       logger.Config   `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	History   HistoryConfig   `mapstructure:"history"`
	Live      LiveConfig      `mapstructure:"live"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Server    ServerConfig    `mapstructure:"server"`
	Rooms     []RoomSeed      `mapstructure:"rooms"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig lists lifecycle notification sinks by DSN.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type LiveConfig struct {
	BridgeURL          string        `mapstructure:"bridge_url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	Credentials        []string      `mapstructure:"credentials"`
	CredentialCooldown time.Duration `mapstructure:"credential_cooldown"`
}

type MonitorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	IntervalMinutes   int           `mapstructure:"interval_minutes"`
	BatchPause        time.Duration `mapstructure:"batch_pause"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	TransientRetries  int           `mapstructure:"transient_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
}

type HeartbeatConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	ZombieSilence        time.Duration `mapstructure:"zombie_silence"`
	FallbackSilence      time.Duration `mapstructure:"fallback_silence"`
	OfflineConfirmWindow time.Duration `mapstructure:"offline_confirm_window"`
	OfflineSilence       time.Duration `mapstructure:"offline_silence"`
	CheckTimeout         time.Duration `mapstructure:"check_timeout"`
	DisconnectTimeout    time.Duration `mapstructure:"disconnect_timeout"`
	Parallelism          int           `mapstructure:"parallelism"`
}

type ArchiveConfig struct {
	Timezone     string        `mapstructure:"timezone"`
	Schedule     string        `mapstructure:"schedule"`
	Timeout      time.Duration `mapstructure:"timeout"`
	GapThreshold time.Duration `mapstructure:"gap_threshold"`
	SplitAge     time.Duration `mapstructure:"split_age"`
	RecentWindow time.Duration `mapstructure:"recent_window"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	MergeGap     time.Duration `mapstructure:"merge_gap"`
	Lookback     time.Duration `mapstructure:"lookback"`
}

type ServerConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Listen   string       `mapstructure:"listen"`
	BasePath string       `mapstructure:"base_path"`
	TLS      rwtls.Config `mapstructure:"tls"`
}

// APIURL is the base URL local commands use to reach the ops API.
func (s ServerConfig) APIURL() string {
	scheme := "http"
	if s.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + s.Listen + s.BasePath
}

// RoomSeed registers a room at startup when storage does not know it yet.
type RoomSeed struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
	Enabled     *bool  `mapstructure:"enabled"`
}

// IsEnabled defaults to true.
func (r RoomSeed) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// defaults is the single source of default values for viper and for
// WriteDefault.
var defaults = map[string]any{
	"log.slog.level":      logger.LevelInfo,
	"log.slog.format":     logger.FormatText,
	"log.slog.color":      false,
	"log.slog.timestamps": true,
	"log.slog.source":     false,
	"log.file.path":       "",

	"store.dsn":     "sqlite://roomwatch.db",
	"history.sinks": []string{},

	"live.bridge_url":          "http://127.0.0.1:8790",
	"live.request_timeout":     "15s",
	"live.credentials":         []string{},
	"live.credential_cooldown": "1h",

	"monitor.enabled":            true,
	"monitor.interval_minutes":   5,
	"monitor.batch_pause":        "500ms",
	"monitor.connect_timeout":    "30s",
	"monitor.transient_retries":  3,
	"monitor.retry_backoff":      "1s",
	"monitor.reconnect_base":     "1s",
	"monitor.reconnect_attempts": 5,
	"monitor.failure_threshold":  3,

	"heartbeat.interval":               "30s",
	"heartbeat.zombie_silence":         "120s",
	"heartbeat.fallback_silence":       "90s",
	"heartbeat.offline_confirm_window": "30s",
	"heartbeat.offline_silence":        "30s",
	"heartbeat.check_timeout":          "10s",
	"heartbeat.disconnect_timeout":     "2m",
	"heartbeat.parallelism":            8,

	"archive.timezone":      "UTC",
	"archive.schedule":      archive.DefaultSchedule,
	"archive.timeout":       "10m",
	"archive.gap_threshold": "1h",
	"archive.split_age":     "2h",
	"archive.recent_window": "10m",
	"archive.stale_after":   "30m",
	"archive.merge_gap":     "10m",
	"archive.lookback":      "48h",

	"server.enabled":   true,
	"server.listen":    "127.0.0.1:8080",
	"server.base_path": "/api",

	"server.tls.enabled":       false,
	"server.tls.cert_file":     "",
	"server.tls.key_file":      "",
	"server.tls.dir":           "",
	"server.tls.auto_generate": false,
	"server.tls.min_version":   "1.3",
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	}
	return v
}

// Load reads path (or only defaults and environment when path is empty)
// and validates the result.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Live.Credentials = credential.ParseValues(strings.Join(c.Live.Credentials, ","))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Monitor.IntervalMinutes <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval_minutes must be positive, got %d", c.Monitor.IntervalMinutes))
	}
	if _, err := time.LoadLocation(c.Archive.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("archive.timezone: %w", err))
	}
	if c.Archive.Schedule != "" {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Archive.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("archive.schedule: %w", err))
		}
	}
	seen := make(map[string]bool, len(c.Rooms))
	for i, r := range c.Rooms {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("rooms[%d]: id is required", i))
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("rooms[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
	}
	return errors.Join(errs...)
}

// Location is the archival time zone; Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Archive.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) ArchiveConfig() archive.Config {
	return archive.Config{
		Location:     c.Location(),
		GapThreshold: c.Archive.GapThreshold,
		SplitAge:     c.Archive.SplitAge,
		RecentWindow: c.Archive.RecentWindow,
		StaleAfter:   c.Archive.StaleAfter,
		MergeGap:     c.Archive.MergeGap,
		Lookback:     c.Archive.Lookback,
	}
}

func (c *Config) FleetConfig() fleet.Config {
	return fleet.Config{
		ConnectTimeout:     c.Monitor.ConnectTimeout,
		TransientRetries:   c.Monitor.TransientRetries,
		RetryBackoff:       c.Monitor.RetryBackoff,
		CredentialCooldown: c.Live.CredentialCooldown,
		ReconnectBase:      c.Monitor.ReconnectBase,
		ReconnectAttempts:  c.Monitor.ReconnectAttempts,
	}
}

func (c *Config) HeartbeatConfig() heartbeat.Config {
	h := c.Heartbeat
	return heartbeat.Config{
		Interval:             h.Interval,
		ZombieSilence:        h.ZombieSilence,
		FallbackSilence:      h.FallbackSilence,
		OfflineConfirmWindow: h.OfflineConfirmWindow,
		OfflineSilence:       h.OfflineSilence,
		CheckTimeout:         h.CheckTimeout,
		DisconnectTimeout:    h.DisconnectTimeout,
		Parallelism:          h.Parallelism,
	}
}

// Dynamic is the part of the configuration applied without a restart.
type Dynamic struct {
	Monitor     monitor.Settings
	Credentials []string
}

func (c *Config) Dynamic() Dynamic {
	return Dynamic{
		Monitor: monitor.Settings{
			Interval:   time.Duration(c.Monitor.IntervalMinutes) * time.Minute,
			Enabled:    c.Monitor.Enabled,
			BatchPause: c.Monitor.BatchPause,
		},
		Credentials: append([]string(nil), c.Live.Credentials...),
	}
}
