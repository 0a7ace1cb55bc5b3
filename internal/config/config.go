// Package config loads the agent's runtime configuration from environment
// variables and Viper-bound flags, following the teacher's
// internal/config.LoadConfig shape: bind, unmarshal into a typed struct,
// verify.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Adb holds the settings for the ADB track-devices provider (C3).
type Adb struct {
	ServerSocket string `mapstructure:"server_socket"`
	ServerHost   string `mapstructure:"server_host"`
	Host         string `mapstructure:"host"`
	ServerPort   int    `mapstructure:"server_port"`
}

// Backup holds settings for the Apple lockdown/backup driver (C4).
type Backup struct {
	Dir                string `mapstructure:"dir"`
	IdeviceBackup2Path string `mapstructure:"idevicebackup2_path"`
}

// Notifier holds settings for the notifier sink (C5).
type Notifier struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	TCPAddr    string        `mapstructure:"tcp_addr"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// Catalog holds settings for the backup catalog scanner (C6).
type Catalog struct {
	Root  string `mapstructure:"root"`
	Watch bool   `mapstructure:"watch"`
}

// Config is the top-level configuration struct.
type Config struct {
	Debug          bool          `mapstructure:"debug"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	Adb            Adb           `mapstructure:"adb"`
	Backup         Backup        `mapstructure:"backup"`
	Notifier       Notifier      `mapstructure:"notifier"`
	Catalog        Catalog       `mapstructure:"catalog"`
}

const (
	defaultAdbHost       = "127.0.0.1"
	defaultAdbPort       = 5037
	defaultDebounceMS    = 800
	defaultNotifyBackoff = 3 * time.Second
)

// bindEnv wires every field this package cares about to its environment
// variable, matching spec §6's "Environment inputs" list plus the
// ambient additions this driver needs.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("")
	_ = v.BindEnv("adb.server_socket", "ADB_SERVER_SOCKET")
	_ = v.BindEnv("adb.server_host", "ADB_SERVER_HOST")
	_ = v.BindEnv("adb.host", "ADB_HOST")
	_ = v.BindEnv("adb.server_port", "ADB_SERVER_PORT")
	_ = v.BindEnv("debug", "LOG_LEVEL_DEBUG")
	_ = v.BindEnv("backup.idevicebackup2_path", "IDEVICEBACKUP2_EXE")
	_ = v.BindEnv("backup.dir", "DEVICEWATCH_BACKUP_DIR")
	_ = v.BindEnv("notifier.webhook_url", "DEVICEWATCH_WEBHOOK_URL")
	_ = v.BindEnv("notifier.tcp_addr", "DEVICEWATCH_NOTIFY_TCP_ADDR")
	_ = v.BindEnv("catalog.root", "DEVICEWATCH_CATALOG_ROOT")
	_ = v.BindEnv("debounce_window", "DEVICEWATCH_DEBOUNCE_MS")

	v.SetDefault("adb.host", defaultAdbHost)
	v.SetDefault("adb.server_port", defaultAdbPort)
	v.SetDefault("debounce_window", defaultDebounceMS)
	v.SetDefault("notifier.backoff", defaultNotifyBackoff)
}

// verify resolves the ADB host precedence spec §9 leaves ambiguous:
// ADB_HOST and ADB_SERVER_HOST are read in that order, last one set wins.
// ServerSocket, if set, takes priority over host/port entirely.
func (c *Config) verify() error {
	if c.Adb.ServerSocket == "" {
		if c.Adb.ServerHost == "" {
			c.Adb.ServerHost = c.Adb.Host
		}
		if c.Adb.ServerHost == "" {
			c.Adb.ServerHost = defaultAdbHost
		}
		if c.Adb.ServerPort == 0 {
			c.Adb.ServerPort = defaultAdbPort
		}
	}

	if c.DebounceWindow <= 0 {
		return fmt.Errorf("config: debounce_window must be positive")
	}
	// A bare integer bound from DEVICEWATCH_DEBOUNCE_MS lands as
	// nanoseconds once mapstructure decodes it into a time.Duration;
	// treat anything implausibly small as milliseconds instead.
	if c.DebounceWindow < time.Millisecond {
		c.DebounceWindow *= time.Millisecond
	}

	return nil
}

// AdbAddr resolves the dial address the ADB provider should use, per
// spec §6's `ADB_SERVER_SOCKET=tcp:HOST:PORT` form or the
// host/port pair verify() otherwise fills in.
func (c *Adb) AdbAddr() string {
	if strings.HasPrefix(c.ServerSocket, "tcp:") {
		return strings.TrimPrefix(c.ServerSocket, "tcp:")
	}
	return c.ServerHost + ":" + strconv.Itoa(c.ServerPort)
}

// Load reads configuration from environment variables (and any flags
// bound into v by the caller) and returns a verified Config.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	bindEnv(v)

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %w", err)
	}
	return &c, nil
}
