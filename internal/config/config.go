package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config holds all application configuration
type Config struct {
	WebSocketAddr string         `json:"websocket_addr"`
	Identity      IdentityConfig `json:"identity"`
	ICE           ICEConfig      `json:"ice"`
	Timeouts      TimeoutConfig  `json:"timeouts"`
	CallLog       CallLogConfig  `json:"call_log"`
	Settings      SettingsConfig `json:"settings"`
	API           APIConfig      `json:"api"`
	Log           LogConfig      `json:"log"`
	NetWatch      NetWatchConfig `json:"net_watch"`
}

type IdentityConfig struct {
	// LocalAddress is our own address on the relay. Messages from it are
	// echoes of what another of our devices sent.
	LocalAddress string `json:"local_address"`
}

type ICEConfig struct {
	STUNServers []string `json:"stun_servers"`
	// VideoEnabled allows a camera track when a VideoInput device exists.
	VideoEnabled bool `json:"video_enabled"`
}

type TimeoutConfig struct {
	Negotiation       Duration `json:"negotiation"`
	DebounceWindow    Duration `json:"debounce_window"`
	CallSetup         Duration `json:"call_setup"`
	ReconnectInterval Duration `json:"reconnect_interval"`
	MaxReconnects     int      `json:"max_reconnects"`
}

type CallLogConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver     string         `json:"driver"`
	SQLitePath string         `json:"sqlite_path"`
	Postgres   PostgresConfig `json:"postgres"`
}

type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
}

type SettingsConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

type NetWatchConfig struct {
	Enabled  bool     `json:"enabled"`
	Interval Duration `json:"interval"`
}

// Duration marshals as a Go duration string ("30s") in the config file.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string or nanoseconds: %w", err)
		}
		d.Duration = time.Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		WebSocketAddr: "localhost:7000",
		ICE: ICEConfig{
			STUNServers:  []string{"stun:stun.l.google.com:19302"},
			VideoEnabled: true,
		},
		Timeouts: TimeoutConfig{
			Negotiation:       Duration{10 * time.Second},
			DebounceWindow:    Duration{200 * time.Millisecond},
			CallSetup:         Duration{30 * time.Second},
			ReconnectInterval: Duration{5 * time.Second},
			MaxReconnects:     5,
		},
		CallLog: CallLogConfig{
			Driver:     "sqlite",
			SQLitePath: "calls.db",
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Settings: SettingsConfig{
			Path:  "settings.json",
			Watch: true,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8088",
		},
		Log: LogConfig{
			Level: "info",
		},
		NetWatch: NetWatchConfig{
			Enabled:  true,
			Interval: Duration{10 * time.Second},
		},
	}
}

// Load reads a JSON config file on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	data = stripBOM(data)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}

// Validate checks the fields the controller cannot run without.
func (c *Config) Validate() error {
	if c.WebSocketAddr == "" {
		return errors.New("websocket_addr is required")
	}
	if c.Identity.LocalAddress == "" {
		return errors.New("identity.local_address is required")
	}
	if c.Timeouts.Negotiation.Duration <= 0 {
		return errors.New("timeouts.negotiation must be positive")
	}
	if c.Timeouts.DebounceWindow.Duration <= 0 {
		return errors.New("timeouts.debounce_window must be positive")
	}
	if c.Timeouts.CallSetup.Duration <= 0 {
		return errors.New("timeouts.call_setup must be positive")
	}
	if c.Timeouts.ReconnectInterval.Duration <= 0 {
		return errors.New("timeouts.reconnect_interval must be positive")
	}
	if c.Timeouts.MaxReconnects < 0 {
		return errors.New("timeouts.max_reconnects cannot be negative")
	}
	switch c.CallLog.Driver {
	case "sqlite":
		if c.CallLog.SQLitePath == "" {
			return errors.New("call_log.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.CallLog.Postgres.Host == "" || c.CallLog.Postgres.Database == "" {
			return errors.New("call_log.postgres host and database are required")
		}
	case "", "none":
	default:
		return fmt.Errorf("unknown call_log.driver %q", c.CallLog.Driver)
	}
	if c.API.Enabled && c.API.Addr == "" {
		return errors.New("api.addr is required when the API is enabled")
	}
	return nil
}
