package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the client configuration. Every field can be set in the
// YAML file given by -config; flags set on the command line take
// precedence.
type Config struct {
	ConfigFile string `yaml:"-"`

	RelayURL    string        `yaml:"relay"`
	Host        string        `yaml:"host"`
	Path        string        `yaml:"path"`
	CAFile      string        `yaml:"ca_file"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	UserAgent   string        `yaml:"user_agent"`
	APIKey      string        `yaml:"api_key"`

	StateFile  string `yaml:"state_file"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	SecretFile string `yaml:"secret_file"`
	GuestOnly  bool   `yaml:"guest_only"`

	CacheTTL time.Duration `yaml:"cache_ttl"`

	LogLevel    string `yaml:"log_level"`
	ProtocolLog string `yaml:"protocol_log"`
	MetricsAddr string `yaml:"metrics_addr"`
	Interactive bool   `yaml:"interactive"`
}

var config Config

func init() {
	registerFlags(flag.CommandLine, &config)
}

func registerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ConfigFile, "config", "", "Configuration file path (YAML)")

	fs.StringVar(&cfg.RelayURL, "relay", "", "WebSocket relay URL (ws:// or wss://)")
	fs.StringVar(&cfg.Host, "host", "hiplan.thi.de", "Backend host")
	fs.StringVar(&cfg.Path, "path", "/webservice/zits_s_40_test/index.php", "Backend endpoint path")
	fs.StringVar(&cfg.CAFile, "ca-file", "", "PEM bundle of trusted roots (default: embedded backend root)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 5*time.Second, "Tunnel idle timeout")
	fs.StringVar(&cfg.UserAgent, "user-agent", "thi-tunnel", "User-Agent sent to the backend")
	fs.StringVar(&cfg.APIKey, "api-key", "", "X-API-KEY sent to the backend")

	fs.StringVar(&cfg.StateFile, "state-file", defaultStatePath("state.json"), "Session state file")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Keep session state in Redis at this address instead of the state file")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database")
	fs.StringVar(&cfg.SecretFile, "secret-file", defaultStatePath("secret"), "Master secret sealing stored credentials")
	fs.BoolVar(&cfg.GuestOnly, "guest-only", false, "Reject all authenticated calls")

	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", 10*time.Minute, "Response cache TTL")

	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.ProtocolLog, "protocol-log", "", "Write a CBOR protocol trace to this file")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&cfg.Interactive, "interactive", false, "Start the interactive shell")
}

// defaultStatePath returns name inside the user config directory.
func defaultStatePath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return dir + string(os.PathSeparator) + "thi-tunnel" + string(os.PathSeparator) + name
}

// loadConfigFile merges the YAML file into config. Flags given on the
// command line keep their values.
func loadConfigFile(fs *flag.FlagSet, cfg *Config) error {
	if cfg.ConfigFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return err
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", cfg.ConfigFile, err)
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.RelayURL == "" {
		return fmt.Errorf("no relay configured (use -relay or relay: in the config file)")
	}
	if !strings.HasPrefix(cfg.RelayURL, "ws://") && !strings.HasPrefix(cfg.RelayURL, "wss://") {
		return fmt.Errorf("relay must be a ws:// or wss:// URL, got %q", cfg.RelayURL)
	}
	if cfg.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", cfg.IdleTimeout)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
