// Package config loads the bridge's process configuration: flags override
// environment variables, which override built-in defaults, following the
// precedence of the MQTT SDK's env-var loader this project is built on,
// with this bridge's own BRIDGE_-prefixed variable names.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apicov/esp-mcp-bridge/internal/errs"
)

// Config is the bridge's full runtime configuration.
type Config struct {
	MQTTBroker   string
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string

	DBPath string

	DeviceTimeoutMinutes int
	RetentionDays        int
	ErrorRetentionDays   int

	LogLevel string
	LogJSON  bool
}

func defaults() Config {
	return Config{
		MQTTBroker:           "localhost",
		MQTTPort:             1883,
		DBPath:               "bridge.db",
		DeviceTimeoutMinutes: 5,
		RetentionDays:        30,
		ErrorRetentionDays:   30,
		LogLevel:             "info",
	}
}

// envOverrides scans os.Environ() for BRIDGE_* variables and applies them
// on top of cfg in a single pass, rather than N separate os.Getenv calls.
// The second return value reports whether BRIDGE_ERROR_RETENTION_DAYS was
// present, so Load can tell "explicitly set to the default" apart from
// "never set" when deciding whether to track retention-days.
func envOverrides(cfg Config) (Config, bool, error) {
	errorRetentionExplicit := false
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		if !strings.HasPrefix(key, "BRIDGE_") {
			continue
		}

		var err error
		switch key {
		case "BRIDGE_MQTT_BROKER":
			cfg.MQTTBroker = val
		case "BRIDGE_MQTT_PORT":
			cfg.MQTTPort, err = parseIntEnv(key, val)
		case "BRIDGE_MQTT_USERNAME":
			cfg.MQTTUsername = val
		case "BRIDGE_MQTT_PASSWORD":
			cfg.MQTTPassword = val
		case "BRIDGE_DB_PATH":
			cfg.DBPath = val
		case "BRIDGE_DEVICE_TIMEOUT_MINUTES":
			cfg.DeviceTimeoutMinutes, err = parseIntEnv(key, val)
		case "BRIDGE_RETENTION_DAYS":
			cfg.RetentionDays, err = parseIntEnv(key, val)
		case "BRIDGE_ERROR_RETENTION_DAYS":
			cfg.ErrorRetentionDays, err = parseIntEnv(key, val)
			errorRetentionExplicit = true
		case "BRIDGE_LOG_LEVEL":
			cfg.LogLevel = val
		case "BRIDGE_LOG_JSON":
			cfg.LogJSON, err = parseBoolEnv(key, val)
		}
		if err != nil {
			return Config{}, false, err
		}
	}
	return cfg, errorRetentionExplicit, nil
}

func parseIntEnv(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errs.Wrap(errs.FatalConfig, fmt.Sprintf("config: parsing %s", key), err)
	}
	return n, nil
}

func parseBoolEnv(key, val string) (bool, error) {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, errs.Wrap(errs.FatalConfig, fmt.Sprintf("config: parsing %s", key), err)
	}
	return b, nil
}

// Load parses args against flags seeded from BRIDGE_* environment variables,
// which are themselves seeded from defaults(). Flags take final precedence.
//
// error-retention-days defaults to whatever retention-days resolves to,
// unless error-retention-days itself was set via flag or environment
// variable, in which case that explicit value wins.
func Load(args []string) (*Config, error) {
	cfg, errorRetentionExplicit, err := envOverrides(defaults())
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", cfg.MQTTBroker, "MQTT broker hostname")
	fs.IntVar(&cfg.MQTTPort, "mqtt-port", cfg.MQTTPort, "MQTT broker port")
	fs.StringVar(&cfg.MQTTUsername, "mqtt-username", cfg.MQTTUsername, "MQTT username")
	fs.StringVar(&cfg.MQTTPassword, "mqtt-password", cfg.MQTTPassword, "MQTT password")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the SQLite database file")
	fs.IntVar(&cfg.DeviceTimeoutMinutes, "device-timeout-minutes", cfg.DeviceTimeoutMinutes, "minutes of silence before a device is marked offline")
	fs.IntVar(&cfg.RetentionDays, "retention-days", cfg.RetentionDays, "days of sensor_data history retained")
	fs.IntVar(&cfg.ErrorRetentionDays, "error-retention-days", cfg.ErrorRetentionDays, "days of device_errors history retained; defaults to retention-days unless set")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs instead of a colorized console")

	if err := fs.Parse(args); err != nil {
		return nil, errs.Wrap(errs.FatalConfig, "config: parsing flags", err)
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "error-retention-days" {
			errorRetentionExplicit = true
		}
	})
	if !errorRetentionExplicit {
		cfg.ErrorRetentionDays = cfg.RetentionDays
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges, returning a FatalConfig
// error describing the first violation found.
func (c Config) Validate() error {
	if c.MQTTBroker == "" {
		return errs.New(errs.FatalConfig, "config: mqtt-broker is required")
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return errs.New(errs.FatalConfig, "config: mqtt-port out of range")
	}
	if c.DBPath == "" {
		return errs.New(errs.FatalConfig, "config: db-path is required")
	}
	if c.DeviceTimeoutMinutes <= 0 {
		return errs.New(errs.FatalConfig, "config: device-timeout-minutes must be positive")
	}
	if c.RetentionDays <= 0 || c.ErrorRetentionDays <= 0 {
		return errs.New(errs.FatalConfig, "config: retention-days and error-retention-days must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errs.New(errs.FatalConfig, "config: log-level must be one of debug, info, warn, error")
	}
	return nil
}
