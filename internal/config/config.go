// Package config loads daemon settings from defaults, a TOML file, the
// environment and command line flags, in increasing priority.
package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/daemon"
	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/live"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/storage"
	"codeberg.org/mutker/usbmeterd/internal/transport"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "/etc/usbmeterd.toml"
	DefaultEnvPrefix  = "USBMETERD"
	DefaultLogLevel   = LogLevelWarning
)

type Config struct {
	Device   transport.Config
	Daemon   daemon.Config
	Storage  storage.Config
	MQTT     live.MQTTConfig
	Metrics  string // Prometheus listen address, empty disables
	LogLevel LogLevel
	Debug    bool
	Verbose  bool

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"model":          "device.model",
	"port":           "device.port",
	"address":        "device.address",
	"serial-timeout": "device.serial_timeout",
	"session":        "session.name",
	"interval":       "session.interval",
	"retry-timeout":  "retry.timeout",
	"retry-count":    "retry.count",
	"retry-forever":  "retry.unbounded",
	"hook":           "hook.command",
	"hook-interval":  "hook.interval",
	"hook-dir":       "hook.dir",
	"database":       "storage.db_path",
	"mqtt-broker":    "live.mqtt.broker",
	"metrics-listen": "metrics.listen",
	"log-level":      "log_level",
	"debug":          "debug",
	"verbose":        "verbose",
}

func setDefaults(v *viper.Viper) {
	defaults := storage.DefaultConfig()

	v.SetDefault("device.model", string(meter.ModelUM25C))
	v.SetDefault("device.serial_timeout", 5.0)
	v.SetDefault("session.name", daemon.DefaultSessionName)
	v.SetDefault("session.interval", 1.0)
	v.SetDefault("retry.timeout", 60.0)
	v.SetDefault("retry.count", 10)
	v.SetDefault("retry.unbounded", false)
	v.SetDefault("hook.interval", 0.0)
	v.SetDefault("storage.db_path", defaults.DBPath)
	v.SetDefault("storage.batch_size", defaults.BatchSize)
	v.SetDefault("storage.batch_timeout", defaults.BatchTimeout)
	v.SetDefault("storage.backup_on_migrate", defaults.BackupOnMigrate)
	v.SetDefault("live.mqtt.topic", "usbmeterd")
	v.SetDefault("live.mqtt.client_id", "usbmeterd")
	v.SetDefault("log_level", string(DefaultLogLevel))
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("usbmeterd", pflag.ContinueOnError)

	fs.String("config", "", "Path to the configuration file")
	fs.String("model", "", "Meter model (UM24C, UM25C, UM34C, TC66C, TC66C-USB)")
	fs.String("port", "", "Serial port of the meter")
	fs.String("address", "", "BLE address of the meter")
	fs.Float64("serial-timeout", 0, "Serial read timeout in seconds")
	fs.String("session", "", "Session name")
	fs.Float64("interval", 0, "Seconds between reads")
	fs.Float64("retry-timeout", 0, "Give up retrying after this many seconds (0 disables)")
	fs.Int("retry-count", 0, "Give up after this many failed attempts (0 disables)")
	fs.Bool("retry-forever", false, "Retry forever when both retry bounds are 0")
	fs.String("hook", "", "Command run with a JSON payload file of buffered samples")
	fs.Float64("hook-interval", 0, "Seconds between hook runs (0 runs on every sample)")
	fs.String("hook-dir", "", "Directory for hook payload files")
	fs.String("database", "", "Path to the SQLite database")
	fs.String("mqtt-broker", "", "MQTT broker URL for live updates")
	fs.String("metrics-listen", "", "Address to serve Prometheus metrics on")
	fs.String("log-level", "", "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")

	return fs
}

// Load builds the configuration from args, the environment and the
// configuration file. args excludes the program name.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	if err := readConfigFile(v, configPath(fs, o)); err != nil {
		return nil, err
	}

	cfg := fromViper(v)
	cfg.Args = fs.Args()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configPath picks the file to read: flag, then environment, then option.
// An empty result means the default file, which may be absent.
func configPath(fs *pflag.FlagSet, o options) string {
	if path, _ := fs.GetString("config"); path != "" {
		return path
	}
	if path := os.Getenv(o.envPrefix + "_CONFIG"); path != "" {
		return path
	}

	return o.configPath
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

func fromViper(v *viper.Viper) *Config {
	model := meter.Model(strings.ToUpper(v.GetString("device.model")))

	return &Config{
		Device: transport.Config{
			Model:         model,
			Port:          v.GetString("device.port"),
			Address:       v.GetString("device.address"),
			SerialTimeout: seconds(v.GetFloat64("device.serial_timeout")),
		},
		Daemon: daemon.Config{
			Model:       model,
			SessionName: v.GetString("session.name"),
			Interval:    seconds(v.GetFloat64("session.interval")),
			Retry: daemon.RetryConfig{
				Timeout:   seconds(v.GetFloat64("retry.timeout")),
				Count:     v.GetInt("retry.count"),
				Unbounded: v.GetBool("retry.unbounded"),
			},
			Hook: daemon.HookConfig{
				Command:  v.GetString("hook.command"),
				Interval: seconds(v.GetFloat64("hook.interval")),
				Dir:      v.GetString("hook.dir"),
			},
		},
		Storage: storage.Config{
			DBPath:          v.GetString("storage.db_path"),
			BatchSize:       v.GetInt("storage.batch_size"),
			BatchTimeout:    v.GetInt("storage.batch_timeout"),
			BackupOnMigrate: v.GetBool("storage.backup_on_migrate"),
		},
		MQTT: live.MQTTConfig{
			Broker:   v.GetString("live.mqtt.broker"),
			Topic:    v.GetString("live.mqtt.topic"),
			ClientID: v.GetString("live.mqtt.client_id"),
		},
		Metrics:  v.GetString("metrics.listen"),
		LogLevel: LogLevel(strings.ToLower(v.GetString("log_level"))),
		Debug:    v.GetBool("debug"),
		Verbose:  v.GetBool("verbose"),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Device.SerialTimeout < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Device.SerialTimeout)
	}
	if c.Daemon.Hook.Interval < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Daemon.Hook.Interval)
	}
	if err := c.Daemon.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	return nil
}
