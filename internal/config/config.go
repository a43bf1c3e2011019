package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile    = "/etc/gpuctl.toml"
	DefaultEnvPrefix     = "GPUCTL"
	DefaultLogLevel      = string(LogLevelInfo)
	DefaultSysfsRoot     = "/sys"
	DefaultStatsInterval = 2
	DefaultMetricsDB     = "/var/lib/gpuctl/metrics.db"
	DefaultBatchSize     = 10
	DefaultBatchTimeout  = 30

	// GPU ids contain dots ("...-0000:03:00.0"), so viper's default "."
	// key delimiter cannot be used.
	keyDelimiter = "::"
)

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
	// BatchSize is the number of samples buffered before a write
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum age in seconds of a buffered sample
	BatchTimeout int `mapstructure:"batch_timeout"`
}

type Config struct {
	LogLevel      string               `mapstructure:"log_level"`
	Debug         bool                 `mapstructure:"debug"`
	Verbose       bool                 `mapstructure:"verbose"`
	SysfsRoot     string               `mapstructure:"sysfs_root"`
	StatsInterval int                  `mapstructure:"stats_interval"`
	DisableNVML   bool                 `mapstructure:"disable_nvml"`
	Metrics       MetricsConfig        `mapstructure:"metrics"`
	GPUs          map[string]GPUConfig `mapstructure:"gpus"`

	// Dump is set from the command line only
	Dump bool `mapstructure:"-"`
}

// flagKeys maps config keys to the flags overriding them
var flagKeys = map[string]string{
	"log_level":                         "log-level",
	"debug":                             "debug",
	"verbose":                           "verbose",
	"sysfs_root":                        "sysfs-root",
	"stats_interval":                    "stats-interval",
	"disable_nvml":                      "disable-nvml",
	"metrics" + keyDelimiter + "enabled": "metrics",
	"metrics" + keyDelimiter + "db_path": "metrics-db",
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("gpuctld", pflag.ContinueOnError)
	flags.String("config", "", "Path to configuration file")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.String("sysfs-root", DefaultSysfsRoot, "Mount point of sysfs")
	flags.Int("stats-interval", DefaultStatsInterval, "Seconds between stats samples")
	flags.Bool("disable-nvml", false, "Manage NVIDIA GPUs through sysfs only")
	flags.Bool("metrics", false, "Record stats history")
	flags.String("metrics-db", DefaultMetricsDB, "Path to the stats history database")
	flags.Bool("dump", false, "Print a snapshot of all GPUs and exit")
	return flags
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("sysfs_root", DefaultSysfsRoot)
	v.SetDefault("stats_interval", DefaultStatsInterval)
	v.SetDefault("metrics"+keyDelimiter+"enabled", false)
	v.SetDefault("metrics"+keyDelimiter+"db_path", DefaultMetricsDB)
	v.SetDefault("metrics"+keyDelimiter+"batch_size", DefaultBatchSize)
	v.SetDefault("metrics"+keyDelimiter+"batch_timeout", DefaultBatchTimeout)
}

// Load reads configuration from, in increasing precedence: defaults, the
// config file, environment variables and command line flags in args.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigType("toml")
	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for key, name := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err).WithData(name)
		}
	}

	if path := configPath(o, flags); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err).WithOperation("read " + path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err).WithOperation("decode configuration")
	}
	cfg.Dump, _ = flags.GetBool("dump")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configPath picks the config file: --config, then WithConfigFile, then
// {prefix}_CONFIG, then DefaultConfigFile if it exists. An empty
// {prefix}_CONFIG disables the config file.
func configPath(o options, flags *pflag.FlagSet) string {
	if path, _ := flags.GetString("config"); path != "" {
		return path
	}
	if o.configPath != "" {
		return o.configPath
	}
	if path, ok := os.LookupEnv(o.envPrefix + "_CONFIG"); ok {
		return path
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

// Validate checks values that cannot be checked while decoding
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, &validationError{
			field: "log_level", value: c.LogLevel, reason: "must be one of debug, info, warning, error",
		})
	}
	if c.StatsInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, &validationError{
			field: "stats_interval", value: c.StatsInterval, reason: "must be positive",
		})
	}
	if c.Metrics.Enabled && c.Metrics.DBPath == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, &validationError{
			field: "metrics.db_path", value: c.Metrics.DBPath, reason: "required when metrics are enabled",
		})
	}

	_, err := c.GPUConfigs()
	return err
}

func (c *Config) GetLogLevel() string {
	return c.LogLevel
}

func (c *Config) GetSysfsRoot() string {
	return c.SysfsRoot
}

func (c *Config) GetStatsInterval() time.Duration {
	return time.Duration(c.StatsInterval) * time.Second
}

func (c *Config) IsNVMLDisabled() bool {
	return c.DisableNVML
}

func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics.Enabled
}

func (c *Config) GetMetricsDBPath() string {
	return c.Metrics.DBPath
}

// GPUConfigs converts every [gpus."<id>"] section.
func (c *Config) GPUConfigs() (map[string]gpu.Config, error) {
	configs := make(map[string]gpu.Config, len(c.GPUs))
	for id, section := range c.GPUs {
		cfg, err := section.toGPU()
		if err != nil {
			return nil, errors.New().Wrap(errors.ErrInvalidConfig, err).WithOperation("gpu " + id)
		}
		configs[strings.ToLower(id)] = cfg
	}
	return configs, nil
}
