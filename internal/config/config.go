package config

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/howlx/atmosd/internal/errors"
)

const (
	DefaultLogLevel    = "info"
	DefaultInterval    = 300
	DefaultSeaLevelHPa = 1013.25
	DefaultProbeTries  = 8
	DefaultRetryTries  = 4
	DefaultRetryBaseMS = 500
	DefaultCalSeconds  = 60

	defaultOffsetsPath = "/var/lib/atmosd/offsets.json"
	defaultStatePath   = "/var/lib/atmosd/trend.state"
	defaultArchiveDB   = "/var/lib/atmosd/archive.db"
)

type Config struct {
	Interval int    `mapstructure:"interval"`
	Oneshot  bool   `mapstructure:"oneshot"`
	Monitor  bool   `mapstructure:"monitor"`
	LogLevel string `mapstructure:"log_level"`

	SensorName  string  `mapstructure:"sensor_name"`
	I2CBus      string  `mapstructure:"i2c_bus"`
	SeaLevelHPa float64 `mapstructure:"sea_level_hpa"`
	ProbeTries  int     `mapstructure:"probe_tries"`

	RetryTries  int `mapstructure:"retry_tries"`
	RetryBaseMS int `mapstructure:"retry_base_ms"`

	OffsetsPath      string `mapstructure:"offsets_path"`
	OffsetsURL       string `mapstructure:"offsets_url"`
	IntegratedSensor bool   `mapstructure:"integrated_sensor"`

	StatePath string `mapstructure:"state_path"`

	Calibrate  bool    `mapstructure:"calibrate"`
	CalSeconds int     `mapstructure:"cal_seconds"`
	RefFromAIO bool    `mapstructure:"ref_from_aio"`
	RefTempC   float64 `mapstructure:"ref_temp_c"`
	RefHumPct  float64 `mapstructure:"ref_hum_pct"`
	RefPressH  float64 `mapstructure:"ref_press_hpa"`

	AIOEnable   bool   `mapstructure:"aio_enable"`
	AIOUser     string `mapstructure:"aio_user"`
	AIOKey      string `mapstructure:"aio_key"`
	AIOGroup    string `mapstructure:"aio_group"`
	AIORefGroup string `mapstructure:"aio_ref_group"`

	InfluxEnable bool   `mapstructure:"influx_enable"`
	InfluxURL    string `mapstructure:"influx_url"`
	InfluxOrg    string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`
	InfluxToken  string `mapstructure:"influx_token"`
	InfluxV1DB   string `mapstructure:"influx_v1_db"`
	InfluxV1User string `mapstructure:"influx_v1_user"`
	InfluxV1Pass string `mapstructure:"influx_v1_pass"`

	MQTTEnable   bool   `mapstructure:"mqtt_enable"`
	MQTTBroker   string `mapstructure:"mqtt_broker"`
	MQTTPort     int    `mapstructure:"mqtt_port"`
	MQTTClientID string `mapstructure:"mqtt_client_id"`
	MQTTTopic    string `mapstructure:"mqtt_topic"`
	MQTTUser     string `mapstructure:"mqtt_user"`
	MQTTPass     string `mapstructure:"mqtt_pass"`

	ArchiveEnable bool   `mapstructure:"archive_enable"`
	ArchiveDB     string `mapstructure:"archive_db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("oneshot", false)
	v.SetDefault("monitor", false)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("sensor_name", "HowlX Atmos")
	v.SetDefault("i2c_bus", "")
	v.SetDefault("sea_level_hpa", DefaultSeaLevelHPa)
	v.SetDefault("probe_tries", DefaultProbeTries)
	v.SetDefault("retry_tries", DefaultRetryTries)
	v.SetDefault("retry_base_ms", DefaultRetryBaseMS)
	v.SetDefault("offsets_path", defaultOffsetsPath)
	v.SetDefault("offsets_url", "")
	v.SetDefault("integrated_sensor", false)
	v.SetDefault("state_path", defaultStatePath)
	v.SetDefault("calibrate", false)
	v.SetDefault("cal_seconds", DefaultCalSeconds)
	v.SetDefault("ref_from_aio", true)
	v.SetDefault("ref_temp_c", 0.0)
	v.SetDefault("ref_hum_pct", 0.0)
	v.SetDefault("ref_press_hpa", 0.0)
	v.SetDefault("aio_enable", true)
	v.SetDefault("aio_user", "")
	v.SetDefault("aio_key", "")
	v.SetDefault("aio_group", "")
	v.SetDefault("aio_ref_group", "howlx-proto-board-002")
	v.SetDefault("influx_enable", false)
	v.SetDefault("influx_url", "")
	v.SetDefault("influx_org", "")
	v.SetDefault("influx_bucket", "")
	v.SetDefault("influx_token", "")
	v.SetDefault("influx_v1_db", "")
	v.SetDefault("influx_v1_user", "")
	v.SetDefault("influx_v1_pass", "")
	v.SetDefault("mqtt_enable", false)
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_port", 1883)
	v.SetDefault("mqtt_client_id", "atmosd")
	v.SetDefault("mqtt_topic", "atmos/telemetry")
	v.SetDefault("mqtt_user", "")
	v.SetDefault("mqtt_pass", "")
	v.SetDefault("archive_enable", false)
	v.SetDefault("archive_db", defaultArchiveDB)
}

func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("atmosd", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.String("config", "", "Path to configuration file")
	fs.String("log-level", "", "Log level (debug, info, warning, error)")
	fs.Int("interval", 0, "Seconds between wake cycles in loop mode")
	fs.Bool("oneshot", false, "Run a single cycle and exit")
	fs.Bool("monitor", false, "Read and log without dispatching telemetry")
	fs.Bool("calibrate", false, "Sample against a reference and print offsets JSON")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errors.Wrap(errors.ErrBindFlags, err)
	}

	configPath, _ := fs.GetString("config")
	if configPath == "" {
		configPath = os.Getenv("ATMOSD_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("atmosd")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ATMOSD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		isMissing := errors.As(err, &notFound) || os.IsNotExist(err)
		// Absent file means defaults; anything else is a real failure.
		if !isMissing {
			return nil, errors.Wrap(errors.ErrReadConfig, err)
		}
	}

	// Flags win over file and environment.
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config":
		case "log-level":
			v.Set("log_level", f.Value.String())
		default:
			v.Set(f.Name, f.Value.String())
		}
	})

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warning", "warn", "error":
	default:
		return errors.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Interval <= 0 {
		return errors.WithData(errors.ErrInvalidConfig, "interval must be positive")
	}
	if c.SeaLevelHPa <= 0 {
		return errors.WithData(errors.ErrInvalidConfig, "sea_level_hpa must be positive")
	}
	if c.ProbeTries < 1 {
		return errors.WithData(errors.ErrInvalidConfig, "probe_tries must be at least 1")
	}
	if c.RetryTries < 1 {
		return errors.WithData(errors.ErrInvalidConfig, "retry_tries must be at least 1")
	}
	if c.RetryBaseMS <= 0 {
		return errors.WithData(errors.ErrInvalidConfig, "retry_base_ms must be positive")
	}
	if c.CalSeconds < 1 {
		return errors.WithData(errors.ErrInvalidConfig, "cal_seconds must be at least 1")
	}

	// Sink credentials are checked by each sink's constructor, so that an
	// enabled-but-unconfigured sink degrades to a skipped one instead of
	// refusing to start the whole node.

	return nil
}
