package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "FLOWRUN"

// Config holds the configuration for flowrun.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr" validate:"required"`
	} `mapstructure:"server"`
	Database struct {
		Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
		DSN    string `mapstructure:"dsn" validate:"required"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"gte=0"`
		URL      string `mapstructure:"url"` // 设置后优先于 addr/password/db
	} `mapstructure:"redis"`
	Queue struct {
		Enabled          bool          `mapstructure:"enabled"`
		Name             string        `mapstructure:"name" validate:"required"`
		Concurrency      int           `mapstructure:"concurrency" validate:"gte=1"`
		PollWait         time.Duration `mapstructure:"poll_wait" validate:"gt=0"`
		RecoverOnStart   bool          `mapstructure:"recover_on_start"`
		ConsumeInProcess bool          `mapstructure:"consume_in_process"`
	} `mapstructure:"queue"`
	Engine struct {
		HTTPTimeout           time.Duration `mapstructure:"http_timeout" validate:"gte=0"`
		LeaseTTL              time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
		BackgroundConcurrency int           `mapstructure:"background_concurrency" validate:"gte=1"`
	} `mapstructure:"engine"`
	Lock struct {
		Driver string `mapstructure:"driver" validate:"oneof=local redis"`
	} `mapstructure:"lock"`
	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`
}

// UseRedis 队列或者租约需要 redis
func (c *Config) UseRedis() bool {
	return c.Queue.Enabled || c.Lock.Driver == "redis"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "flowrun.db")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.url", "")
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.name", "workflow-runs")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.poll_wait", 5*time.Second)
	v.SetDefault("queue.recover_on_start", true)
	v.SetDefault("queue.consume_in_process", false)
	v.SetDefault("engine.http_timeout", 30*time.Second)
	v.SetDefault("engine.lease_ttl", 10*time.Minute)
	v.SetDefault("engine.background_concurrency", 16)
	v.SetDefault("lock.driver", "local")
	v.SetDefault("log.level", "info")
}

// Load reads config.yaml from "." or "./config" (or the given file), then
// applies FLOWRUN_* environment overrides. A missing config file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.WithMessage(err, "read config failed")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal config failed")
	}
	applyLegacyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.WithMessage(err, "invalid config")
	}
	return cfg, nil
}

// applyLegacyEnv 兼容旧部署的 DISABLE_QUEUE
func applyLegacyEnv(cfg *Config) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DISABLE_QUEUE"))) {
	case "true", "1":
		cfg.Queue.Enabled = false
	}
}
