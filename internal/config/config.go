package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
	Events   EventsConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type LedgerConfig struct {
	MaxRetries           int
	TxTimeout            time.Duration
	FailureRecordTimeout time.Duration
}

type EventsConfig struct {
	Driver       string
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
}

type LogConfig struct {
	Level       string
	Development bool
}

// Event drivers accepted in events.driver.
const (
	DriverRedis = "redis"
	DriverKafka = "kafka"
	DriverNone  = "none"
)

var envBindings = map[string]string{
	"server.port":                   "PORT",
	"database.host":                 "DATABASE_HOST",
	"database.port":                 "DATABASE_PORT",
	"database.user":                 "DATABASE_USER",
	"database.password":             "DATABASE_PASSWORD",
	"database.name":                 "DATABASE_NAME",
	"database.ssl_mode":             "DATABASE_SSL_MODE",
	"database.max_open_conns":       "DATABASE_MAX_OPEN_CONNS",
	"database.max_idle_conns":       "DATABASE_MAX_IDLE_CONNS",
	"database.conn_max_lifetime":    "DATABASE_CONN_MAX_LIFETIME",
	"redis.host":                    "REDIS_HOST",
	"redis.port":                    "REDIS_PORT",
	"redis.password":                "REDIS_PASSWORD",
	"redis.db":                      "REDIS_DB",
	"ledger.max_retries":            "LEDGER_MAX_RETRIES",
	"ledger.tx_timeout":             "LEDGER_TX_TIMEOUT",
	"ledger.failure_record_timeout": "LEDGER_FAILURE_RECORD_TIMEOUT",
	"events.driver":                 "EVENTS_DRIVER",
	"events.redis_channel":          "EVENTS_REDIS_CHANNEL",
	"events.kafka_brokers":          "EVENTS_KAFKA_BROKERS",
	"events.kafka_topic":            "EVENTS_KAFKA_TOPIC",
	"log.level":                     "LOG_LEVEL",
	"log.development":               "LOG_DEVELOPMENT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "mysterium")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("ledger.tx_timeout", 5*time.Second)
	v.SetDefault("ledger.failure_record_timeout", 2*time.Second)

	v.SetDefault("events.driver", DriverRedis)
	v.SetDefault("events.redis_channel", "ledger.transfers")
	v.SetDefault("events.kafka_brokers", "localhost:9092")
	v.SetDefault("events.kafka_topic", "ledger.transfers")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from the .env file at path (if present) and the
// environment, with environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}
	v.AutomaticEnv()

	var fileErr error
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		fileErr = v.ReadInConfig()
	}
	if fileErr == nil {
		// .env keys are flat (DATABASE_HOST); lift them under the dotted keys
		// so real environment variables still win.
		for key, env := range envBindings {
			if flat := strings.ToLower(env); v.InConfig(flat) {
				v.SetDefault(key, v.Get(flat))
			}
		}
	}

	cfg := fromViper(v)
	return cfg, fileErr
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port: v.GetString("server.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Ledger: LedgerConfig{
			MaxRetries:           v.GetInt("ledger.max_retries"),
			TxTimeout:            v.GetDuration("ledger.tx_timeout"),
			FailureRecordTimeout: v.GetDuration("ledger.failure_record_timeout"),
		},
		Events: EventsConfig{
			Driver:       strings.ToLower(v.GetString("events.driver")),
			RedisChannel: v.GetString("events.redis_channel"),
			KafkaBrokers: splitList(v.GetString("events.kafka_brokers")),
			KafkaTopic:   v.GetString("events.kafka_topic"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}
}

// EventTopic returns the channel or topic name for the configured driver.
func (c *Config) EventTopic() string {
	if c.Events.Driver == DriverKafka {
		return c.Events.KafkaTopic
	}
	return c.Events.RedisChannel
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
