package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Log                LogConfig            `mapstructure:"log"`
	Transport          TransportConfig      `mapstructure:"transport"`
	Reconnection       ReconnectionConfig   `mapstructure:"reconnection"`
	JoinAckTimeout     time.Duration        `mapstructure:"join_ack_timeout"`
	Reconciliation     ReconciliationConfig `mapstructure:"reconciliation"`
	DeliveryWindowSize int                  `mapstructure:"delivery_window_size"`
	AuctionAPI         AuctionAPIConfig     `mapstructure:"auction_api"`
	History            HistoryConfig        `mapstructure:"history"`
	MySQL              MySQLConfig          `mapstructure:"mysql"`
	Redis              RedisConfig          `mapstructure:"redis"`
	NATS               NATSConfig           `mapstructure:"nats"`
	Status             StatusConfig         `mapstructure:"status"`
	Server             ServerConfig         `mapstructure:"server"`
	Leader             LeaderConfig         `mapstructure:"leader"`
	Instance           InstanceConfig       `mapstructure:"instance"`
	Simulator          SimulatorConfig      `mapstructure:"simulator"`
	Watch              WatchConfig          `mapstructure:"watch"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TransportConfig struct {
	URL              string        `mapstructure:"url"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingTimeout      time.Duration `mapstructure:"ping_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type ReconnectionConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type ReconciliationConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SuspectWindow time.Duration `mapstructure:"suspect_window"`
}

type AuctionAPIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HistoryConfig struct {
	Source string `mapstructure:"source"` // api or mysql
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	Storage         string        `mapstructure:"storage"` // memory or mysql
	ExtensionWindow time.Duration `mapstructure:"extension_window"`
}

type LeaderConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

type SimulatorConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	BidSchedule       string   `mapstructure:"bid_schedule"`
	LifecycleSchedule string   `mapstructure:"lifecycle_schedule"`
	DropSchedule      string   `mapstructure:"drop_schedule"`
	Bidders           []string `mapstructure:"bidders"`
}

type WatchConfig struct {
	Auctions []string `mapstructure:"auctions"`
}

const (
	HistoryFromAPI   = "api"
	HistoryFromMySQL = "mysql"

	StorageMemory = "memory"
	StorageMySQL  = "mysql"
)

var envBindings = map[string]string{
	"log.level":                     "LOG_LEVEL",
	"transport.url":                 "TRANSPORT_URL",
	"transport.write_timeout":       "TRANSPORT_WRITE_TIMEOUT",
	"transport.ping_timeout":        "TRANSPORT_PING_TIMEOUT",
	"transport.handshake_timeout":   "TRANSPORT_HANDSHAKE_TIMEOUT",
	"reconnection.enabled":          "RECONNECTION_ENABLED",
	"reconnection.delay":            "RECONNECTION_DELAY",
	"reconnection.max_delay":        "RECONNECTION_MAX_DELAY",
	"reconnection.max_attempts":     "RECONNECTION_MAX_ATTEMPTS",
	"join_ack_timeout":              "JOIN_ACK_TIMEOUT",
	"reconciliation.timeout":        "RECONCILIATION_TIMEOUT",
	"reconciliation.suspect_window": "RECONCILIATION_SUSPECT_WINDOW",
	"delivery_window_size":          "DELIVERY_WINDOW_SIZE",
	"auction_api.base_url":          "AUCTION_API_BASE_URL",
	"auction_api.timeout":           "AUCTION_API_TIMEOUT",
	"history.source":                "HISTORY_SOURCE",
	"mysql.dsn":                     "MYSQL_DSN",
	"mysql.max_open_conns":          "MYSQL_MAX_OPEN_CONNS",
	"mysql.max_idle_conns":          "MYSQL_MAX_IDLE_CONNS",
	"mysql.conn_max_lifetime":       "MYSQL_CONN_MAX_LIFETIME",
	"redis.enabled":                 "REDIS_ENABLED",
	"redis.address":                 "REDIS_ADDRESS",
	"redis.password":                "REDIS_PASSWORD",
	"redis.db":                      "REDIS_DB",
	"redis.channel":                 "REDIS_CHANNEL",
	"nats.enabled":                  "NATS_ENABLED",
	"nats.url":                      "NATS_URL",
	"nats.subject_prefix":           "NATS_SUBJECT_PREFIX",
	"status.enabled":                "STATUS_ENABLED",
	"status.host":                   "STATUS_HOST",
	"status.port":                   "STATUS_PORT",
	"server.host":                   "SERVER_HOST",
	"server.port":                   "SERVER_PORT",
	"server.storage":                "SERVER_STORAGE",
	"server.extension_window":       "SERVER_EXTENSION_WINDOW",
	"leader.ttl":                    "LEADER_TTL",
	"instance.id":                   "INSTANCE_ID",
	"simulator.enabled":             "SIMULATOR_ENABLED",
	"simulator.bid_schedule":        "SIMULATOR_BID_SCHEDULE",
	"simulator.lifecycle_schedule":  "SIMULATOR_LIFECYCLE_SCHEDULE",
	"simulator.drop_schedule":       "SIMULATOR_DROP_SCHEDULE",
	"simulator.bidders":             "SIMULATOR_BIDDERS",
	"watch.auctions":                "WATCH_AUCTIONS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("transport.url", "ws://localhost:8080/ws")
	v.SetDefault("transport.write_timeout", 10*time.Second)
	v.SetDefault("transport.ping_timeout", 60*time.Second)
	v.SetDefault("transport.handshake_timeout", 10*time.Second)

	v.SetDefault("reconnection.enabled", true)
	v.SetDefault("reconnection.delay", 500*time.Millisecond)
	v.SetDefault("reconnection.max_delay", 10*time.Second)
	v.SetDefault("reconnection.max_attempts", 5)

	v.SetDefault("join_ack_timeout", 5*time.Second)
	v.SetDefault("reconciliation.timeout", 5*time.Second)
	v.SetDefault("reconciliation.suspect_window", 30*time.Second)
	v.SetDefault("delivery_window_size", 256)

	v.SetDefault("auction_api.base_url", "http://localhost:8080/api/v1")
	v.SetDefault("auction_api.timeout", 5*time.Second)
	v.SetDefault("history.source", HistoryFromAPI)

	v.SetDefault("mysql.dsn", "auction_user:auction_pass@tcp(localhost:3306)/auction_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "auction_events")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "auction.events")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 8090)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.storage", StorageMemory)
	v.SetDefault("server.extension_window", 30*time.Second)

	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("instance.id", "auction-devserver-1")

	v.SetDefault("simulator.enabled", false)
	v.SetDefault("simulator.bid_schedule", "@every 2s")
	v.SetDefault("simulator.lifecycle_schedule", "@every 5s")
	v.SetDefault("simulator.drop_schedule", "")
	v.SetDefault("simulator.bidders", []string{"sim-alice", "sim-bob", "sim-carol"})

	v.SetDefault("watch.auctions", []string{})
}

// NewFlagSet declares the command line flags shared by the binaries.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.StringSlice("auction", nil, "auction id to watch (repeatable)")
	fs.String("transport-url", "", "push transport url")
	return fs
}

var flagBindings = map[string]string{
	"log.level":      "log-level",
	"watch.auctions": "auction",
	"transport.url":  "transport-url",
}

// Load reads defaults, an optional config file, the environment and, when
// given, parsed flags. Flags win over the environment, which wins over the
// file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/auction-realtime/")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if flags != nil {
		for key, name := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file: defaults, environment and flags only.
	}

	return decode(v)
}

// LoadFromFile loads configuration from a specific file path on top of the
// defaults.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	}
	if c.Reconnection.Enabled && c.Reconnection.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnection.max_attempts must be positive when reconnection is enabled"))
	}
	if c.Reconnection.Delay < 0 || c.Reconnection.MaxDelay < 0 {
		errs = append(errs, errors.New("reconnection delays must not be negative"))
	}
	if c.JoinAckTimeout <= 0 {
		errs = append(errs, errors.New("join_ack_timeout must be positive"))
	}
	if c.Reconciliation.Timeout <= 0 {
		errs = append(errs, errors.New("reconciliation.timeout must be positive"))
	}
	if c.DeliveryWindowSize < 1 {
		errs = append(errs, errors.New("delivery_window_size must be at least 1"))
	}
	switch c.History.Source {
	case HistoryFromAPI, HistoryFromMySQL:
	default:
		errs = append(errs, fmt.Errorf("unknown history.source %q", c.History.Source))
	}
	switch c.Server.Storage {
	case StorageMemory, StorageMySQL:
	default:
		errs = append(errs, fmt.Errorf("unknown server.storage %q", c.Server.Storage))
	}
	return errors.Join(errs...)
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Transport: %s, Reconnection: enabled=%t delay=%s max_attempts=%d, API: %s, History: %s, Redis: %t, NATS: %t, Instance: %s",
		c.Transport.URL,
		c.Reconnection.Enabled,
		c.Reconnection.Delay,
		c.Reconnection.MaxAttempts,
		c.AuctionAPI.BaseURL,
		c.History.Source,
		c.Redis.Enabled,
		c.NATS.Enabled,
		c.Instance.ID,
	)
}
