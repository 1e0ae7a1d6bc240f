package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Session   SessionConfig
	Bridge    BridgeConfig
	Reconnect ReconnectConfig
	Consumer  ConsumerConfig
	Scheduler SchedulerConfig
	Reprocess ReprocessConfig
	NATS      NATSConfig
	Media     MediaConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string `envconfig:"SERVER_ADDRESS" default:":8080"`
}

type DatabaseConfig struct {
	Driver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	URL    string `envconfig:"DATABASE_URL" required:"true"`
}

type RedisConfig struct {
	Address    string        `envconfig:"REDIS_ADDR" required:"true"`
	Password   string        `envconfig:"REDIS_PASSWORD"`
	DB         int           `envconfig:"REDIS_DB" default:"0"`
	QueueKey   string        `envconfig:"REDIS_QUEUE_KEY" default:"message_queue"`
	SessionKey string        `envconfig:"REDIS_SESSION_KEY" default:"wa_auth_state"`
	ReceiptTTL time.Duration `envconfig:"REDIS_RECEIPT_TTL" default:"24h"`
}

type SessionConfig struct {
	Path string `envconfig:"SESSION_PATH" default:"session.db"`
}

type BridgeConfig struct {
	URL               string        `envconfig:"BRIDGE_URL" required:"true"`
	SendTimeout       time.Duration `envconfig:"BRIDGE_SEND_TIMEOUT" default:"60s"`
	HeartbeatInterval time.Duration `envconfig:"BRIDGE_HEARTBEAT_INTERVAL" default:"60s"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"5s"`
	MaxDelay    time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`
	SettleDelay time.Duration `envconfig:"RECONNECT_SETTLE_DELAY" default:"10s"`
}

type ConsumerConfig struct {
	EmptyPoll     time.Duration `envconfig:"CONSUMER_EMPTY_POLL" default:"5s"`
	NotReadySleep time.Duration `envconfig:"CONSUMER_NOT_READY_SLEEP" default:"10s"`
	StoreRetry    time.Duration `envconfig:"CONSUMER_STORE_RETRY" default:"5s"`
	ErrorSleep    time.Duration `envconfig:"CONSUMER_ERROR_SLEEP" default:"10s"`
	MessageDelay  time.Duration `envconfig:"CONSUMER_MESSAGE_DELAY" default:"5s"`
}

type SchedulerConfig struct {
	Interval  time.Duration `envconfig:"SCHED_INTERVAL" default:"60s"`
	BatchSize int           `envconfig:"SCHED_BATCH_SIZE" default:"500"`
}

type ReprocessConfig struct {
	Spec             string        `envconfig:"REPROCESS_SPEC" default:"@every 5m"`
	RecentWindow     time.Duration `envconfig:"REPROCESS_RECENT_WINDOW" default:"30m"`
	PeriodicLimit    int           `envconfig:"REPROCESS_PERIODIC_LIMIT" default:"50"`
	StartupLimit     int           `envconfig:"REPROCESS_STARTUP_LIMIT" default:"1000"`
	StartupSignature string        `envconfig:"REPROCESS_STARTUP_SIGNATURE" default:"Connection Closed"`
	OnDemandLimit    int           `envconfig:"REPROCESS_ON_DEMAND_LIMIT" default:"2500"`
	OnDemandPace     time.Duration `envconfig:"REPROCESS_ON_DEMAND_PACE" default:"60s"`
}

type NATSConfig struct {
	URL     string `envconfig:"NATS_URL"`
	Subject string `envconfig:"NATS_SUBJECT" default:"messaging.inbound"`
}

type MediaConfig struct {
	Dir string `envconfig:"MEDIA_DIR"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

func LoadAll() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "mysql" {
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres or mysql, got %q", cfg.Database.Driver))
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{"BRIDGE_SEND_TIMEOUT", cfg.Bridge.SendTimeout},
		{"BRIDGE_HEARTBEAT_INTERVAL", cfg.Bridge.HeartbeatInterval},
		{"RECONNECT_BASE_DELAY", cfg.Reconnect.BaseDelay},
		{"RECONNECT_MAX_DELAY", cfg.Reconnect.MaxDelay},
		{"CONSUMER_EMPTY_POLL", cfg.Consumer.EmptyPoll},
		{"CONSUMER_NOT_READY_SLEEP", cfg.Consumer.NotReadySleep},
		{"CONSUMER_STORE_RETRY", cfg.Consumer.StoreRetry},
		{"SCHED_INTERVAL", cfg.Scheduler.Interval},
		{"REPROCESS_RECENT_WINDOW", cfg.Reprocess.RecentWindow},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.key))
		}
	}

	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		errs = append(errs, errors.New("RECONNECT_MAX_DELAY must be >= RECONNECT_BASE_DELAY"))
	}
	if cfg.Consumer.MessageDelay < 0 {
		errs = append(errs, errors.New("CONSUMER_MESSAGE_DELAY must be >= 0"))
	}
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Reprocess.PeriodicLimit <= 0 {
		errs = append(errs, errors.New("REPROCESS_PERIODIC_LIMIT must be > 0"))
	}
	if cfg.Reprocess.StartupLimit <= 0 {
		errs = append(errs, errors.New("REPROCESS_STARTUP_LIMIT must be > 0"))
	}
	if cfg.Reprocess.OnDemandLimit <= 0 {
		errs = append(errs, errors.New("REPROCESS_ON_DEMAND_LIMIT must be > 0"))
	}

	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
