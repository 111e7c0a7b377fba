package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverBadger   = "badger"
)

type Config struct {
	Addr             string        `env:"ADDR,default=:8080"`
	DBDSN            string        `env:"DB_DSN,required=true"`
	JWTSecret        string        `env:"JWT_SECRET,required=true"`
	JWTIssuer        string        `env:"JWT_ISSUER,default=spark-chat"`
	TokenTTL         time.Duration `env:"TOKEN_TTL,default=24h"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	RedisChannel     string        `env:"REDIS_CHANNEL,default=chat:deliver"`
	StoreDriver      string        `env:"STORE_DRIVER,default=postgres"`
	BadgerPath       string        `env:"BADGER_PATH"`
	ReaperInterval   time.Duration `env:"REAPER_INTERVAL,default=5s"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT,default=5s"`
	MaxContentLength int           `env:"MAX_CONTENT_LENGTH,default=4000"`
	HistoryPageSize  int           `env:"HISTORY_PAGE_SIZE,default=50"`
	AllowedOrigins   string        `env:"ALLOWED_ORIGINS,default=*"`
	LogLevel         string        `env:"LOG_LEVEL,default=INFO"`
}

// Load reads an optional .env file then the process environment.
func Load(files ...string) (Config, error) {
	// A missing .env is normal outside of local development.
	_ = godotenv.Load(files...)

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DBDSN == "" {
		return fmt.Errorf("config error: DB_DSN is not set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config error: JWT_SECRET is not set")
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
	case StoreDriverBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("config error: BADGER_PATH is required when STORE_DRIVER=%s", StoreDriverBadger)
		}
	default:
		return fmt.Errorf("config error: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("config error: REAPER_INTERVAL must be positive, got %s", c.ReaperInterval)
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("config error: MAX_CONTENT_LENGTH must be positive, got %d", c.MaxContentLength)
	}
	return nil
}

// Origins splits ALLOWED_ORIGINS into a trimmed list.
func (c Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
