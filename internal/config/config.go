package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
)

type Config struct {
	Addr        string
	JWTSecret   string
	JWTTTLMin   int
	DBDriver    string
	SQLiteDSN   string
	PostgresDSN string
	NATSURL     string
	LogLevel    string
	LogFormat   string
	// ServerURL is where clients reach the relay.
	ServerURL string
}

var ErrInvalid = errors.New("invalid config")

func defaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_ttl_min", 1440)
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("sqlite_dsn", "file:chat.db?_pragma=foreign_keys(ON)")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("server_url", "http://localhost:8080")
}

// Load reads the configuration from the environment (HTTP_ADDR, JWT_SECRET, ...), falling back to
// defaults.
func Load() (Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Addr:        v.GetString("http_addr"),
		JWTSecret:   v.GetString("jwt_secret"),
		JWTTTLMin:   v.GetInt("jwt_ttl_min"),
		DBDriver:    strings.ToLower(v.GetString("db_driver")),
		SQLiteDSN:   v.GetString("sqlite_dsn"),
		PostgresDSN: v.GetString("postgres_dsn"),
		NATSURL:     v.GetString("nats_url"),
		LogLevel:    v.GetString("log_level"),
		LogFormat:   v.GetString("log_format"),
		ServerURL:   strings.TrimRight(v.GetString("server_url"), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: POSTGRES_DSN is required with DB_DRIVER=postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown DB_DRIVER %q", ErrInvalid, c.DBDriver)
	}
	if c.JWTTTLMin <= 0 {
		return fmt.Errorf("%w: JWT_TTL_MIN must be positive", ErrInvalid)
	}
	return nil
}

func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		log := logging.Component("config")
		log.Fatal().Err(err).Msg("error loading config")
	}
	return cfg
}
