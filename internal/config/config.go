// Package config loads service settings once at startup. The resulting Config
// is passed explicitly to every component; there is no global settings state.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config is the full service configuration
type Config struct {
	HTTP    HTTPConfig
	Store   StoreConfig
	Gateway GatewayConfig
	Log     LogConfig
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// StoreConfig selects and configures the ledger store
type StoreConfig struct {
	Driver          string
	DBHost          string
	DBPort          string
	DBName          string
	DBUser          string
	DBPassword      string
	DBSSLMode       string
	ConnectAttempts int
	SQLitePath      string
	MongoURI        string
	MongoDatabase   string
}

// GatewayConfig holds the payment gateway endpoints and service account
type GatewayConfig struct {
	Username          string
	Password          string
	TokenURL          string
	ChargeURL         string
	Timeout           time.Duration
	MaxConcurrent     int
	CAFile            string
	AllowInsecureHTTP bool
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", "http://localhost:3000")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.connect_attempts", 10)
	v.SetDefault("sqlite.path", "payments.db")
	v.SetDefault("mongo.database", "payments")
	v.SetDefault("gateway.timeout", "15s")
	v.SetDefault("gateway.max_concurrent", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads settings from .env (if present), an optional config file at path
// and the environment. Environment variables win over the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Older deployments name the gateway after the provider.
	_ = v.BindEnv("gateway.user", "GATEWAY_USER", "BLUMONPAY_USER")
	_ = v.BindEnv("gateway.pass", "GATEWAY_PASS", "BLUMONPAY_PASS")
	_ = v.BindEnv("gateway.token_url", "GATEWAY_TOKEN_URL", "BLUMONPAY_TOKEN_URL")
	_ = v.BindEnv("gateway.charge_url", "GATEWAY_CHARGE_URL", "BLUMONPAY_CHARGE_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			AllowedOrigins:  splitList(v.GetString("http.allowed_origins")),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Store: StoreConfig{
			Driver:          strings.ToLower(v.GetString("store.driver")),
			DBHost:          v.GetString("db.host"),
			DBPort:          v.GetString("db.port"),
			DBName:          v.GetString("db.name"),
			DBUser:          v.GetString("db.user"),
			DBPassword:      v.GetString("db.password"),
			DBSSLMode:       v.GetString("db.sslmode"),
			ConnectAttempts: v.GetInt("db.connect_attempts"),
			SQLitePath:      v.GetString("sqlite.path"),
			MongoURI:        v.GetString("mongo.uri"),
			MongoDatabase:   v.GetString("mongo.database"),
		},
		Gateway: GatewayConfig{
			Username:          v.GetString("gateway.user"),
			Password:          v.GetString("gateway.pass"),
			TokenURL:          v.GetString("gateway.token_url"),
			ChargeURL:         v.GetString("gateway.charge_url"),
			Timeout:           v.GetDuration("gateway.timeout"),
			MaxConcurrent:     v.GetInt("gateway.max_concurrent"),
			CAFile:            v.GetString("gateway.ca_file"),
			AllowInsecureHTTP: v.GetBool("gateway.allow_insecure_http"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	return cfg, nil
}

// Validate checks the settings needed to serve charges
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DBHost == "" || c.Store.DBName == "" || c.Store.DBUser == "" {
			problems = append(problems, "DB_HOST, DB_NAME and DB_USER are required for the postgres store")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH is required for the sqlite store")
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			problems = append(problems, "MONGO_URI is required for the mongo store")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.Store.Driver))
	}

	if c.Gateway.Username == "" || c.Gateway.Password == "" {
		problems = append(problems, "GATEWAY_USER and GATEWAY_PASS are required")
	}
	for name, raw := range map[string]string{
		"GATEWAY_TOKEN_URL":  c.Gateway.TokenURL,
		"GATEWAY_CHARGE_URL": c.Gateway.ChargeURL,
	} {
		if err := c.checkGatewayURL(raw); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if c.Gateway.Timeout <= 0 {
		problems = append(problems, "GATEWAY_TIMEOUT must be positive")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) checkGatewayURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if c.Gateway.AllowInsecureHTTP {
			return nil
		}
		return errors.New("must use https")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// DSN builds the Postgres connection string
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		s.DBHost, s.DBPort, s.DBUser, s.DBPassword, s.DBName, s.DBSSLMode)
}

// NewLogger builds the service logger
func (l LogConfig) NewLogger() *log.Logger {
	logger := log.New()
	if strings.EqualFold(l.Format, "text") {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	level, err := log.ParseLevel(l.Level)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
