package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is shared by the server, worker and seeder binaries. Values come from
// an optional .env file and the process environment.
type Config struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	AMQP struct {
		URL   string `mapstructure:"url"`
		Queue string `mapstructure:"queue"`
	} `mapstructure:"amqp"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DedupTTL time.Duration `mapstructure:"dedup_ttl"`
	} `mapstructure:"redis"`
	Provider struct {
		Timeout         time.Duration `mapstructure:"timeout"`
		TwilioBaseURL   string        `mapstructure:"twilio_base_url"`
		CloudAPIBaseURL string        `mapstructure:"cloudapi_base_url"`
		CloudAPIVersion string        `mapstructure:"cloudapi_version"`
	} `mapstructure:"provider"`
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Name, c.Database.SSLMode,
	)
}

var keys = []string{
	"db.host", "db.port", "db.user", "db.password", "db.name", "db.sslmode",
	"http.addr",
	"amqp.url", "amqp.queue",
	"redis.addr", "redis.password", "redis.dedup_ttl",
	"provider.timeout", "provider.twilio_base_url", "provider.cloudapi_base_url", "provider.cloudapi_version",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "wagateway")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.queue", "message_sends")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.dedup_ttl", 24*time.Hour)
	v.SetDefault("provider.timeout", 15*time.Second)
	v.SetDefault("provider.twilio_base_url", "https://api.twilio.com")
	v.SetDefault("provider.cloudapi_base_url", "https://graph.facebook.com")
	v.SetDefault("provider.cloudapi_version", "v21.0")
}

// Load reads .env (if present) and the environment. Keys map to upper-case
// env vars with dots replaced by underscores, e.g. db.host -> DB_HOST.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ No .env file found, relying on OS environment variables")
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about, so bind each env var explicitly.
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not map the configuration to the struct: %w", err)
	}
	return &cfg, nil
}
