package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	DatabaseURL         string   `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32    `mapstructure:"DB_MIN_CONNS"`
	StorageDriver       string   `mapstructure:"STORAGE_DRIVER"`
	JWTSecret           string   `mapstructure:"JWT_SECRET"`
	AuthIssuer          string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
	RenewalHorizonWeeks int      `mapstructure:"RENEWAL_HORIZON_WEEKS"`
	WebhookURLs         []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret       string   `mapstructure:"WEBHOOK_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORAGE_DRIVER", "postgres")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RENEWAL_HORIZON_WEEKS", 4)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("STORAGE_DRIVER")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RENEWAL_HORIZON_WEEKS")
	v.BindEnv("WEBHOOK_URLS")
	v.BindEnv("WEBHOOK_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.WebhookURLs == nil {
		if urls := v.GetString("WEBHOOK_URLS"); urls != "" {
			cfg.WebhookURLs = strings.Split(urls, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure JWT_SECRET for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Postgres storage
// needs a database URL; production needs a real JWT secret.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is \"postgres\"")
		}
	case "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be \"postgres\" or \"memory\", got %q", c.StorageDriver)
	}

	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development mode")
	}
	if c.RenewalHorizonWeeks < 0 {
		return fmt.Errorf("RENEWAL_HORIZON_WEEKS must not be negative")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	return nil
}
