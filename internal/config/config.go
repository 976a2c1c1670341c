package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hengadev/errsx"
	"github.com/spf13/viper"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	DBConnectAttempts int      `mapstructure:"DB_CONNECT_ATTEMPTS"`
	AuthSigningKey    string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int      `mapstructure:"RATE_LIMIT_BURST"`
	CustodyPath       string   `mapstructure:"CUSTODY_PATH"`
	KMSProvider       string   `mapstructure:"KMS_PROVIDER"`
	CustodyKEK        string   `mapstructure:"CUSTODY_KEK"`
	VaultAddr         string   `mapstructure:"VAULT_ADDR"`
	VaultToken        string   `mapstructure:"VAULT_TOKEN"`
	VaultTransitKey   string   `mapstructure:"VAULT_TRANSIT_KEY"`
	QKDRawBits        int      `mapstructure:"QKD_RAW_BITS"`
	QKDQBERThreshold  float64  `mapstructure:"QKD_QBER_THRESHOLD"`
	QKDMaxAttempts    int      `mapstructure:"QKD_MAX_ATTEMPTS"`
	QKDEavesdropRate  float64  `mapstructure:"QKD_EAVESDROP_RATE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONNECT_ATTEMPTS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"CUSTODY_PATH", "KMS_PROVIDER", "CUSTODY_KEK", "VAULT_ADDR", "VAULT_TOKEN", "VAULT_TRANSIT_KEY",
	"QKD_RAW_BITS", "QKD_QBER_THRESHOLD", "QKD_MAX_ATTEMPTS", "QKD_EAVESDROP_RATE",
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
	v.SetDefault("DB_CONNECT_ATTEMPTS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CUSTODY_PATH", "./data/custody")
	v.SetDefault("KMS_PROVIDER", "local")
	v.SetDefault("VAULT_TRANSIT_KEY", "medxfer-custody")
	v.SetDefault("QKD_RAW_BITS", 1024)
	v.SetDefault("QKD_QBER_THRESHOLD", 0.11)
	v.SetDefault("QKD_MAX_ATTEMPTS", 3)
	v.SetDefault("QKD_EAVESDROP_RATE", 0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// Validate checks that the configuration is safe to run and reports every
// problem found rather than stopping at the first one.
func (c *Config) Validate() error {
	var errs errsx.Map

	if !c.IsDev() && c.AuthSigningKey == "" {
		errs.Set("AUTH_SIGNING_KEY", fmt.Errorf("required when ENV=%q", c.Env))
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		errs.Set("AUTH_SIGNING_KEY", fmt.Errorf("must be at least 32 characters"))
	}

	switch c.KMSProvider {
	case "local":
		if c.IsProduction() && c.CustodyKEK == "" {
			errs.Set("CUSTODY_KEK", fmt.Errorf("required in production when KMS_PROVIDER is \"local\""))
		}
		if c.CustodyKEK != "" {
			if _, err := DecodeKEK(c.CustodyKEK); err != nil {
				errs.Set("CUSTODY_KEK", err)
			}
		}
	case "vault":
		if c.VaultAddr == "" {
			errs.Set("VAULT_ADDR", fmt.Errorf("required when KMS_PROVIDER is \"vault\""))
		}
		if c.VaultTransitKey == "" {
			errs.Set("VAULT_TRANSIT_KEY", fmt.Errorf("required when KMS_PROVIDER is \"vault\""))
		}
	default:
		errs.Set("KMS_PROVIDER", fmt.Errorf("must be \"local\" or \"vault\", got %q", c.KMSProvider))
	}

	if c.QKDRawBits < 256 {
		errs.Set("QKD_RAW_BITS", fmt.Errorf("must be at least 256, got %d", c.QKDRawBits))
	}
	if c.QKDQBERThreshold <= 0 || c.QKDQBERThreshold >= 0.5 {
		errs.Set("QKD_QBER_THRESHOLD", fmt.Errorf("must be in (0, 0.5), got %v", c.QKDQBERThreshold))
	}
	if c.QKDMaxAttempts < 1 {
		errs.Set("QKD_MAX_ATTEMPTS", fmt.Errorf("must be at least 1"))
	}
	if c.QKDEavesdropRate < 0 || c.QKDEavesdropRate > 1 {
		errs.Set("QKD_EAVESDROP_RATE", fmt.Errorf("must be in [0, 1], got %v", c.QKDEavesdropRate))
	}

	return errs.AsError()
}

// DecodeKEK parses a 64-character hex key-encryption key.
func DecodeKEK(s string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return keyBytes, nil
}
