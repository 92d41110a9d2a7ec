package config

import (
	"fmt"
	"strings"
	"time"

	"folio/internal/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the runtime settings for the server and the recompute tool.
// Values come from folio.yaml (optional), then the environment, then .env.
type Config struct {
	Port            string `mapstructure:"port"`
	PostgresURL     string `mapstructure:"postgres_url"`
	LogLevel        string `mapstructure:"log_level"`
	RefreshInterval int    `mapstructure:"snapshot_refresh_interval"`

	RiskFreeRate        float64 `mapstructure:"risk_free_rate"`
	TaxFederalShortTerm string  `mapstructure:"tax_federal_short_term"`
	TaxFederalLongTerm  string  `mapstructure:"tax_federal_long_term"`
	TaxState            string  `mapstructure:"tax_state"`
	TaxSupplemental     string  `mapstructure:"tax_supplemental"`
}

// Load reads configuration. A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	// .env is optional; production sets real environment variables
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("folio")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("postgres_url", "")
	v.SetDefault("log_level", "debug")
	v.SetDefault("snapshot_refresh_interval", 3600)
	v.SetDefault("risk_free_rate", 0.0)
	v.SetDefault("tax_federal_short_term", "0.24")
	v.SetDefault("tax_federal_long_term", "0.15")
	v.SetDefault("tax_state", "0")
	v.SetDefault("tax_supplemental", "0")
}

func (c *Config) validate() error {
	if c.RiskFreeRate < 0 {
		return fmt.Errorf("risk_free_rate must not be negative")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("snapshot_refresh_interval must be positive, got %d", c.RefreshInterval)
	}
	for name, s := range map[string]string{
		"tax_federal_short_term": c.TaxFederalShortTerm,
		"tax_federal_long_term":  c.TaxFederalLongTerm,
		"tax_state":              c.TaxState,
		"tax_supplemental":       c.TaxSupplemental,
	} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

func (c *Config) TaxSettings() models.TaxSettings {
	return models.TaxSettings{
		FederalShortTermRate: decimal.RequireFromString(c.TaxFederalShortTerm),
		FederalLongTermRate:  decimal.RequireFromString(c.TaxFederalLongTerm),
		StateRate:            decimal.RequireFromString(c.TaxState),
		SupplementalRate:     decimal.RequireFromString(c.TaxSupplemental),
	}
}

// Logger builds the process logger. Unknown levels fall back to info.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", c.LogLevel)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
