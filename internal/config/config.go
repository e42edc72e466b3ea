// Package config loads and validates satsukid's process-wide
// configuration. Grounded on tdns-server's viper-based config loading:
// defaults via viper.SetDefault, secrets via viper.BindEnv, and a hard
// failure before the listener opens if anything required is missing
// (spec §6, "Process startup").
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Endpoint describes one PowerDNS-compatible authoritative server.
type Endpoint struct {
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	ServerID string `mapstructure:"server_id"`
}

// Config is immutable after Load returns. Pass it by reference; there
// is no other global mutable state in the core (spec §9).
type Config struct {
	BaseDomain       string   `mapstructure:"base_domain"`
	InternalNS       []string `mapstructure:"internal_ns"`
	DisallowedLabels []string `mapstructure:"disallowed_labels"`
	BasePDNS         Endpoint `mapstructure:"base_pdns"`
	SubPDNS          Endpoint `mapstructure:"sub_pdns"`
	ListenAddress    string   `mapstructure:"listen_address"`
	DatabasePath     string   `mapstructure:"database_path"`
	LogLevel         string   `mapstructure:"log_level"`
	LogFormat        string   `mapstructure:"log_format"` // "text" or "json"
	// SOATemplate resolves design note open question #2: empty means
	// "never PATCH the child zone's SOA, accept whatever PDNS assigns
	// on zone creation"; non-empty is used verbatim as the REPLACE
	// content during signup step 3.
	SOATemplate string `mapstructure:"soa_template"`
}

// Load reads configuration from path (YAML), environment variables
// (SATSUKID_*), and defaults. Environment variables override the file,
// and the file overrides defaults, matching viper's normal layering.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("listen_address", ":8080")
	v.SetDefault("database_path", "satsukid.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("base_pdns.server_id", "localhost")
	v.SetDefault("sub_pdns.server_id", "localhost")

	v.SetEnvPrefix("satsukid")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("base_pdns.api_key", "SATSUKID_BASE_PDNS_KEY")
	_ = v.BindEnv("sub_pdns.api_key", "SATSUKID_SUB_PDNS_KEY")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize applies the startup-time canonicalization spec §6 requires:
// base_domain loses its trailing dot, every internal_ns entry gains one.
func normalize(cfg *Config) {
	cfg.BaseDomain = strings.TrimSuffix(strings.ToLower(cfg.BaseDomain), ".")
	for i, ns := range cfg.InternalNS {
		if !strings.HasSuffix(ns, ".") {
			cfg.InternalNS[i] = ns + "."
		}
	}
}

func validate(cfg *Config) error {
	var missing []string
	if cfg.BaseDomain == "" {
		missing = append(missing, "base_domain")
	}
	if len(cfg.InternalNS) == 0 {
		missing = append(missing, "internal_ns")
	}
	if cfg.BasePDNS.URL == "" || cfg.BasePDNS.APIKey == "" {
		missing = append(missing, "base_pdns.url/api_key")
	}
	if cfg.SubPDNS.URL == "" || cfg.SubPDNS.APIKey == "" {
		missing = append(missing, "sub_pdns.url/api_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
