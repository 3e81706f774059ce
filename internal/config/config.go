// Package config loads the daemon configuration from an optional YAML file.
// Missing file means defaults; flags in main override individual fields.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`

	// Tick is the dispatch loop period as a Go duration string (e.g. "1s").
	Tick string `yaml:"tick"`

	// DebugMode lowers the repeat floor to 0.2 minutes for fast-cycle tests.
	DebugMode bool `yaml:"debug_mode"`

	Quota   QuotaConfig   `yaml:"quota"`
	Gateway GatewayConfig `yaml:"gateway"`
}

type QuotaConfig struct {
	PerChannel int `yaml:"per_channel"`
	PerGuild   int `yaml:"per_guild"`
}

type GatewayConfig struct {
	// WebhookURL is the delivery endpoint. Empty selects the log gateway.
	WebhookURL string  `yaml:"webhook_url"`
	Timeout    string  `yaml:"timeout"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		Addr:   ":8080",
		DBPath: "remindd.db",
		Tick:   "1s",
		Quota: QuotaConfig{
			PerChannel: 50,
			PerGuild:   250,
		},
		Gateway: GatewayConfig{
			Timeout:    "30s",
			RatePerSec: 5,
			Burst:      10,
		},
	}
}

// Load reads the YAML file at path into the defaults. A missing file is not
// an error; unknown fields are.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseDuration parses a duration field, falling back to def when the field
// is empty or zero.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
