// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the bookkeeping service configuration.
type Config struct {
	ListenAddr string
	DataDir    string

	// RoleOracleURL is the transport's membership endpoint; empty means
	// operator-set authorization only.
	RoleOracleURL     string
	OracleTimeout     time.Duration
	OracleLookupsPerS float64
	OracleBurst       int

	// AllowAllRoles treats every user as an administrator. Local
	// development only; never set it in production.
	AllowAllRoles bool
}

// Load reads configuration from the environment, applying defaults where a
// variable is unset.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("TALLY_LISTEN_ADDR", ":8080"),
		DataDir:           envOr("TALLY_DATA_DIR", "data"),
		RoleOracleURL:     os.Getenv("TALLY_ROLE_ORACLE_URL"),
		OracleTimeout:     2 * time.Second,
		OracleLookupsPerS: 25,
		OracleBurst:       50,
		AllowAllRoles:     os.Getenv("TALLY_ALLOW_ALL") == "1",
	}

	if raw := os.Getenv("TALLY_ORACLE_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("TALLY_ORACLE_TIMEOUT_MS must be a positive integer, got %q", raw)
		}
		cfg.OracleTimeout = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("TALLY_ORACLE_RATE"); raw != "" {
		r, err := strconv.ParseFloat(raw, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("TALLY_ORACLE_RATE must be a positive number, got %q", raw)
		}
		cfg.OracleLookupsPerS = r
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ListenAddr) == "" {
		missing = append(missing, "TALLY_LISTEN_ADDR")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		missing = append(missing, "TALLY_DATA_DIR")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}
	if c.RoleOracleURL != "" && !strings.HasPrefix(c.RoleOracleURL, "http://") && !strings.HasPrefix(c.RoleOracleURL, "https://") {
		return fmt.Errorf("TALLY_ROLE_ORACLE_URL must be an http(s) URL, got %q", c.RoleOracleURL)
	}
	return nil
}

// HistoryDir is where closed-ledger snapshots live.
func (c *Config) HistoryDir() string {
	return filepath.Join(c.DataDir, "bills")
}

// CacheDir is where live ledger mirrors live.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
