package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Storage
	DataDir      string `koanf:"data_dir"`
	StoreBackend string `koanf:"store_backend"`

	// Ledger
	LedgerMergeTolerance  time.Duration `koanf:"ledger_merge_tolerance"`
	LedgerFlushAge        time.Duration `koanf:"ledger_flush_age"`
	LedgerPersistInterval time.Duration `koanf:"ledger_persist_interval"`
	LedgerMaxBufferSize   int           `koanf:"ledger_max_buffer_size"`
	LedgerTickInterval    time.Duration `koanf:"ledger_tick_interval"`

	// Retention
	RecordMaxAge      time.Duration `koanf:"record_max_age"`
	RecordMaxRows     int           `koanf:"record_max_rows"`
	RecordDetailLimit int           `koanf:"record_detail_limit"`
	JanitorInterval   time.Duration `koanf:"janitor_interval"`
	JanitorMinGap     time.Duration `koanf:"janitor_min_gap"`

	// Active-status callbacks
	CallbackMaxRegistrants int           `koanf:"callback_max_registrants"`
	CallbackMaxPermissions int           `koanf:"callback_max_permissions"`
	CallbackTimeout        time.Duration `koanf:"callback_timeout"`
	DispatchWorkers        int           `koanf:"dispatch_workers"`
	DispatchQueueDepth     int           `koanf:"dispatch_queue_depth"`

	// Device identity
	LocalDeviceID string `koanf:"local_device_id"`

	// HTTP API
	APIAddr  string `koanf:"api_addr"`
	APIToken string `koanf:"api_token"` // empty disables bearer auth

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.StoreBackend = stripEnvQuotes(c.StoreBackend)
	c.LocalDeviceID = stripEnvQuotes(c.LocalDeviceID)
	c.APIAddr = stripEnvQuotes(c.APIAddr)
	c.APIToken = stripEnvQuotes(c.APIToken)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                 "/data",
		"store_backend":            "bbolt",
		"ledger_merge_tolerance":   "500ms",
		"ledger_flush_age":         "10m",
		"ledger_persist_interval":  "15m",
		"ledger_max_buffer_size":   100,
		"ledger_tick_interval":     "1m",
		"record_max_age":           "168h",
		"record_max_rows":          500000,
		"record_detail_limit":      10,
		"janitor_interval":         "1h",
		"janitor_min_gap":          "1m",
		"callback_max_registrants": 200,
		"callback_max_permissions": 1024,
		"callback_timeout":         "5s",
		"dispatch_workers":         2,
		"dispatch_queue_depth":     1024,
		"local_device_id":          "local",
		"api_addr":                 ":8080",
		"log_level":                "info",
		"log_format":               "json",
		"metrics_enabled":          true,
		"metrics_addr":             ":9090",
		"health_addr":              ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps env vars with "_" flat: LEDGER_FLUSH_AGE →
	// "ledger_flush_age" with no nesting.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.StoreBackend != "bbolt" && c.StoreBackend != "sqlite" {
		return fmt.Errorf("STORE_BACKEND must be bbolt or sqlite; got %q", c.StoreBackend)
	}

	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"LEDGER_MERGE_TOLERANCE", c.LedgerMergeTolerance},
		{"LEDGER_FLUSH_AGE", c.LedgerFlushAge},
		{"LEDGER_PERSIST_INTERVAL", c.LedgerPersistInterval},
		{"LEDGER_TICK_INTERVAL", c.LedgerTickInterval},
		{"RECORD_MAX_AGE", c.RecordMaxAge},
		{"JANITOR_INTERVAL", c.JanitorInterval},
		{"CALLBACK_TIMEOUT", c.CallbackTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be > 0; got %s", d.name, d.val)
		}
	}
	if c.JanitorMinGap < 0 {
		return fmt.Errorf("JANITOR_MIN_GAP must be >= 0; got %s", c.JanitorMinGap)
	}

	for _, n := range []struct {
		name string
		val  int
	}{
		{"LEDGER_MAX_BUFFER_SIZE", c.LedgerMaxBufferSize},
		{"RECORD_MAX_ROWS", c.RecordMaxRows},
		{"RECORD_DETAIL_LIMIT", c.RecordDetailLimit},
		{"CALLBACK_MAX_REGISTRANTS", c.CallbackMaxRegistrants},
		{"CALLBACK_MAX_PERMISSIONS", c.CallbackMaxPermissions},
		{"DISPATCH_QUEUE_DEPTH", c.DispatchQueueDepth},
	} {
		if n.val < 1 {
			return fmt.Errorf("%s must be >= 1; got %d", n.name, n.val)
		}
	}

	if c.DispatchWorkers < 1 || c.DispatchWorkers > 64 {
		return fmt.Errorf("DISPATCH_WORKERS must be 1–64; got %d", c.DispatchWorkers)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// fileSecretKeys may be supplied through a KEY_FILE path instead of the value.
var fileSecretKeys = []string{
	"api_token",
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
