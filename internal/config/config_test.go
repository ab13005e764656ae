package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

// baseEnv sets the minimum required fields for a valid config and clears
// fields that might cause spurious validation failures between test cases.
func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "API_TOKEN", "test-token")
	for _, k := range []string{
		"API_ADDR", "API_TOKEN_FILE", "STORE_BACKEND", "DATA_DIR",
		"LOG_LEVEL", "LOG_FORMAT", "DISPATCH_WORKERS", "DISPATCH_QUEUE_DEPTH",
		"LEDGER_FLUSH_AGE", "LEDGER_MAX_BUFFER_SIZE", "RECORD_MAX_AGE",
		"RECORD_MAX_ROWS", "RECORD_DETAIL_LIMIT", "JANITOR_INTERVAL",
		"JANITOR_MIN_GAP", "CALLBACK_TIMEOUT",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadWithoutToken(t *testing.T) {
	baseEnv(t)
	os.Unsetenv("API_TOKEN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIToken != "" || cfg.APIAddr != ":8080" {
		t.Errorf("got token %q addr %q", cfg.APIToken, cfg.APIAddr)
	}
}

func TestLoadWithoutAPI(t *testing.T) {
	baseEnv(t)
	os.Unsetenv("API_TOKEN")
	setEnv(t, "API_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != "" {
		t.Errorf("APIAddr: got %q", cfg.APIAddr)
	}
}

func TestDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != "bbolt" {
		t.Errorf("default StoreBackend: got %q", cfg.StoreBackend)
	}
	if cfg.DataDir != "/data" {
		t.Errorf("default DataDir: got %q", cfg.DataDir)
	}
	if cfg.LedgerMergeTolerance != 500*time.Millisecond {
		t.Errorf("default LedgerMergeTolerance: got %s", cfg.LedgerMergeTolerance)
	}
	if cfg.LedgerFlushAge != 10*time.Minute {
		t.Errorf("default LedgerFlushAge: got %s", cfg.LedgerFlushAge)
	}
	if cfg.LedgerPersistInterval != 15*time.Minute {
		t.Errorf("default LedgerPersistInterval: got %s", cfg.LedgerPersistInterval)
	}
	if cfg.LedgerMaxBufferSize != 100 {
		t.Errorf("default LedgerMaxBufferSize: got %d", cfg.LedgerMaxBufferSize)
	}
	if cfg.RecordMaxAge != 168*time.Hour {
		t.Errorf("default RecordMaxAge: got %s", cfg.RecordMaxAge)
	}
	if cfg.RecordMaxRows != 500000 {
		t.Errorf("default RecordMaxRows: got %d", cfg.RecordMaxRows)
	}
	if cfg.RecordDetailLimit != 10 {
		t.Errorf("default RecordDetailLimit: got %d", cfg.RecordDetailLimit)
	}
	if cfg.CallbackMaxRegistrants != 200 || cfg.CallbackMaxPermissions != 1024 {
		t.Errorf("default callback limits: got %d/%d", cfg.CallbackMaxRegistrants, cfg.CallbackMaxPermissions)
	}
	if cfg.DispatchWorkers != 2 {
		t.Errorf("default DispatchWorkers: got %d", cfg.DispatchWorkers)
	}
	if cfg.LocalDeviceID != "local" {
		t.Errorf("default LocalDeviceID: got %q", cfg.LocalDeviceID)
	}
	if !cfg.MetricsEnabled {
		t.Error("default MetricsEnabled: expected true")
	}
}

func TestOverrides(t *testing.T) {
	baseEnv(t)
	setEnv(t, "STORE_BACKEND", "sqlite")
	setEnv(t, "LEDGER_FLUSH_AGE", "30s")
	setEnv(t, "RECORD_MAX_ROWS", "42")
	setEnv(t, "METRICS_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Errorf("StoreBackend: got %q", cfg.StoreBackend)
	}
	if cfg.LedgerFlushAge != 30*time.Second {
		t.Errorf("LedgerFlushAge: got %s", cfg.LedgerFlushAge)
	}
	if cfg.RecordMaxRows != 42 {
		t.Errorf("RecordMaxRows: got %d", cfg.RecordMaxRows)
	}
	if cfg.MetricsEnabled {
		t.Error("MetricsEnabled: expected false")
	}
}

func TestFileSecret(t *testing.T) {
	baseEnv(t)
	os.Unsetenv("API_TOKEN")

	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "api_token")
	if err := os.WriteFile(tokenFile, []byte("file-token\n"), 0600); err != nil {
		t.Fatal(err)
	}
	setEnv(t, "API_TOKEN_FILE", tokenFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIToken != "file-token" {
		t.Errorf("APIToken from file: got %q", cfg.APIToken)
	}
}

func TestFileSecretMissing(t *testing.T) {
	baseEnv(t)
	setEnv(t, "API_TOKEN_FILE", filepath.Join(t.TempDir(), "absent"))

	if _, err := Load(); err == nil {
		t.Error("expected error for unreadable secret file")
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := map[string]string{
		`"quoted"`:  "quoted",
		`'single'`:  "single",
		`"mixed'`:   `"mixed'`,
		`plain`:     "plain",
		`"`:         `"`,
		`""`:        "",
		`"a"b"`:     `a"b`,
		`'inner"x'`: `inner"x`,
	}
	for in, want := range cases {
		if got := stripEnvQuotes(in); got != want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuotedEnvValues(t *testing.T) {
	baseEnv(t)
	setEnv(t, "STORE_BACKEND", `"sqlite"`)
	setEnv(t, "API_TOKEN", `'quoted-token'`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Errorf("StoreBackend: got %q", cfg.StoreBackend)
	}
	if cfg.APIToken != "quoted-token" {
		t.Errorf("APIToken: got %q", cfg.APIToken)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		val     string
		wantErr bool
	}{
		{"invalid_backend", "STORE_BACKEND", "postgres", true},
		{"valid_backend_sqlite", "STORE_BACKEND", "sqlite", false},
		{"empty_data_dir", "DATA_DIR", "", true},
		{"invalid_log_level", "LOG_LEVEL", "invalid", true},
		{"valid_log_level_debug", "LOG_LEVEL", "debug", false},
		{"invalid_log_format", "LOG_FORMAT", "yaml", true},
		{"valid_log_format_text", "LOG_FORMAT", "text", false},
		{"workers_zero", "DISPATCH_WORKERS", "0", true},
		{"workers_too_many", "DISPATCH_WORKERS", "65", true},
		{"workers_max", "DISPATCH_WORKERS", "64", false},
		{"queue_depth_zero", "DISPATCH_QUEUE_DEPTH", "0", true},
		{"flush_age_zero", "LEDGER_FLUSH_AGE", "0s", true},
		{"buffer_size_zero", "LEDGER_MAX_BUFFER_SIZE", "0", true},
		{"max_age_zero", "RECORD_MAX_AGE", "0s", true},
		{"max_rows_zero", "RECORD_MAX_ROWS", "0", true},
		{"detail_limit_zero", "RECORD_DETAIL_LIMIT", "0", true},
		{"janitor_interval_zero", "JANITOR_INTERVAL", "0s", true},
		{"janitor_min_gap_zero", "JANITOR_MIN_GAP", "0s", false},
		{"callback_timeout_zero", "CALLBACK_TIMEOUT", "0s", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseEnv(t)
			setEnv(t, tc.key, tc.val)

			_, err := Load()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			} else if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}
