package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lab.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileOverlaysTunables(t *testing.T) {
	path := writeFile(t, `
[pipeline]
retry_max_attempts = 5
retry_base_delay_ms = 250
retry_classify = true
bulk_batch_size = 4
stale_step_after = "30m"

[rate_limit]
run = 3
window = "1s"

[providers]
mail = "resend"
`)
	cfg := Defaults()
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.RetryMaxAttempts != 5 || cfg.RetryBaseDelay != 250*time.Millisecond || !cfg.RetryClassify {
		t.Fatalf("unexpected retry config %+v", cfg)
	}
	if cfg.BulkBatchSize != 4 || cfg.BulkPause != 200*time.Millisecond {
		t.Fatalf("unexpected bulk config %d %s", cfg.BulkBatchSize, cfg.BulkPause)
	}
	if cfg.StaleStepAfter != 30*time.Minute {
		t.Fatalf("unexpected stale threshold %s", cfg.StaleStepAfter)
	}
	if cfg.RateLimitRun != 3 || cfg.RateLimitWindow != time.Second || cfg.RateLimitDefault != 60 {
		t.Fatalf("unexpected rate limits %+v", cfg)
	}
	if cfg.MailProvider != "resend" {
		t.Fatalf("unexpected mail provider %q", cfg.MailProvider)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := writeFile(t, "[rate_limit]\nwindow = \"soon\"\n")
	cfg := Defaults()
	if err := LoadFile(path, &cfg); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "[pipeline]\nretry_max_attempts = 5\n")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("RETRY_MAX_ATTEMPTS", "2")
	t.Setenv("STEP_STORE", "PG")
	t.Setenv("RATE_LIMIT_WINDOW", "not-a-duration")

	cfg := Load()
	if cfg.RetryMaxAttempts != 2 {
		t.Fatalf("expected env to win, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.StepStore != "postgres" {
		t.Fatalf("unexpected step store %q", cfg.StepStore)
	}
	if cfg.RateLimitWindow != time.Minute {
		t.Fatalf("expected invalid env to keep default, got %s", cfg.RateLimitWindow)
	}
}

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line     string
		key, val string
		ok       bool
	}{
		{line: "MAIL_FROM=lab@example.com", key: "MAIL_FROM", val: "lab@example.com", ok: true},
		{line: `export LLM_MODEL="gpt-4o-mini"`, key: "LLM_MODEL", val: "gpt-4o-mini", ok: true},
		{line: "DEFAULT_LAB_NAME='Rivera Lab'", key: "DEFAULT_LAB_NAME", val: "Rivera Lab", ok: true},
		{line: "RETRY_MAX_ATTEMPTS=4 # tuned", key: "RETRY_MAX_ATTEMPTS", val: "4", ok: true},
		{line: "# comment"},
		{line: "=orphan"},
		{line: "NOEQUALS"},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.line)
		if ok != tc.ok || key != tc.key || val != tc.val {
			t.Fatalf("parseEnvLine(%q) = %q, %q, %v", tc.line, key, val, ok)
		}
	}
}

func TestLoadEnvFilesKeepsRealEnvironment(t *testing.T) {
	path := writeFile(t, "STEP_STORE=sqlite\nSQLITE_PATH=/tmp/from-file.db\n")
	t.Setenv("STEP_STORE", "memory")
	t.Setenv("SQLITE_PATH", "")
	os.Unsetenv("SQLITE_PATH")

	loadEnvFiles(path)
	t.Cleanup(func() { os.Unsetenv("SQLITE_PATH") })

	if got := os.Getenv("STEP_STORE"); got != "memory" {
		t.Fatalf("expected real env to win, got %q", got)
	}
	if got := os.Getenv("SQLITE_PATH"); got != "/tmp/from-file.db" {
		t.Fatalf("expected file value, got %q", got)
	}
}
