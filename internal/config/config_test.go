package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/handoff/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if !cfg.DistributionEnabled || cfg.DistributionInterval != 10*time.Second {
		t.Fatalf("distribution = %v/%s, want enabled every 10s", cfg.DistributionEnabled, cfg.DistributionInterval)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Fatalf("StoreTimeout = %s, want 5s", cfg.StoreTimeout)
	}
	sched, err := cfg.Schedule()
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := sched.Next(start); got != start.Add(10*time.Second) {
		t.Fatalf("Schedule().Next() = %s, want 10s later", got)
	}
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("HANDOFF_BIND_ADDR", ":9191")
	t.Setenv("DATABASE_URL", " sqlite://handoff.db ")
	t.Setenv("HANDOFF_DISTRIBUTION_ENABLED", "off")
	t.Setenv("HANDOFF_DISTRIBUTION_SCHEDULE", "*/5 * * * *")
	t.Setenv("HANDOFF_LOG_FORMAT", "TEXT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.DatabaseURL != "sqlite://handoff.db" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.DistributionEnabled {
		t.Fatalf("DistributionEnabled = true, want false")
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want text", cfg.LogFormat)
	}
	sched, err := cfg.Schedule()
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	start := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	if got := sched.Next(start); got.Minute() != 5 {
		t.Fatalf("Schedule().Next() = %s, want minute 5", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"HANDOFF_STORE_TIMEOUT":         "1ms",
		"HANDOFF_DISTRIBUTION_SCHEDULE": "every tuesday",
		"HANDOFF_TRACE_EXPORTER":        "otlp-http",
		"HANDOFF_LOG_FORMAT":            "xml",
		"HANDOFF_WEBHOOK_ATTEMPTS":      "0",
		"HANDOFF_ALLOW_ANY_ORIGIN":      "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("Load() error = %v, want mention of %s", err, key)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(`
default_mode: pull
default_prompt_template: "Task {{.ID}}"
agents:
  Coder:
    mode: push
    label: The Coder
  reviewer:
    notify_url: http://localhost:9000/hooks/reviewer
`))
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}
	agents := NewAgents(p)
	if got := agents.Mode("coder"); got != domain.DeliveryPush {
		t.Fatalf("Mode(coder) = %q, want push", got)
	}
	if got := agents.Mode("reviewer"); got != domain.DeliveryPull {
		t.Fatalf("Mode(reviewer) = %q, want pull", got)
	}
	if got := agents.Mode("stranger"); got != domain.DeliveryPull {
		t.Fatalf("Mode(stranger) = %q, want default pull", got)
	}
	if got := agents.PromptTemplate("coder"); got != "Task {{.ID}}" {
		t.Fatalf("PromptTemplate(coder) = %q, want default template", got)
	}
	if got := agents.NotifyURL("REVIEWER"); got != "http://localhost:9000/hooks/reviewer" {
		t.Fatalf("NotifyURL(reviewer) = %q", got)
	}
	if got := agents.Label("coder"); got != "The Coder" {
		t.Fatalf("Label(coder) = %q", got)
	}
	if names := agents.Names(); len(names) != 2 || names[0] != "coder" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestParsePolicyRejectsBadEntries(t *testing.T) {
	docs := map[string]string{
		"mode":     "agents: {coder: {mode: carrier-pigeon}}",
		"template": "agents: {coder: {prompt_template: \"{{.ID\"}}",
		"url":      "agents: {coder: {notify_url: \"ftp://nowhere\"}}",
		"default":  "default_mode: manual",
		"yaml":     "agents: [",
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePolicy([]byte(doc)); err == nil {
				t.Fatalf("ParsePolicy(%q) error = nil, want error", doc)
			}
		})
	}
}

func TestLoadPolicyMissingFileIsDefault(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "agents.yaml"))
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if p.DefaultMode != domain.DeliveryPush || len(p.Agents) != 0 {
		t.Fatalf("LoadPolicy() = %+v, want default policy", p)
	}
}

func TestPolicyWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte("agents: {coder: {mode: push}}"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	initial, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	agents := NewAgents(initial)
	w := NewPolicyWatcher(path, agents, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	updated := []byte("agents: {coder: {mode: pull}}")
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		t.Fatalf("write updated policy: %v", err)
	}
	for {
		select {
		case ev := <-w.Events():
			if ev.Err != nil {
				t.Fatalf("reload error = %v", ev.Err)
			}
			if got := agents.Mode("coder"); got != domain.DeliveryPull {
				t.Fatalf("Mode(coder) after reload = %q, want pull", got)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(path, updated, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy reload")
		}
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"HANDOFF_BIND_ADDR",
		"HANDOFF_SHUTDOWN_TIMEOUT",
		"HANDOFF_METRICS_NAMESPACE",
		"HANDOFF_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
		"HANDOFF_STORE_TIMEOUT",
		"HANDOFF_DISTRIBUTION_ENABLED",
		"HANDOFF_DISTRIBUTION_INTERVAL",
		"HANDOFF_DISTRIBUTION_SCHEDULE",
		"HANDOFF_AGENTS_FILE",
		"HANDOFF_WEBHOOK_ATTEMPTS",
		"HANDOFF_LOG_LEVEL",
		"HANDOFF_LOG_FORMAT",
		"HANDOFF_TRACE_EXPORTER",
		"HANDOFF_TRACE_ENDPOINT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
