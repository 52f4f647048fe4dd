package config

import (
	"strings"
	"testing"

	"github.com/strongdm/drover/internal/classify"
)

func TestParse_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def := Default()
	if cfg.Server.Addr != def.Server.Addr || cfg.DBPath != def.DBPath {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Grading.GradingMode != classify.ModeHybrid {
		t.Fatalf("grading mode %q", cfg.Grading.GradingMode)
	}
	if cfg.Gate.MinTestCommands != 1 || cfg.Gate.MaxChangedFiles != 8 || cfg.Gate.MaxAddedLines != 150 {
		t.Fatalf("gate defaults: %+v", cfg.Gate)
	}
}

func TestParse_GatePolicyOverride(t *testing.T) {
	cfg, err := Parse([]byte(`
gate:
  min_test_commands: 2
  max_added_lines: 400
  required_skills: ["python"]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Gate.MinTestCommands != 2 || cfg.Gate.MaxAddedLines != 400 {
		t.Fatalf("gate: %+v", cfg.Gate)
	}
	// Untouched gate fields keep defaults.
	if cfg.Gate.MaxChangedFiles != 8 {
		t.Fatalf("max_changed_files %d", cfg.Gate.MaxChangedFiles)
	}
	if len(cfg.Gate.RequiredSkills) != 1 || cfg.Gate.RequiredSkills[0] != "python" {
		t.Fatalf("required_skills: %v", cfg.Gate.RequiredSkills)
	}
}

func TestParse_PartialOverride(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  addr: ":9090"
webhook:
  secret: "hunter2"
grading:
  max_retryable_attempts: 5
  grading_mode: rules
sync:
  interval_seconds: 10
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
	if cfg.Webhook.Secret != "hunter2" || cfg.Webhook.Path != "/github/webhook" {
		t.Fatalf("webhook: %+v", cfg.Webhook)
	}
	if cfg.Grading.MaxRetryableAttempts != 5 || cfg.Grading.GradingMode != classify.ModeRules {
		t.Fatalf("grading: %+v", cfg.Grading)
	}
	// Untouched grading fields keep defaults.
	if cfg.Grading.MaxChangedFiles != 8 {
		t.Fatalf("max_changed_files %d", cfg.Grading.MaxChangedFiles)
	}
	if cfg.Sync.Interval().Seconds() != 10 {
		t.Fatalf("interval %v", cfg.Sync.Interval())
	}
}

func TestParse_SchemaRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown top-level key", "databse_path: x.db\n"},
		{"bad grading mode", "grading:\n  grading_mode: vibes\n"},
		{"negative payload cap", "webhook:\n  max_payload_bytes: -1\n"},
		{"webhook path without slash", "webhook:\n  path: github/webhook\n"},
		{"bad log level", "logging:\n  level: chatty\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Fatal("accepted invalid config")
			}
		})
	}
}

func TestParse_InvalidAllowlistPattern(t *testing.T) {
	_, err := Parse([]byte("grading:\n  allowed_test_failures: [\"(unclosed\"]\n"))
	if err == nil || !strings.Contains(err.Error(), "allowed_test_failures") {
		t.Fatalf("err = %v", err)
	}
}

func TestParse_RequireSignatureNeedsSecret(t *testing.T) {
	_, err := Parse([]byte("webhook:\n  require_signature: true\n"))
	if err == nil || !strings.Contains(err.Error(), "secret") {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildLogger(t *testing.T) {
	cfg := Default()
	log, err := cfg.BuildLogger()
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	log.Sync()

	cfg.Logging.Level = "chatty"
	if _, err := cfg.BuildLogger(); err == nil {
		t.Fatal("accepted invalid level")
	}
}
