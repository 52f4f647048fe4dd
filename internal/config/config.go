// Package config loads and validates the drover configuration file. The
// YAML document is checked against an embedded JSON schema before it is
// bound to typed structs, so malformed configs fail with a field-level
// message instead of a zero value deep in a component.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/strongdm/drover/internal/classify"
	"github.com/strongdm/drover/internal/gate"
	"github.com/strongdm/drover/internal/ghsync"
	"github.com/strongdm/drover/internal/webhook"
)

//go:embed schema.json
var schemaJSON []byte

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type SyncConfig struct {
	IntervalSeconds int                  `yaml:"interval_seconds"`
	Concurrency     int                  `yaml:"concurrency"`
	MaxFetchRetries int                  `yaml:"max_fetch_retries"`
	Backoff         ghsync.BackoffConfig `yaml:"backoff"`
}

func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type Config struct {
	Server        ServerConfig    `yaml:"server"`
	DBPath        string          `yaml:"db_path"`
	WorkspaceRoot string          `yaml:"workspace_root"`
	AuditLog      string          `yaml:"audit_log"`
	Webhook       webhook.Config  `yaml:"webhook"`
	Sync          SyncConfig      `yaml:"sync"`
	Grading       classify.Policy `yaml:"grading"`
	Gate          gate.Policy     `yaml:"gate"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:        ServerConfig{Addr: ":8080"},
		DBPath:        "drover.db",
		WorkspaceRoot: "workspaces",
		Webhook: webhook.Config{
			Path:            webhook.DefaultPath,
			MaxPayloadBytes: webhook.DefaultMaxPayloadBytes,
		},
		Sync: SyncConfig{
			IntervalSeconds: 30,
			Concurrency:     4,
			MaxFetchRetries: 2,
			Backoff:         ghsync.DefaultBackoffConfig(),
		},
		Grading: classify.Policy{
			MinTestCommands:      1,
			MaxChangedFiles:      8,
			MaxAddedLines:        150,
			MaxRetryableAttempts: 3,
			GradingMode:          classify.ModeHybrid,
		},
		Gate: gate.Policy{
			MinTestCommands: 1,
			MaxChangedFiles: 8,
			MaxAddedLines:   150,
		},
		Logging: LoggingConfig{Level: "info", Encoding: "json"},
	}
}

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("config.schema.json")
}()

// Load reads, schema-validates, and binds the file at path. Values absent
// from the file keep their defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates and binds one YAML document.
func Parse(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if doc != nil {
		if err := compiledSchema.Validate(doc); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("bind config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// check enforces constraints the schema cannot express.
func (c Config) check() error {
	for _, expr := range c.Grading.AllowedTestFailures {
		if _, err := regexp.Compile("(?i)" + expr); err != nil {
			return fmt.Errorf("grading.allowed_test_failures: invalid pattern %q: %v", expr, err)
		}
	}
	if c.Webhook.RequireSignature && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.require_signature is set but webhook.secret is empty")
	}
	return nil
}

// BuildLogger constructs the process logger from the logging block.
func (c Config) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Encoding == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
