// Package config loads the quizgate YAML configuration.
//
// A file is checked against the embedded CUE schema before it is decoded,
// so type and range errors are reported with their YAML paths. Keys left
// out of the file keep the values from Default.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/quizgate/internal/auth"
	"github.com/roach88/quizgate/internal/session"
)

//go:embed schema.cue
var schemaCUE string

// EnvJWTSecret overrides jwt_secret when set.
const EnvJWTSecret = "QUIZGATE_JWT_SECRET"

// Config is the top-level structure of quizgate.yaml.
type Config struct {
	Listen      string            `yaml:"listen"`
	Database    string            `yaml:"database"`
	JWTSecret   string            `yaml:"jwt_secret"`
	TokenTTL    time.Duration     `yaml:"token_ttl"`
	Participant ParticipantConfig `yaml:"participant"`
	Moderation  ModerationConfig  `yaml:"moderation"`
	Feed        FeedConfig        `yaml:"feed"`
	Moderators  []auth.Moderator  `yaml:"moderators,omitempty"`
}

// ParticipantConfig controls participant agents started by `play`.
type ParticipantConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // negative disables
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
}

// ModerationConfig controls the inactivity sweep.
type ModerationConfig struct {
	SweepInterval       time.Duration `yaml:"sweep_interval"` // negative disables
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
	ExpireAfter         time.Duration `yaml:"expire_after"` // negative disables
}

// FeedConfig controls the change feed broker.
type FeedConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Database: "quizgate.db",
		TokenTTL: 12 * time.Hour,
		Participant: ParticipantConfig{
			HeartbeatInterval: 30 * time.Second,
			RetryAttempts:     3,
			RetryBackoff:      250 * time.Millisecond,
		},
		Moderation: ModerationConfig{
			SweepInterval:       30 * time.Second,
			InactivityThreshold: 60 * time.Second,
			ExpireAfter:         24 * time.Hour,
		},
		Feed: FeedConfig{
			PollInterval: 200 * time.Millisecond,
		},
	}
}

// Load reads path and applies environment overrides. An empty path returns
// the defaults with overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse checks data against the schema and decodes it over the defaults.
// name is used in error positions.
func Parse(name string, data []byte) (*Config, error) {
	if err := checkSchema(name, data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, session.NewValidationError(fmt.Sprintf("parsing config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks relationships the schema cannot express.
func (c *Config) Validate() error {
	var problems []string
	if c.TokenTTL <= 0 {
		problems = append(problems, "token_ttl must be positive")
	}
	if c.Participant.RetryAttempts < 1 {
		problems = append(problems, "participant.retry_attempts must be at least 1")
	}
	if c.Participant.RetryBackoff < 0 {
		problems = append(problems, "participant.retry_backoff must not be negative")
	}
	if c.Moderation.InactivityThreshold <= 0 {
		problems = append(problems, "moderation.inactivity_threshold must be positive")
	}
	if c.Moderation.ExpireAfter > 0 && c.Moderation.ExpireAfter <= c.Moderation.InactivityThreshold {
		problems = append(problems, "moderation.expire_after must exceed inactivity_threshold")
	}
	if c.Feed.PollInterval <= 0 {
		problems = append(problems, "feed.poll_interval must be positive")
	}
	if _, err := auth.NewDirectory(c.Moderators); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return session.NewValidationError("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Directory builds the moderator directory from the configured accounts.
func (c *Config) Directory() (*auth.Directory, error) {
	return auth.NewDirectory(c.Moderators)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.JWTSecret = v
	}
}

// checkSchema unifies the YAML document with #Config and reports every
// violation with its path.
func checkSchema(name string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return session.NewValidationError(fmt.Sprintf("parsing config: %v", err))
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return session.NewValidationError(fmt.Sprintf("parsing config: %v", err))
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return session.NewValidationError("config schema: " + strings.Join(msgs, "; "))
	}
	return nil
}
