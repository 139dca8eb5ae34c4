package config

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kotoba/common/environment"
	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/dispatch"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/expression"
	"github.com/bdobrica/kotoba/internal/kotoba/runtime"
)

//go:embed settings.schema.json
var settingsSchema []byte

const schemaURL = "settings.schema.json"

// Environment variables that override the settings file.
const (
	EnvSuperusers           = "KOTOBA_SUPERUSERS"
	EnvNickname             = "KOTOBA_NICKNAME"
	EnvSessionExpireTimeout = "KOTOBA_SESSION_EXPIRE_TIMEOUT"
	EnvSessionRunTimeout    = "KOTOBA_SESSION_RUN_TIMEOUT"
)

// StringList is a YAML value that may be written as one string or a list.
type StringList []string

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
}

// Duration is a YAML duration: a Go duration string ("90s", "5m"), a number
// of seconds, or one of "off", "none", "disabled" for zero.
type Duration time.Duration

// UnmarshalYAML parses the forms listed on Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a duration", value.Line)
	}
	v, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "off", "none", "disabled":
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return v, nil
}

// Expressions holds the reply texts the engine sends on its own behalf.
type Expressions struct {
	SessionRunning            StringList `yaml:"session_running"`
	ValidationFailure         StringList `yaml:"validation_failure"`
	TooManyValidationFailures StringList `yaml:"too_many_validation_failures"`
	SessionCancel             StringList `yaml:"session_cancel"`
}

// PluginEntry names a plugin to load at startup. Enabled defaults to true.
type PluginEntry struct {
	Path    string `yaml:"path"`
	Enabled *bool  `yaml:"enabled"`
}

// Settings is the YAML settings file.
type Settings struct {
	Superusers             StringList    `yaml:"superusers"`
	Nickname               StringList    `yaml:"nickname"`
	CommandStart           StringList    `yaml:"command_start"`
	CommandSep             StringList    `yaml:"command_sep"`
	SessionExpireTimeout   Duration      `yaml:"session_expire_timeout"`
	SessionRunTimeout      Duration      `yaml:"session_run_timeout"`
	ShortMessageMaxLength  int           `yaml:"short_message_max_length"`
	MaxValidationFailures  int           `yaml:"max_validation_failures"`
	ContextMode            string        `yaml:"context_mode"`
	SwallowTransportErrors bool          `yaml:"swallow_transport_errors"`
	NLPRateLimit           int           `yaml:"nlp_rate_limit"`
	Expressions            Expressions   `yaml:"expressions"`
	Plugins                []PluginEntry `yaml:"plugins"`

	// Hash is the SHA-256 of the loaded file, empty for pure defaults.
	Hash string `yaml:"-"`
}

// Defaults returns the stock settings.
func Defaults() *Settings {
	return &Settings{
		CommandStart:           StringList{"/", "!", "／", "！"},
		CommandSep:             StringList{"/", "."},
		SessionExpireTimeout:   Duration(5 * time.Minute),
		ShortMessageMaxLength:  50,
		MaxValidationFailures:  3,
		ContextMode:            string(event.ContextDefault),
		SwallowTransportErrors: true,
		Expressions: Expressions{
			SessionRunning:            StringList{"Your previous command is still running, please wait."},
			ValidationFailure:         StringList{"That doesn't look right, please try again."},
			TooManyValidationFailures: StringList{"Too many invalid replies. Start the command again to retry."},
			SessionCancel:             StringList{"OK.", "Alright, never mind.", "OK, I'll leave it there."},
		},
	}
}

// LoadSettings reads, validates and parses the YAML file at path, then
// applies the environment overrides. An empty path yields the defaults with
// overrides applied.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		s := Defaults()
		s.ApplyEnv()
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	s, err := ParseSettings(data)
	if err != nil {
		return nil, err
	}
	s.ApplyEnv()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	slog.Info("settings loaded", "path", path, "hash", s.Hash[:12], "plugins", len(s.Plugins))
	return s, nil
}

// ParseSettings validates data against the settings schema and decodes it
// over the defaults. Environment overrides are not applied.
func ParseSettings(data []byte) (*Settings, error) {
	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	s := Defaults()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	h := sha256.Sum256(data)
	s.Hash = hex.EncodeToString(h[:])
	return s, nil
}

func validateSchema(data []byte) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(schemaURL, bytes.NewReader(settingsSchema)); err != nil {
		return fmt.Errorf("add settings schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("compile settings schema: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse settings yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	// The validator expects JSON-decoded values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("settings are not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// ApplyEnv overrides fields from KOTOBA_* environment variables.
func (s *Settings) ApplyEnv() {
	s.Superusers = environment.StringSliceOr(EnvSuperusers, s.Superusers)
	s.Nickname = environment.StringSliceOr(EnvNickname, s.Nickname)
	s.SessionExpireTimeout = Duration(nonNegative(
		environment.TimeoutOr(EnvSessionExpireTimeout, time.Duration(s.SessionExpireTimeout))))
	s.SessionRunTimeout = Duration(nonNegative(
		environment.TimeoutOr(EnvSessionRunTimeout, time.Duration(s.SessionRunTimeout))))
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// Validate checks values the schema cannot express.
func (s *Settings) Validate() error {
	if _, err := event.ParseContextMode(s.ContextMode); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	seen := make(map[string]bool, len(s.Plugins))
	for _, p := range s.Plugins {
		if seen[p.Path] {
			return fmt.Errorf("invalid settings: plugin %q listed twice", p.Path)
		}
		seen[p.Path] = true
	}
	return nil
}

// CancelExpression is the reply of argfilter.HandleCancellation.
func (s *Settings) CancelExpression() expression.Expression {
	return expression.FromStrings(s.Expressions.SessionCancel)
}

// ParseConfig returns the command prefix and separator settings.
func (s *Settings) ParseConfig() commands.ParseConfig {
	return commands.ParseConfig{
		Starts: append([]string(nil), s.CommandStart...),
		Seps:   append([]string(nil), s.CommandSep...),
	}
}

// DispatchConfig returns the dispatcher settings.
func (s *Settings) DispatchConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.Nicknames = append([]string(nil), s.Nickname...)
	cfg.ContextMode, _ = event.ParseContextMode(s.ContextMode)
	if e := expression.FromStrings(s.Expressions.SessionRunning); e != nil {
		cfg.SessionRunning = e
	}
	cfg.Session.ExpireTimeout = time.Duration(s.SessionExpireTimeout)
	cfg.Session.RunTimeout = time.Duration(s.SessionRunTimeout)
	cfg.Session.MaxValidationFailures = s.MaxValidationFailures
	if e := expression.FromStrings(s.Expressions.ValidationFailure); e != nil {
		cfg.Session.ValidationFailure = e
	}
	if e := expression.FromStrings(s.Expressions.TooManyValidationFailures); e != nil {
		cfg.Session.TooManyValidationFailures = e
	}
	return cfg
}

// PluginSpecs returns the startup plugin list.
func (s *Settings) PluginSpecs() []runtime.PluginSpec {
	specs := make([]runtime.PluginSpec, 0, len(s.Plugins))
	for _, p := range s.Plugins {
		specs = append(specs, runtime.PluginSpec{
			Path:    p.Path,
			Enabled: p.Enabled == nil || *p.Enabled,
		})
	}
	return specs
}

// RuntimeOptions fills the runtime options derived from settings. The
// caller supplies transport, storage and the plugin catalog.
func (s *Settings) RuntimeOptions() runtime.Options {
	return runtime.Options{
		Dispatch:              s.DispatchConfig(),
		Parse:                 s.ParseConfig(),
		Superusers:            append([]string(nil), s.Superusers...),
		ShortMessageMaxLength: s.ShortMessageMaxLength,
		NLPRateLimit:          s.NLPRateLimit,
	}
}
