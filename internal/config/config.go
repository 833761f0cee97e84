package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	ctxcompress "veil/internal/context"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all veil configuration.
type Config struct {
	// Pipeline orchestration
	Space SpaceConfig `yaml:"space"`

	// Scoring, compression and render budget
	Render RenderConfig `yaml:"render"`

	// Frame journal
	Journal JournalConfig `yaml:"journal"`

	// Observer bus
	Bus BusConfig `yaml:"bus"`

	// Prometheus collectors
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SpaceConfig configures the pipeline orchestrator.
type SpaceConfig struct {
	// Maximum work-queue iterations per dispatch (effector feedback loop bound)
	MaxIterations int `yaml:"max_iterations" validate:"gte=1"`

	// Max concurrently running stage instances per barrier (0 = unlimited)
	StageConcurrency int `yaml:"stage_concurrency" validate:"gte=0"`

	// Per-effector deadline, e.g. "30s" (empty = none)
	EffectorTimeout string `yaml:"effector_timeout" validate:"omitempty,duration"`

	// Whether speak/toolCall frames also enter the ledger as facets
	RecordOutgoing bool `yaml:"record_outgoing"`
}

// RenderConfig configures saliency scoring and the context renderer.
// Every constant the scorer uses is tunable here.
type RenderConfig struct {
	MaxContextTokens    int     `yaml:"max_context_tokens" validate:"gt=0"`
	FocusBoost          float64 `yaml:"focus_boost" validate:"gte=1"`
	TransientDecayRate  float64 `yaml:"transient_decay_rate" validate:"gte=0"`
	OutOfFocusPenalty   float64 `yaml:"out_of_focus_penalty" validate:"gte=0,lt=1"`
	ReferenceFloor      float64 `yaml:"reference_floor" validate:"gte=0,lte=1"`
	LinkDampening       float64 `yaml:"link_dampening" validate:"gte=0,lte=1"`
	LinkCeiling         float64 `yaml:"link_ceiling" validate:"gt=0"`
	PinnedScore         float64 `yaml:"pinned_score" validate:"gtfield=LinkCeiling,gtfield=FocusBoost"`
	ActivationThreshold float64 `yaml:"activation_threshold" validate:"gte=0"`
	MediumThreshold     float64 `yaml:"medium_threshold" validate:"gtefield=ActivationThreshold"`
	HighThreshold       float64 `yaml:"high_threshold" validate:"gtefield=MediumThreshold"`
	CharsPerToken       int     `yaml:"chars_per_token" validate:"gte=1"`

	// Score below which consecutive same-stream facets are merged (0 = off)
	MergeThreshold float64 `yaml:"merge_threshold" validate:"gte=0"`

	SystemPreamble string `yaml:"system_preamble"`
}

// JournalConfig configures the append-only frame journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// SQLite path; ":memory:" keeps history for the process lifetime only
	Path string `yaml:"path" validate:"required_if=Enabled true"`
}

// BusConfig configures the observer bus.
type BusConfig struct {
	Enabled bool  `yaml:"enabled"`
	Buffer  int64 `yaml:"buffer" validate:"gte=0"`
}

// MetricsConfig configures Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	render := ctxcompress.DefaultRenderConfig()
	return &Config{
		Space: SpaceConfig{
			MaxIterations:    32,
			StageConcurrency: 0,
			EffectorTimeout:  "30s",
			RecordOutgoing:   true,
		},

		Render: RenderConfig{
			MaxContextTokens:    render.MaxContextTokens,
			FocusBoost:          render.FocusBoost,
			TransientDecayRate:  render.TransientDecayRate,
			OutOfFocusPenalty:   render.OutOfFocusPenalty,
			ReferenceFloor:      render.ReferenceFloor,
			LinkDampening:       render.LinkDampening,
			LinkCeiling:         render.LinkCeiling,
			PinnedScore:         render.PinnedScore,
			ActivationThreshold: render.ActivationThreshold,
			MediumThreshold:     render.MediumThreshold,
			HighThreshold:       render.HighThreshold,
			CharsPerToken:       render.CharsPerToken,
			MergeThreshold:      render.MergeThreshold,
			SystemPreamble:      render.SystemPreamble,
		},

		Journal: JournalConfig{
			Enabled: true,
			Path:    ":memory:",
		},

		Bus: BusConfig{
			Enabled: false,
			Buffer:  64,
		},

		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "veil",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Unparseable numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VEIL_MAX_CONTEXT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Render.MaxContextTokens = n
		}
	}
	if v := os.Getenv("VEIL_FOCUS_BOOST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Render.FocusBoost = f
		}
	}
	if v := os.Getenv("VEIL_TRANSIENT_DECAY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Render.TransientDecayRate = f
		}
	}
	if path := os.Getenv("VEIL_JOURNAL_PATH"); path != "" {
		c.Journal.Path = path
		c.Journal.Enabled = true
	}
	if v := os.Getenv("VEIL_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
			if b {
				c.Logging.Level = "debug"
			}
		}
	}
}

// GetEffectorTimeout returns the effector timeout as a duration (0 = none).
func (c *Config) GetEffectorTimeout() time.Duration {
	if c.Space.EffectorTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Space.EffectorTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// RenderSettings converts the render section into the renderer's config.
func (c *Config) RenderSettings() ctxcompress.RenderConfig {
	r := c.Render
	return ctxcompress.RenderConfig{
		MaxContextTokens:    r.MaxContextTokens,
		FocusBoost:          r.FocusBoost,
		TransientDecayRate:  r.TransientDecayRate,
		OutOfFocusPenalty:   r.OutOfFocusPenalty,
		ReferenceFloor:      r.ReferenceFloor,
		LinkDampening:       r.LinkDampening,
		LinkCeiling:         r.LinkCeiling,
		PinnedScore:         r.PinnedScore,
		ActivationThreshold: r.ActivationThreshold,
		MediumThreshold:     r.MediumThreshold,
		HighThreshold:       r.HighThreshold,
		CharsPerToken:       r.CharsPerToken,
		MergeThreshold:      r.MergeThreshold,
		SystemPreamble:      r.SystemPreamble,
	}
}

// configValidate reports fields by their YAML path.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = configValidate.RegisterValidation("duration", validateDuration)
}

func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// ValidLevels lists the accepted logging levels.
var ValidLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config validation failed: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if c.Logging.Level != "" {
		valid := false
		for _, l := range ValidLevels {
			if c.Logging.Level == l {
				valid = true
				break
			}
		}
		if !valid {
			errs = append(errs, fmt.Errorf("logging.level: invalid level %q (valid: %v)", c.Logging.Level, ValidLevels))
		}
	}

	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	// Namespace is "Config.render.focus_boost"; drop the root type name.
	path := fe.Namespace()
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s (got %v)", path, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s: failed %s (got %v)", path, fe.Tag(), fe.Value())
}
