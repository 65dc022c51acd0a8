package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/screenclip/internal/settings"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SCREENCLIP"

type Config struct {
	ActiveProfile string                    `mapstructure:"active_profile" yaml:"active_profile,omitempty"`
	Capture       CaptureConfig             `mapstructure:"capture" yaml:"capture"`
	Profiles      map[string]*ProfileConfig `mapstructure:"profiles" yaml:"profiles,omitempty"`
	Output        OutputConfig              `mapstructure:"output" yaml:"output"`
	Transcoder    TranscoderConfig          `mapstructure:"transcoder" yaml:"transcoder"`
	Temp          TempConfig                `mapstructure:"temp" yaml:"temp"`
	Timing        TimingConfig              `mapstructure:"timing" yaml:"timing"`
	Server        ServerConfig              `mapstructure:"server" yaml:"server"`

	// Name of the profile merged into Capture, empty when none was applied.
	AppliedProfile string `mapstructure:"-" yaml:"-"`
}

type CaptureConfig struct {
	settings.Settings `mapstructure:",squash" yaml:",inline"`

	// Region is "x,y,width,height"; empty means the whole primary display.
	Region string `mapstructure:"region" yaml:"region,omitempty"`
}

// ProfileConfig overrides selected capture settings. Nil fields inherit.
type ProfileConfig struct {
	TargetFPS          *int     `mapstructure:"fps" yaml:"fps,omitempty"`
	Quality            *int     `mapstructure:"quality" yaml:"quality,omitempty"`
	OutputFormat       *string  `mapstructure:"format" yaml:"format,omitempty"`
	MaxDurationSeconds *int     `mapstructure:"max_duration_seconds" yaml:"max_duration_seconds,omitempty"`
	ScaleFactor        *float64 `mapstructure:"scale_factor" yaml:"scale_factor,omitempty"`
	FastPreviewMode    *bool    `mapstructure:"fast_preview" yaml:"fast_preview,omitempty"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type TranscoderConfig struct {
	// Path to ffmpeg. Empty means look it up.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

type TempConfig struct {
	Root   string `mapstructure:"root" yaml:"root,omitempty"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

type TimingConfig struct {
	PollIntervalMs       int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	StallTimeoutMs       int `mapstructure:"stall_timeout_ms" yaml:"stall_timeout_ms"`
	EarlyFailureWindowMs int `mapstructure:"early_failure_window_ms" yaml:"early_failure_window_ms"`
	BackendStopTimeoutMs int `mapstructure:"backend_stop_timeout_ms" yaml:"backend_stop_timeout_ms"`
	EncodeTimeoutSeconds int `mapstructure:"encode_timeout_seconds" yaml:"encode_timeout_seconds"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Capture: CaptureConfig{Settings: settings.Default()},
		Output: OutputConfig{
			Directory: filepath.Join(home, "Videos", "screenclip"),
		},
		Temp: TempConfig{
			Prefix: "screenclip_",
		},
		Timing: TimingConfig{
			PollIntervalMs:       100,
			StallTimeoutMs:       2000,
			EarlyFailureWindowMs: 3000,
			BackendStopTimeoutMs: 3000,
			EncodeTimeoutSeconds: 600,
		},
		Server: ServerConfig{Port: "8080"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("active_profile", "")
	v.SetDefault("capture.fps", d.Capture.TargetFPS)
	v.SetDefault("capture.quality", d.Capture.Quality)
	v.SetDefault("capture.format", string(d.Capture.OutputFormat))
	v.SetDefault("capture.max_duration_seconds", d.Capture.MaxDurationSeconds)
	v.SetDefault("capture.scale_factor", d.Capture.ScaleFactor)
	v.SetDefault("capture.fast_preview", d.Capture.FastPreviewMode)
	v.SetDefault("capture.region", "")
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("transcoder.path", "")
	v.SetDefault("temp.root", "")
	v.SetDefault("temp.prefix", d.Temp.Prefix)
	v.SetDefault("timing.poll_interval_ms", d.Timing.PollIntervalMs)
	v.SetDefault("timing.stall_timeout_ms", d.Timing.StallTimeoutMs)
	v.SetDefault("timing.early_failure_window_ms", d.Timing.EarlyFailureWindowMs)
	v.SetDefault("timing.backend_stop_timeout_ms", d.Timing.BackendStopTimeoutMs)
	v.SetDefault("timing.encode_timeout_seconds", d.Timing.EncodeTimeoutSeconds)
	v.SetDefault("server.port", d.Server.Port)
}

// Load reads configFile (a missing file is not an error), applies
// SCREENCLIP_* environment overrides and the selected profile, and validates
// the result. An empty profile selects active_profile from the file.
func Load(configFile, profile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.applyProfile(profile); err != nil {
		return nil, err
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Temp.Root = expandPath(cfg.Temp.Root)
	cfg.Transcoder.Path = expandPath(cfg.Transcoder.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyProfile(profile string) error {
	name := profile
	if name == "" {
		name = c.ActiveProfile
	}
	if name == "" {
		return nil
	}

	p, ok := c.Profiles[name]
	if !ok || p == nil {
		return fmt.Errorf("capture profile '%s' not found (available: %s)", name, strings.Join(c.ProfileNames(), ", "))
	}

	s := &c.Capture.Settings
	if p.TargetFPS != nil {
		s.TargetFPS = *p.TargetFPS
	}
	if p.Quality != nil {
		s.Quality = *p.Quality
	}
	if p.OutputFormat != nil {
		s.OutputFormat = settings.OutputFormat(strings.ToLower(*p.OutputFormat))
	}
	if p.MaxDurationSeconds != nil {
		s.MaxDurationSeconds = *p.MaxDurationSeconds
	}
	if p.ScaleFactor != nil {
		s.ScaleFactor = *p.ScaleFactor
	}
	if p.FastPreviewMode != nil {
		s.FastPreviewMode = *p.FastPreviewMode
	}
	c.AppliedProfile = name
	return nil
}

// ProfileNames returns the configured profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	c.Capture.OutputFormat = settings.OutputFormat(strings.ToLower(string(c.Capture.OutputFormat)))
	if err := c.Capture.Settings.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory cannot be empty")
	}
	if c.Temp.Prefix == "" || strings.ContainsAny(c.Temp.Prefix, `/\`) {
		return fmt.Errorf("temp.prefix must be a non-empty name without path separators, got %q", c.Temp.Prefix)
	}

	t := c.Timing
	if t.PollIntervalMs <= 0 || t.StallTimeoutMs <= 0 || t.EarlyFailureWindowMs <= 0 || t.BackendStopTimeoutMs <= 0 || t.EncodeTimeoutSeconds <= 0 {
		return fmt.Errorf("timing values must be positive")
	}
	if t.PollIntervalMs >= t.StallTimeoutMs {
		return fmt.Errorf("timing.poll_interval_ms (%d) must be shorter than timing.stall_timeout_ms (%d)", t.PollIntervalMs, t.StallTimeoutMs)
	}
	// The zero-frame check must fire before a steady-state stall could.
	if t.EarlyFailureWindowMs < t.StallTimeoutMs {
		return fmt.Errorf("timing.early_failure_window_ms (%d) must not be shorter than timing.stall_timeout_ms (%d)", t.EarlyFailureWindowMs, t.StallTimeoutMs)
	}
	return nil
}

// Settings returns a copy of the capture settings.
func (c *Config) Settings() settings.Settings {
	return c.Capture.Settings
}

func (t TimingConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

func (t TimingConfig) StallTimeout() time.Duration {
	return time.Duration(t.StallTimeoutMs) * time.Millisecond
}

func (t TimingConfig) EarlyFailureWindow() time.Duration {
	return time.Duration(t.EarlyFailureWindowMs) * time.Millisecond
}

func (t TimingConfig) BackendStopTimeout() time.Duration {
	return time.Duration(t.BackendStopTimeoutMs) * time.Millisecond
}

func (t TimingConfig) EncodeTimeout() time.Duration {
	return time.Duration(t.EncodeTimeoutSeconds) * time.Second
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", path, err)
	}
	return nil
}

// DefaultPath is $HOME/.config/screenclip.yaml.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/screenclip.yaml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
