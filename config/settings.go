// Package config loads engine settings from YAML and frame graphs from HCL,
// and applies a frame graph to an engine.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
	"gopkg.in/yaml.v3"
)

// Settings profiles. The release profile turns contract assertions off
// unless the file sets them explicitly.
const (
	ProfileDebug   = "debug"
	ProfileRelease = "release"
)

// LogSettings selects the CLI logger.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsSettings configures the Prometheus exporter and the HTTP listener.
type MetricsSettings struct {
	// Addr is the listen address of the introspection server. Empty disables it.
	Addr         string        `yaml:"addr,omitempty"`
	Namespace    string        `yaml:"namespace,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// Settings models an engine settings file.
type Settings struct {
	Profile       string        `yaml:"profile"`
	Workers       int           `yaml:"workers"`
	StealRounds   int           `yaml:"steal_rounds"`
	QueueCapacity int           `yaml:"queue_capacity"`
	StageFanOut   int           `yaml:"stage_fan_out"`
	Fairness      string        `yaml:"fairness"`
	Assertions    *bool         `yaml:"assertions,omitempty"`
	HistorySize   int           `yaml:"history_size"`
	FrameInterval time.Duration `yaml:"frame_interval"`
	Frames        int           `yaml:"frames"`

	Log     LogSettings     `yaml:"log"`
	Metrics MetricsSettings `yaml:"metrics"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() Settings {
	return Settings{
		Profile:       ProfileDebug,
		StealRounds:   core.DefaultStealRounds,
		Fairness:      core.FairnessScanAll.String(),
		HistorySize:   100,
		FrameInterval: time.Second / 60,
		Log:           LogSettings{Level: "info", Format: "text"},
		Metrics:       MetricsSettings{Namespace: "framesched", PollInterval: time.Second},
	}
}

// LoadSettings reads path over DefaultSettings and validates the result.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes YAML over DefaultSettings and validates the result.
// Unknown keys are rejected.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports every invalid field at once.
func (s Settings) Validate() error {
	var errs []error
	switch s.Profile {
	case "", ProfileDebug, ProfileRelease:
	default:
		errs = append(errs, fmt.Errorf("profile: unknown profile %q", s.Profile))
	}
	if s.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers: must not be negative, got %d", s.Workers))
	}
	if s.StealRounds < 0 {
		errs = append(errs, fmt.Errorf("steal_rounds: must not be negative, got %d", s.StealRounds))
	}
	if s.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("queue_capacity: must not be negative, got %d", s.QueueCapacity))
	}
	if s.StageFanOut < 0 {
		errs = append(errs, fmt.Errorf("stage_fan_out: must not be negative, got %d", s.StageFanOut))
	}
	if _, err := core.ParseFairnessPolicy(s.Fairness); err != nil {
		errs = append(errs, fmt.Errorf("fairness: %w", err))
	}
	if s.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("history_size: must not be negative, got %d", s.HistorySize))
	}
	if s.FrameInterval < 0 {
		errs = append(errs, fmt.Errorf("frame_interval: must not be negative, got %s", s.FrameInterval))
	}
	if s.Frames < 0 {
		errs = append(errs, fmt.Errorf("frames: must not be negative, got %d", s.Frames))
	}
	if s.Metrics.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("metrics.poll_interval: must not be negative, got %s", s.Metrics.PollInterval))
	}
	return errors.Join(errs...)
}

// AssertionsEnabled resolves the assertions flag against the profile.
func (s Settings) AssertionsEnabled() bool {
	if s.Assertions != nil {
		return *s.Assertions
	}
	return s.Profile != ProfileRelease
}

// SchedulerConfig builds the core config. Handlers, metrics and logger are
// left nil for the caller to fill in; nil ones fall back to defaults.
func (s Settings) SchedulerConfig() *core.SchedulerConfig {
	fairness, _ := core.ParseFairnessPolicy(s.Fairness)
	return &core.SchedulerConfig{
		Workers:         s.Workers,
		StealRounds:     s.StealRounds,
		QueueCapacity:   s.QueueCapacity,
		StageFanOut:     s.StageFanOut,
		Fairness:        fairness,
		Assertions:      s.AssertionsEnabled(),
		HistoryCapacity: s.HistorySize,
	}
}
