// Package config holds the run configuration: defaults, an optional YAML
// file, environment variables and command line flags, in increasing order of
// precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultVUs            = 1
	DefaultDuration       = 20 * time.Second
	DefaultBaseURL        = "http://api:8000"
	DefaultSummaryPath    = "/results/summary.json"
	DefaultRunID          = "local"
	DefaultRevision       = "nogit"
	DefaultPacing         = 200 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// RunConfig is everything a run needs. It is validated once and then passed
// by value; nothing mutates it after the run starts.
type RunConfig struct {
	VUs              int                 `yaml:"vus"`
	Duration         Duration            `yaml:"duration"`
	BaseURL          string              `yaml:"base_url"`
	SummaryPath      string              `yaml:"summary_path"`
	RunID            string              `yaml:"run_id"`
	Revision         string              `yaml:"git_sha"`
	Pacing           Duration            `yaml:"pacing"`
	RequestTimeout   Duration            `yaml:"request_timeout"`
	GracefulStop     Duration            `yaml:"graceful_stop"`
	MaxIterationRate float64             `yaml:"max_iteration_rate"`
	WebhookSecret    string              `yaml:"webhook_secret"`
	MetricsAddr      string              `yaml:"metrics_addr"`
	Thresholds       map[string][]string `yaml:"thresholds"`
}

// DefaultThresholds are the service-level gates applied when the config file
// does not declare its own.
func DefaultThresholds() map[string][]string {
	return map[string][]string{
		"checks":               {"rate>0.99"},
		"http_req_failed":      {"rate<0.01"},
		"fail_rate":            {"rate<0.01"},
		"p95_tasks_create":     {"p(95)<200"},
		"p95_tasks_list":       {"p(95)<200"},
		"webhook_success_rate": {"rate>0.99"},
	}
}

// Default returns a RunConfig with every default applied.
func Default() RunConfig {
	return RunConfig{
		VUs:            DefaultVUs,
		Duration:       Duration(DefaultDuration),
		BaseURL:        DefaultBaseURL,
		SummaryPath:    DefaultSummaryPath,
		RunID:          DefaultRunID,
		Revision:       DefaultRevision,
		Pacing:         Duration(DefaultPacing),
		RequestTimeout: Duration(DefaultRequestTimeout),
		Thresholds:     DefaultThresholds(),
	}
}

// LoadFile overlays a YAML file onto cfg. Fields absent from the file keep
// their current value; a thresholds map in the file replaces the current one.
func LoadFile(path string, cfg *RunConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return ParseYAML(data, cfg)
}

// ParseYAML overlays YAML data onto cfg.
func ParseYAML(data []byte, cfg *RunConfig) error {
	overlay := *cfg
	overlay.Thresholds = nil
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	if overlay.Thresholds == nil {
		overlay.Thresholds = cfg.Thresholds
	}
	*cfg = overlay
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *RunConfig, lookup LookupFunc) error {
	errs := &ValidationErrors{}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := ParseDurationString(v)
			if err != nil {
				errs.Add(key, err.Error())
				return
			}
			*dst = Duration(d)
		}
	}

	if v, ok := lookup("VUS"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs.Add("VUS", fmt.Sprintf("not an integer: %q", v))
		} else {
			cfg.VUs = n
		}
	}
	dur("DURATION", &cfg.Duration)
	str("BASE_URL", &cfg.BaseURL)
	str("K6_SUMMARY_PATH", &cfg.SummaryPath)
	str("SUMMARY_PATH", &cfg.SummaryPath)
	str("RUN_ID", &cfg.RunID)
	str("GIT_SHA", &cfg.Revision)
	dur("PACING", &cfg.Pacing)
	dur("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	dur("GRACEFUL_STOP", &cfg.GracefulStop)
	if v, ok := lookup("MAX_ITERATION_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs.Add("MAX_ITERATION_RATE", fmt.Sprintf("not a number: %q", v))
		} else {
			cfg.MaxIterationRate = f
		}
	}
	str("STRIPE_WEBHOOK_SECRET", &cfg.WebhookSecret)
	str("METRICS_ADDR", &cfg.MetricsAddr)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Duration is a time.Duration that unmarshals from "30s" style strings or
// bare integer seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDurationString(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDurationString parses a duration in one of these forms:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
//
// An empty string is zero.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}
