package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tasklane/loadgate/internal/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the whole configuration, including threshold syntax.
//
// Returns nil if valid, or a ValidationErrors containing every problem found.
func (c RunConfig) Validate() error {
	errs := &ValidationErrors{}

	if c.VUs < 1 {
		errs.Add("vus", "must be at least 1")
	}
	if c.Duration <= 0 {
		errs.Add("duration", "must be positive")
	}

	if c.BaseURL == "" {
		errs.Add("base_url", "is required")
	} else if u, err := url.Parse(c.BaseURL); err != nil {
		errs.Add("base_url", fmt.Sprintf("invalid URL: %v", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs.Add("base_url", "scheme must be http or https")
	} else if u.Host == "" {
		errs.Add("base_url", "host is required")
	}

	if c.SummaryPath == "" {
		errs.Add("summary_path", "is required")
	}
	if c.RunID == "" {
		errs.Add("run_id", "is required")
	}
	if c.Pacing < 0 {
		errs.Add("pacing", "cannot be negative")
	}
	if c.RequestTimeout <= 0 {
		errs.Add("request_timeout", "must be positive")
	}
	if c.GracefulStop < 0 {
		errs.Add("graceful_stop", "cannot be negative")
	}
	if c.MaxIterationRate < 0 {
		errs.Add("max_iteration_rate", "cannot be negative")
	}

	for metric, exprs := range c.Thresholds {
		if len(exprs) == 0 {
			errs.Add("thresholds."+metric, "at least one expression is required")
		}
		for i, expr := range exprs {
			if _, err := threshold.Parse(expr); err != nil {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", metric, i), err.Error())
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
