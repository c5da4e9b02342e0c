package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Problems     []string
	InvalidTypes []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Problems) > 0 || len(e.InvalidTypes) > 0
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	for _, p := range e.Problems {
		sb.WriteString(fmt.Sprintf("  - %s\n", p))
	}

	if len(e.InvalidTypes) > 0 {
		sb.WriteString("\nInvalid notification types:\n")
		for _, t := range e.InvalidTypes {
			sb.WriteString(fmt.Sprintf("  - %s\n", t))
		}
		sb.WriteString("\nValid types: item, collection, tag, relation, subscription\n")
	}

	return sb.String()
}

// Validate checks the whole configuration and reports every problem at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if u, err := url.Parse(c.Broker.URL); err != nil || u.Host == "" {
		errs.add("broker.url %q is not an absolute URL", c.Broker.URL)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs.add("broker.url must use ws or wss, got %q", u.Scheme)
	}
	if !ValidEncodings[c.Broker.Encoding] {
		errs.add("broker.encoding must be 'json' or 'binary', got %q", c.Broker.Encoding)
	}
	if c.Broker.TimeoutSec < 1 {
		errs.add("broker.timeout_sec must be >= 1")
	}
	if c.Broker.RetryCount < 0 {
		errs.add("broker.retry_count must be >= 0")
	}
	if c.Broker.RatePerSecond < 1 {
		errs.add("broker.rate_per_second must be >= 1")
	}

	if c.Recorder.Name == "" || strings.ContainsAny(c.Recorder.Name, `/\`) {
		errs.add("recorder.name must be a non-empty file name, got %q", c.Recorder.Name)
	}
	if c.Recorder.JournalDir == "" {
		errs.add("recorder.journal_dir is required")
	}
	if c.Recorder.PipelineSize < 1 {
		errs.add("recorder.pipeline_size must be >= 1")
	}

	if _, invalid := ParseTypes(c.Subscription.Types); len(invalid) > 0 {
		errs.InvalidTypes = invalid
	}

	if c.Logging.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
			errs.add("logging.level %q is not a log level", c.Logging.Level)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
