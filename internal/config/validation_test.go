package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Broker: BrokerConfig{
			URL:           "ws://localhost:8080/ws",
			Encoding:      EncodingBinary,
			TimeoutSec:    30,
			RetryCount:    3,
			RatePerSecond: 20,
		},
		Recorder: RecorderConfig{
			Name:         "agent",
			JournalDir:   "journal",
			PipelineSize: 5,
		},
		Subscription: SubscriptionConfig{All: true},
		Logging:      LoggingConfig{Level: "info"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error for valid config, got: %v", err)
	}
}

func TestValidate_InvalidType(t *testing.T) {
	cfg := validConfig()
	cfg.Subscription.Types = []string{"item", "widget"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid type")
	}

	if !strings.Contains(err.Error(), "widget") {
		t.Errorf("error should mention invalid type, got: %v", err)
	}
	if !strings.Contains(err.Error(), "Valid types:") {
		t.Errorf("error should list valid types, got: %v", err)
	}
}

func TestValidate_BrokerURL(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.URL = "http://localhost:8080/ws"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for http broker URL")
	}
	if !strings.Contains(err.Error(), "ws or wss") {
		t.Errorf("error should mention the scheme, got: %v", err)
	}
}

func TestValidate_RecorderName(t *testing.T) {
	cfg := validConfig()
	cfg.Recorder.Name = "../escape"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for recorder name with a path separator")
	}
	if !strings.Contains(err.Error(), "recorder.name") {
		t.Errorf("error should mention recorder.name, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.Encoding = "xml"
	cfg.Recorder.PipelineSize = 0
	cfg.Logging.Level = "loud"
	cfg.Subscription.Types = []string{"bogus"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for multiple invalid fields")
	}

	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected *ValidationErrors, got %T", err)
	}
	if len(verrs.Problems) != 3 {
		t.Errorf("expected 3 problems, got %d: %v", len(verrs.Problems), verrs.Problems)
	}
	if len(verrs.InvalidTypes) != 1 {
		t.Errorf("expected 1 invalid type, got %v", verrs.InvalidTypes)
	}

	errStr := err.Error()
	for _, want := range []string{"broker.encoding", "recorder.pipeline_size", "logging.level", "bogus"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, errStr)
		}
	}
}

func TestValidationErrors_HasErrors(t *testing.T) {
	errs := &ValidationErrors{}
	if errs.HasErrors() {
		t.Error("empty ValidationErrors should not have errors")
	}

	errs.InvalidTypes = []string{"widget"}
	if !errs.HasErrors() {
		t.Error("ValidationErrors with invalid types should have errors")
	}
}
