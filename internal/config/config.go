package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

// Config is the change recorder configuration.
type Config struct {
	Broker       BrokerConfig       `mapstructure:"broker"`
	Recorder     RecorderConfig     `mapstructure:"recorder"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type BrokerConfig struct {
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Encoding      string `mapstructure:"encoding"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	RetryCount    int    `mapstructure:"retry_count"`
	RetryDelay    int    `mapstructure:"retry_delay_sec"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

type RecorderConfig struct {
	Name         string        `mapstructure:"name"`
	JournalDir   string        `mapstructure:"journal_dir"`
	PipelineSize int           `mapstructure:"pipeline_size"`
	StallAfter   time.Duration `mapstructure:"stall_after"`
	Session      string        `mapstructure:"session"`
}

// SubscriptionConfig is the interest the recorder declares on connect.
type SubscriptionConfig struct {
	All            bool     `mapstructure:"all"`
	Collections    []int64  `mapstructure:"collections"`
	Items          []int64  `mapstructure:"items"`
	Tags           []int64  `mapstructure:"tags"`
	Types          []string `mapstructure:"types"`
	Resources      []string `mapstructure:"resources"`
	MimeTypes      []string `mapstructure:"mime_types"`
	IgnoreSessions []string `mapstructure:"ignore_sessions"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("broker.url", "ws://localhost:8080/ws")
	v.SetDefault("broker.encoding", EncodingBinary)
	v.SetDefault("broker.timeout_sec", 30)
	v.SetDefault("broker.retry_count", 3)
	v.SetDefault("broker.retry_delay_sec", 2)
	v.SetDefault("broker.rate_per_second", 20)
	v.SetDefault("recorder.name", "recorder")
	v.SetDefault("recorder.journal_dir", "journal")
	v.SetDefault("recorder.pipeline_size", 5)
	v.SetDefault("recorder.stall_after", "30s")
	v.SetDefault("subscription.all", true)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("PIMNOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("broker.token", "PIMNOTIFY_BROKER_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("recorder")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Interest converts the subscription section into subscriber state.
// Unknown type names are ignored; Validate reports them.
func (s SubscriptionConfig) Interest() *subscriber.State {
	st := subscriber.NewState()
	st.SetAllMonitored(s.All)
	for _, id := range s.Collections {
		st.SetCollectionMonitored(id, true)
	}
	for _, id := range s.Items {
		st.SetItemMonitored(id, true)
	}
	for _, id := range s.Tags {
		st.SetTagMonitored(id, true)
	}
	types, _ := ParseTypes(s.Types)
	for _, t := range types {
		st.SetTypeMonitored(t, true)
	}
	for _, r := range s.Resources {
		st.SetResourceMonitored(r, true)
	}
	for _, mt := range s.MimeTypes {
		st.SetMimeTypeMonitored(mt, true)
	}
	for _, session := range s.IgnoreSessions {
		st.SetSessionIgnored(session, true)
	}
	return st
}
