package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig is the broker configuration, read from the environment.
type ServerConfig struct {
	Port       string
	BrokerName string
	// AuthToken, when set, is required as a bearer token on API and
	// websocket requests.
	AuthToken string
	// Subscriber queues
	OverflowPolicy   string // "disconnect" or "drop-oldest"
	SubscriberBuffer int
	// WebSocket configuration
	WSEnabled      bool
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	// Server-sent events
	EventsEnabled   bool
	EventsHeartbeat time.Duration
	// AuditEnabled runs an in-process monitor that logs every change.
	AuditEnabled bool
}

func LoadServerConfig() (*ServerConfig, error) {
	// Get default broker name from hostname
	brokerName := getEnvOrDefault("BROKER_NAME", "")
	if brokerName == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			brokerName = hostname
		} else {
			brokerName = "pimnotify"
		}
	}

	cfg := &ServerConfig{
		Port:             getEnvOrDefault("PORT", "8080"),
		BrokerName:       brokerName,
		AuthToken:        os.Getenv("AUTH_TOKEN"),
		OverflowPolicy:   getEnvOrDefault("OVERFLOW_POLICY", "disconnect"),
		SubscriberBuffer: getEnvIntOrDefault("SUBSCRIBER_BUFFER", 256),
		WSEnabled:        getEnvBoolOrDefault("WS_ENABLED", true),
		WSPingInterval:   getEnvDurationOrDefault("WS_PING_INTERVAL", 30*time.Second),
		WSWriteTimeout:   getEnvDurationOrDefault("WS_WRITE_TIMEOUT", 10*time.Second),
		EventsEnabled:    getEnvBoolOrDefault("EVENTS_ENABLED", true),
		EventsHeartbeat:  getEnvDurationOrDefault("EVENTS_HEARTBEAT", 15*time.Second),
		AuditEnabled:     getEnvBoolOrDefault("AUDIT_ENABLED", false),
	}

	// Validate
	if !ValidOverflowPolicies[cfg.OverflowPolicy] {
		return nil, fmt.Errorf("invalid OVERFLOW_POLICY: %s (must be 'disconnect' or 'drop-oldest')", cfg.OverflowPolicy)
	}
	if cfg.SubscriberBuffer < 1 {
		return nil, fmt.Errorf("invalid SUBSCRIBER_BUFFER: %d (must be >= 1)", cfg.SubscriberBuffer)
	}
	if cfg.WSWriteTimeout <= 0 {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %s (must be positive)", cfg.WSWriteTimeout)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return b
}

// Falls back to the default on parse errors.
func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return d
}
