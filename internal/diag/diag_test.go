package diag

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

type capturedAlert struct {
	path  string
	title string
	tags  string
	prio  string
	auth  string
	body  string
}

func alertServer(t *testing.T) (*httptest.Server, func() []capturedAlert) {
	t.Helper()
	var mu sync.Mutex
	var alerts []capturedAlert

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		alerts = append(alerts, capturedAlert{
			path:  r.URL.Path,
			title: r.Header.Get("Title"),
			tags:  r.Header.Get("Tags"),
			prio:  r.Header.Get("Priority"),
			auth:  r.Header.Get("Authorization"),
			body:  string(body),
		})
		mu.Unlock()
	}))
	t.Cleanup(server.Close)

	return server, func() []capturedAlert {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedAlert(nil), alerts...)
	}
}

func stall() Stall {
	return Stall{
		Monitor: "kmail",
		Message: notification.Message{
			Type:             notification.TypeItem,
			Operation:        notification.OpAdd,
			Entities:         []notification.Entity{{ID: 12}},
			ParentCollection: 4,
		},
		Waiting:  90 * time.Second,
		Pipeline: 5,
		Pending:  40,
	}
}

func TestClientSendsStallAlert(t *testing.T) {
	server, alerts := alertServer(t)

	cfg := &Config{Enabled: true, Server: server.URL + "/", Topic: "pim", Priority: "default", Tags: "mailbox", Token: "secret"}
	logger, _ := zap.NewDevelopment()
	c := NewClient(cfg, logger)

	c.PipelineStalled(context.Background(), stall())

	got := alerts()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	a := got[0]
	if a.path != "/pim" {
		t.Errorf("unexpected path %s", a.path)
	}
	if a.title != "Pipeline Stalled: kmail" {
		t.Errorf("unexpected title %q", a.title)
	}
	if a.tags != "mailbox,hourglass" {
		t.Errorf("unexpected tags %q", a.tags)
	}
	if a.auth != "Bearer secret" {
		t.Errorf("unexpected auth %q", a.auth)
	}
	if !strings.Contains(a.body, "Entities: [12]") || !strings.Contains(a.body, "Waiting: 1m30s") {
		t.Errorf("unexpected body:\n%s", a.body)
	}
}

func TestClientThrottlesRepeatedAlerts(t *testing.T) {
	server, alerts := alertServer(t)

	cfg := &Config{Enabled: true, Server: server.URL, Topic: "pim", Priority: "default", MinInterval: time.Minute}
	c := NewClient(cfg, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.PipelineStalled(context.Background(), stall())
	c.PipelineStalled(context.Background(), stall())
	c.JournalDegraded(context.Background(), "agent", errors.New("disk full"))

	now = now.Add(2 * time.Minute)
	c.PipelineStalled(context.Background(), stall())

	got := alerts()
	if len(got) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(got))
	}
	if got[1].prio != "high" || !strings.Contains(got[1].body, "disk full") {
		t.Errorf("unexpected journal alert %+v", got[1])
	}
}

func TestDisabledClientSendsNothing(t *testing.T) {
	server, alerts := alertServer(t)

	c := NewClient(&Config{Server: server.URL, Topic: "pim"}, nil)
	c.PipelineStalled(context.Background(), stall())

	if n := len(alerts()); n != 0 {
		t.Fatalf("expected no alerts, got %d", n)
	}
}

func TestNewPicksTracer(t *testing.T) {
	if _, ok := New(&Config{}, nil).(*Log); !ok {
		t.Error("disabled config should only log")
	}
	multi, ok := New(&Config{Enabled: true, Topic: "x"}, nil).(Multi)
	if !ok || len(multi) != 2 {
		t.Errorf("enabled config should log and alert, got %T", multi)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"missing topic", Config{Enabled: true, Priority: "default"}, true},
		{"bad priority", Config{Enabled: true, Topic: "t", Priority: "loud"}, true},
		{"negative interval", Config{Enabled: true, Topic: "t", Priority: "low", MinInterval: -time.Second}, true},
		{"valid", Config{Enabled: true, Topic: "t", Priority: "urgent"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NTFY_ENABLED", "true")
	t.Setenv("NTFY_TOPIC", "pim-alerts")
	t.Setenv("NTFY_MIN_INTERVAL", "30s")

	cfg := LoadConfig()
	if !cfg.Enabled || cfg.Topic != "pim-alerts" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.MinInterval != 30*time.Second {
		t.Errorf("expected 30s interval, got %s", cfg.MinInterval)
	}
	if cfg.Server != "https://ntfy.sh" {
		t.Errorf("expected default server, got %s", cfg.Server)
	}
}
