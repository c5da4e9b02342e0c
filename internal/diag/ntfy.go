package diag

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client pushes diagnostics to an ntfy topic.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config:   cfg,
		logger:   logger,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// PipelineStalled alerts about a stalled monitor.
func (c *Client) PipelineStalled(ctx context.Context, s Stall) {
	if !c.allow("stall:" + s.Monitor) {
		return
	}
	title := fmt.Sprintf("Pipeline Stalled: %s", s.Monitor)
	_ = c.send(ctx, title, FormatStallMessage(s), c.config.Tags+",hourglass", c.config.Priority)
}

// JournalDegraded alerts that a recorder lost durability.
func (c *Client) JournalDegraded(ctx context.Context, journal string, err error) {
	if !c.allow("journal:" + journal) {
		return
	}
	title := fmt.Sprintf("Journal Degraded: %s", journal)
	_ = c.send(ctx, title, FormatJournalMessage(journal, err), c.config.Tags+",warning", "high")
}

func (c *Client) allow(key string) bool {
	if !c.config.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.lastSent[key]; ok && now.Sub(last) < c.config.MinInterval {
		return false
	}
	c.lastSent[key] = now
	return true
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send alert", zap.Error(err))
		return fmt.Errorf("sending alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("alert rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("alert failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("alert sent", zap.String("title", title))
	return nil
}
