// Package fetch resolves entity ids against a broker's HTTP API. It backs the
// entity caches of monitors that live outside the broker process.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/entitycache"
)

// MaxBatch bounds the ids sent in one request.
const MaxBatch = 100

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewClient(baseURL, token string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// BaseURL derives the HTTP API root from a broker websocket URL.
func BaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing broker url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	return u.String(), nil
}

func (c *HTTPClient) Collections(ctx context.Context, ids []int64) (map[int64]entity.Collection, error) {
	return fetchAll(ctx, c, "collections", ids, func(col entity.Collection) int64 { return col.ID })
}

func (c *HTTPClient) Items(ctx context.Context, ids []int64) (map[int64]entity.Item, error) {
	return fetchAll(ctx, c, "items", ids, func(item entity.Item) int64 { return item.ID })
}

func (c *HTTPClient) Tags(ctx context.Context, ids []int64) (map[int64]entity.Tag, error) {
	return fetchAll(ctx, c, "tags", ids, func(tag entity.Tag) int64 { return tag.ID })
}

func (c *HTTPClient) CollectionFetcher() entitycache.Fetcher[entity.Collection] {
	return entitycache.FetcherFunc[entity.Collection](c.Collections)
}

func (c *HTTPClient) ItemFetcher() entitycache.Fetcher[entity.Item] {
	return entitycache.FetcherFunc[entity.Item](c.Items)
}

func (c *HTTPClient) TagFetcher() entitycache.Fetcher[entity.Tag] {
	return entitycache.FetcherFunc[entity.Tag](c.Tags)
}

// fetchAll requests ids in chunks of MaxBatch. Ids the broker does not know
// are simply absent from the result.
func fetchAll[T any](ctx context.Context, c *HTTPClient, kind string, ids []int64, idOf func(T) int64) (map[int64]T, error) {
	out := make(map[int64]T, len(ids))
	for start := 0; start < len(ids); start += MaxBatch {
		end := min(start+MaxBatch, len(ids))
		var found []T
		if err := c.get(ctx, kind, ids[start:end], &found); err != nil {
			return nil, err
		}
		for _, v := range found {
			out[idOf(v)] = v
		}
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, kind string, ids []int64, dest any) error {
	if len(ids) == 0 {
		return nil
	}

	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	query := url.Values{}
	for _, id := range ids {
		query.Add("id", strconv.FormatInt(id, 10))
	}
	reqURL := fmt.Sprintf("%s/v1/%s?%s", c.baseURL, kind, query.Encode())
	c.logger.Debug("fetching", zap.String("kind", kind), zap.Int("ids", len(ids)))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return ErrAuthFailed
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		raw, ok := envelope[kind]
		if !ok {
			return fmt.Errorf("decoding response: missing %q", kind)
		}
		if err := json.Unmarshal(raw, dest); err != nil {
			return fmt.Errorf("decoding %s: %w", kind, err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
