package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/bus"
	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

// EventStream serves bus notifications as server-sent events. Each client
// gets its own bus subscriber, declared from query parameters.
type EventStream struct {
	name       string
	bus        *bus.Bus
	heartbeat  time.Duration
	bufferSize int
	policy     bus.OverflowPolicy
	logger     *zap.Logger

	mu       sync.Mutex
	sequence uint64
}

// EventOptions configure an EventStream.
type EventOptions struct {
	Heartbeat  time.Duration
	BufferSize int
	Policy     bus.OverflowPolicy
}

func NewEventStream(name string, b *bus.Bus, opts EventOptions, logger *zap.Logger) *EventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &EventStream{
		name:       name,
		bus:        b,
		heartbeat:  opts.Heartbeat,
		bufferSize: opts.BufferSize,
		policy:     opts.Policy,
		logger:     logger,
	}
}

type helloEvent struct {
	Broker       string              `json:"broker"`
	Subscriber   string              `json:"subscriber"`
	Session      string              `json:"session,omitempty"`
	Subscription subscriber.Snapshot `json:"subscription"`
}

// HandleSSE streams notifications matching the interest declared in the
// query: all, collection, item, tag, type, resource, mimetype and
// ignore_session. The session parameter names the subscriber's own session.
func (es *EventStream) HandleSSE(w http.ResponseWriter, r *http.Request) {
	interest, err := interestFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	session := r.URL.Query().Get("session")
	sub, err := es.bus.Subscribe(r.Context(), interest, bus.Options{
		Session:    session,
		BufferSize: es.bufferSize,
		Policy:     es.policy,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer es.bus.Unsubscribe(sub)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	es.logger.Info("event client connected",
		zap.String("subscriber", sub.ID()),
		zap.String("session", session),
		zap.String("remote_addr", r.RemoteAddr),
	)

	hello := helloEvent{
		Broker:       es.name,
		Subscriber:   sub.ID(),
		Session:      session,
		Subscription: interest.Snapshot(),
	}
	if err := es.sendEvent(w, flusher, "hello", hello); err != nil {
		es.logger.Error("failed to send hello", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(es.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			es.logger.Info("event client disconnected", zap.String("subscriber", sub.ID()))
			return

		case msg, ok := <-sub.C():
			if !ok {
				_ = es.sendEvent(w, flusher, "closed", map[string]string{"reason": "subscription dropped"})
				return
			}
			batch := []notification.Message{msg}
		drain:
			for len(batch) < 64 {
				select {
				case next, ok := <-sub.C():
					if !ok {
						break drain
					}
					batch = append(batch, next)
				default:
					break drain
				}
			}
			if err := es.sendEvent(w, flusher, "notifications", batch); err != nil {
				es.logger.Debug("failed to write to client", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (es *EventStream) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	eventData, err := es.formatEvent(eventType, data)
	if err != nil {
		return err
	}
	if _, err := w.Write(eventData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (es *EventStream) formatEvent(eventType string, data any) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	es.mu.Lock()
	es.sequence++
	seq := es.sequence
	es.mu.Unlock()

	event := fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", eventType, seq, jsonData)
	return []byte(event), nil
}

func interestFromQuery(r *http.Request) (*subscriber.State, error) {
	q := r.URL.Query()
	state := subscriber.NewState()

	if all := q.Get("all"); all != "" {
		on, err := strconv.ParseBool(all)
		if err != nil {
			return nil, fmt.Errorf("invalid all %q", all)
		}
		state.SetAllMonitored(on)
	}

	idParams := []struct {
		key string
		set func(int64, bool) bool
	}{
		{"collection", state.SetCollectionMonitored},
		{"item", state.SetItemMonitored},
		{"tag", state.SetTagMonitored},
	}
	for _, p := range idParams {
		for _, raw := range q[p.key] {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q", p.key, raw)
			}
			p.set(id, true)
		}
	}

	for _, raw := range q["type"] {
		t, err := notification.ParseType(raw)
		if err != nil {
			return nil, err
		}
		state.SetTypeMonitored(t, true)
	}
	for _, res := range q["resource"] {
		state.SetResourceMonitored(res, true)
	}
	for _, mt := range q["mimetype"] {
		state.SetMimeTypeMonitored(mt, true)
	}
	for _, session := range q["ignore_session"] {
		state.SetSessionIgnored(session, true)
	}
	return state, nil
}
