package server

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/bus"
	"github.com/dgnsrekt/pimnotify/internal/config"
	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/store"
	"github.com/dgnsrekt/pimnotify/internal/ws"
)

// maxChangeBody bounds request bodies on the validated API.
const maxChangeBody = 1 << 20

type Server struct {
	bus     *bus.Bus
	store   *store.Store
	hub     *ws.Hub
	events  *EventStream
	config  *config.ServerConfig
	logger  *zap.Logger
	started time.Time
}

// NewServer wires the HTTP surface of a broker. hub and events may be nil
// when the respective transport is disabled.
func NewServer(b *bus.Bus, st *store.Store, hub *ws.Hub, events *EventStream, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		bus:     b,
		store:   st,
		hub:     hub,
		events:  events,
		config:  cfg,
		logger:  logger,
		started: time.Now(),
	}
}

type healthResponse struct {
	Status      string         `json:"status"`
	Broker      string         `json:"broker"`
	Uptime      string         `json:"uptime"`
	Subscribers int            `json:"subscribers"`
	Connections int            `json:"connections"`
	Entities    map[string]int `json:"entities"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Broker:      s.config.BrokerName,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Subscribers: len(s.bus.Subscribers()),
		Entities:    s.store.Counts(),
	}
	if s.hub != nil {
		resp.Connections = len(s.hub.Connections())
	}
	writeJSON(w, http.StatusOK, resp)
}

type subscribersResponse struct {
	Broker      string        `json:"broker"`
	Subscribers []bus.Info    `json:"subscribers"`
	Connections []ws.ConnInfo `json:"connections"`
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	resp := subscribersResponse{
		Broker:      s.config.BrokerName,
		Subscribers: s.bus.Subscribers(),
		Connections: []ws.ConnInfo{},
	}
	if s.hub != nil {
		resp.Connections = s.hub.Connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	ids := queryIDs(r)
	writeJSON(w, http.StatusOK, map[string][]entity.Collection{
		"collections": sortedByID(s.store.Collections(ids)),
	})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	ids := queryIDs(r)
	writeJSON(w, http.StatusOK, map[string][]entity.Item{
		"items": sortedByID(s.store.Items(ids)),
	})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	ids := queryIDs(r)
	writeJSON(w, http.StatusOK, map[string][]entity.Tag{
		"tags": sortedByID(s.store.Tags(ids)),
	})
}

func (s *Server) handleRelations(w http.ResponseWriter, r *http.Request) {
	rels := s.store.Relations()
	if rels == nil {
		rels = []entity.Relation{}
	}
	writeJSON(w, http.StatusOK, map[string][]entity.Relation{"relations": rels})
}

type changesRequest struct {
	Session string         `json:"session"`
	Changes []store.Change `json:"changes"`
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var req changesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Session == "" {
		req.Session = r.Header.Get("X-Session-Id")
	}

	result, err := s.store.Apply(req.Session, req.Changes)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, store.ErrInvalidChange):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.logger.Error("applying changes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Debug("changes applied",
		zap.String("session", req.Session),
		zap.Int("changes", len(req.Changes)),
		zap.Int("created", len(result.Created)),
	)
	writeJSON(w, http.StatusOK, result)
}

// queryIDs reads the repeated "id" query parameter. The request validator
// has already checked that it is present and numeric.
func queryIDs(r *http.Request) []int64 {
	raw := r.URL.Query()["id"]
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func sortedByID[T any](m map[int64]T) []T {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
