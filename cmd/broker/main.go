package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/bus"
	"github.com/dgnsrekt/pimnotify/internal/config"
	"github.com/dgnsrekt/pimnotify/internal/diag"
	"github.com/dgnsrekt/pimnotify/internal/monitor"
	"github.com/dgnsrekt/pimnotify/internal/server"
	"github.com/dgnsrekt/pimnotify/internal/store"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
	"github.com/dgnsrekt/pimnotify/internal/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	// Load config
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}
	diagCfg := diag.LoadConfig()
	if err := diagCfg.Validate(); err != nil {
		logger.Error("invalid diagnostics config", zap.Error(err))
		return 1
	}

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("broker", cfg.BrokerName),
		zap.String("overflowPolicy", cfg.OverflowPolicy),
		zap.Int("subscriberBuffer", cfg.SubscriberBuffer),
		zap.Bool("wsEnabled", cfg.WSEnabled),
		zap.Bool("eventsEnabled", cfg.EventsEnabled),
		zap.Bool("auditEnabled", cfg.AuditEnabled),
		zap.Bool("authRequired", cfg.AuthToken != ""),
	)

	policy, err := bus.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		logger.Error("invalid overflow policy", zap.Error(err))
		return 1
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(logger.Named("bus"))
	go b.Run(ctx)

	st := store.New(b, logger.Named("store"))

	var hub *ws.Hub
	if cfg.WSEnabled {
		hub = ws.NewHub(cfg.BrokerName, b, ws.HubOptions{
			BufferSize:   cfg.SubscriberBuffer,
			Policy:       policy,
			PingInterval: cfg.WSPingInterval,
			WriteTimeout: cfg.WSWriteTimeout,
		}, logger.Named("ws"))
		defer hub.Close()
	}

	var events *server.EventStream
	if cfg.EventsEnabled {
		events = server.NewEventStream(cfg.BrokerName, b, server.EventOptions{
			Heartbeat:  cfg.EventsHeartbeat,
			BufferSize: cfg.SubscriberBuffer,
			Policy:     policy,
		}, logger.Named("events"))
	}

	var auditDone chan error
	if cfg.AuditEnabled {
		audit := newAuditMonitor(b, st, diag.New(diagCfg, logger), logger.Named("audit"))
		auditDone = make(chan error, 1)
		go func() { auditDone <- audit.Run(ctx) }()
	}

	srv := server.NewServer(b, st, hub, events, cfg, logger)
	router, err := server.NewRouter(srv, logger)
	if err != nil {
		logger.Error("failed to create router", zap.Error(err))
		return 1
	}

	// Streaming endpoints outlive any write timeout, so only headers are
	// bounded.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Cancel context to stop the bus and streaming subscribers
	cancel()
	if auditDone != nil {
		<-auditDone
	}

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}

// newAuditMonitor logs every change the broker commits, resolved against
// the store.
func newAuditMonitor(b *bus.Bus, st *store.Store, tracer diag.Tracer, logger *zap.Logger) *monitor.Monitor {
	interest := subscriber.NewState()
	interest.SetAllMonitored(true)

	m := monitor.New(monitor.NewBusSource(b, bus.Options{Session: "audit"}), monitor.Fetchers{
		Collections: st.CollectionFetcher(),
		Items:       st.ItemFetcher(),
		Tags:        st.TagFetcher(),
	}, monitor.Options{
		Name:     "audit",
		Interest: interest,
		Tracer:   tracer,
		Logger:   logger,
	})
	m.AddHandlers(auditHandlers(logger))
	return m
}
