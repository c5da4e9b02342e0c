package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/diag"
	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/fetch"
	"github.com/dgnsrekt/pimnotify/internal/journal"
	"github.com/dgnsrekt/pimnotify/internal/monitor"
	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/wire"
	"github.com/dgnsrekt/pimnotify/internal/ws"
)

// replayTimeout is how long a replayed change may stay unconfirmed before
// it is requested again.
const replayTimeout = time.Minute

func watchCmd() *cobra.Command {
	var recordOnly bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Record changes from the broker and replay them in order",
		Long: `Subscribe to the broker and record every matching change in the
journal. Recorded changes are replayed one at a time and removed from the
journal once logged, so nothing is lost across restarts.

Examples:
  # Record and replay
  pimnotify-recorder watch

  # Only record; replay later
  pimnotify-recorder watch --record-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), recordOnly)
		},
	}

	cmd.Flags().BoolVar(&recordOnly, "record-only", false, "record changes without replaying them")
	return cmd
}

func runWatch(ctx context.Context, recordOnly bool) error {
	j, err := journal.Open(cfg.Recorder.JournalDir, cfg.Recorder.Name, logger)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Warn("closing journal", zap.Error(err))
		}
	}()

	subprotocol, err := wire.SubprotocolFor(cfg.Broker.Encoding)
	if err != nil {
		return err
	}
	client := ws.NewClient(cfg.Broker.URL, ws.ClientOptions{
		Subprotocol:      subprotocol,
		Session:          cfg.Recorder.Session,
		Token:            cfg.Broker.Token,
		RetryCount:       -1,
		RetryDelay:       time.Duration(cfg.Broker.RetryDelay) * time.Second,
		HandshakeTimeout: time.Duration(cfg.Broker.TimeoutSec) * time.Second,
		Logger:           logger.Named("ws"),
	})

	baseURL, err := fetch.BaseURL(cfg.Broker.URL)
	if err != nil {
		return err
	}
	fetcher := fetch.NewClient(
		baseURL,
		cfg.Broker.Token,
		cfg.Broker.RatePerSecond,
		time.Duration(cfg.Broker.TimeoutSec)*time.Second,
		time.Duration(cfg.Broker.RetryDelay)*time.Second,
		cfg.Broker.RetryCount,
		logger.Named("fetch"),
	)

	diagCfg := diag.LoadConfig()
	if err := diagCfg.Validate(); err != nil {
		return err
	}

	rec := monitor.NewChangeRecorder(client, monitor.Fetchers{
		Collections: fetcher.CollectionFetcher(),
		Items:       fetcher.ItemFetcher(),
		Tags:        fetcher.TagFetcher(),
	}, j, monitor.Options{
		Name:         cfg.Recorder.Name,
		PipelineSize: cfg.Recorder.PipelineSize,
		StallAfter:   cfg.Recorder.StallAfter,
		Interest:     cfg.Subscription.Interest(),
		Tracer:       diag.New(diagCfg, logger),
		Logger:       logger.Named("recorder"),
	})

	r := &replayer{rec: rec, logger: logger}
	if !recordOnly {
		rec.AddHandlers(replayHandlers(logger))
		rec.AddRecorderHandlers(monitor.RecorderHandlers{
			ChangesAdded:    r.next,
			NothingToReplay: r.idle,
			ChangeReplayed:  r.done,
		})
		rec.ReplayNext()
		r.busy = true
		r.since = time.Now()
		go r.watchdog(ctx)
	}

	logger.Info("watching broker",
		zap.String("broker", cfg.Broker.URL),
		zap.String("journal", j.Path()),
		zap.Bool("recordOnly", recordOnly),
	)

	err = rec.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	stats := rec.Stats()
	logger.Info("recorder stopped",
		zap.Int("replayed", r.replayed),
		zap.Int("pending", stats.Pending),
	)
	return err
}

// replayer asks for one recorded change at a time. Its fields are only
// touched on the recorder's goroutine.
type replayer struct {
	rec      *monitor.ChangeRecorder
	logger   *zap.Logger
	busy     bool
	since    time.Time
	replayed int
}

func (r *replayer) next() {
	if r.busy {
		return
	}
	r.busy = true
	r.since = time.Now()
	r.rec.ReplayNext()
}

func (r *replayer) done(notification.Message) {
	r.replayed++
	r.busy = false
	r.rec.ChangeProcessed()
	r.next()
}

func (r *replayer) idle() {
	r.busy = false
}

// watchdog re-requests a change whose data never arrived.
func (r *replayer) watchdog(ctx context.Context) {
	ticker := time.NewTicker(replayTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.rec.Do(ctx, func() {
				if r.busy && time.Since(r.since) > replayTimeout {
					r.logger.Warn("replayed change not confirmed, retrying")
					r.busy = false
					r.next()
				}
			})
			if err != nil {
				return
			}
		}
	}
}

func itemIDs(items []entity.Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

// replayHandlers log each replayed change.
func replayHandlers(logger *zap.Logger) monitor.Handlers {
	return monitor.Handlers{
		ItemAdded: func(item entity.Item, col entity.Collection) {
			logger.Info("item added", zap.Int64("item", item.ID), zap.Int64("collection", col.ID), zap.String("mimeType", item.MimeType))
		},
		ItemChanged: func(item entity.Item, parts []string) {
			logger.Info("item changed", zap.Int64("item", item.ID), zap.Strings("parts", parts))
		},
		ItemsFlagsChanged: func(items []entity.Item, added, removed []string) {
			logger.Info("flags changed", zap.Int64s("items", itemIDs(items)), zap.Strings("added", added), zap.Strings("removed", removed))
		},
		ItemsTagsChanged: func(items []entity.Item, added, removed []entity.Tag) {
			logger.Info("tags changed", zap.Int64s("items", itemIDs(items)), zap.Int("added", len(added)), zap.Int("removed", len(removed)))
		},
		ItemsMoved: func(items []entity.Item, src, dst entity.Collection) {
			logger.Info("items moved", zap.Int64s("items", itemIDs(items)), zap.Int64("from", src.ID), zap.Int64("to", dst.ID))
		},
		ItemsRemoved: func(items []entity.Item) {
			logger.Info("items removed", zap.Int64s("items", itemIDs(items)))
		},
		ItemsLinked: func(items []entity.Item, col entity.Collection) {
			logger.Info("items linked", zap.Int64s("items", itemIDs(items)), zap.Int64("collection", col.ID))
		},
		ItemsUnlinked: func(items []entity.Item, col entity.Collection) {
			logger.Info("items unlinked", zap.Int64s("items", itemIDs(items)), zap.Int64("collection", col.ID))
		},
		CollectionAdded: func(col, parent entity.Collection) {
			logger.Info("collection added", zap.Int64("collection", col.ID), zap.String("name", col.Name), zap.Int64("parent", parent.ID))
		},
		CollectionChanged: func(col entity.Collection, attributes []string) {
			logger.Info("collection changed", zap.Int64("collection", col.ID), zap.Strings("attributes", attributes))
		},
		CollectionMoved: func(col, src, dst entity.Collection) {
			logger.Info("collection moved", zap.Int64("collection", col.ID), zap.Int64("from", src.ID), zap.Int64("to", dst.ID))
		},
		CollectionRemoved: func(col entity.Collection) {
			logger.Info("collection removed", zap.Int64("collection", col.ID))
		},
		CollectionSubscribed: func(col, _ entity.Collection) {
			logger.Info("collection subscribed", zap.Int64("collection", col.ID))
		},
		CollectionUnsubscribed: func(col entity.Collection) {
			logger.Info("collection unsubscribed", zap.Int64("collection", col.ID))
		},
		TagAdded: func(tag entity.Tag) {
			logger.Info("tag added", zap.Int64("tag", tag.ID), zap.String("gid", tag.GID))
		},
		TagChanged: func(tag entity.Tag) {
			logger.Info("tag changed", zap.Int64("tag", tag.ID))
		},
		TagRemoved: func(tag entity.Tag) {
			logger.Info("tag removed", zap.Int64("tag", tag.ID))
		},
		RelationAdded: func(rel entity.Relation) {
			logger.Info("relation added", zap.Int64("left", rel.Left), zap.Int64("right", rel.Right))
		},
		RelationRemoved: func(rel entity.Relation) {
			logger.Info("relation removed", zap.Int64("left", rel.Left), zap.Int64("right", rel.Right))
		},
	}
}
