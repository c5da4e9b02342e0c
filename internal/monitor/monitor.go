// Package monitor turns the notifications of one subscription into resolved
// change events for local handlers.
//
// A Monitor keeps a pending queue and a small head-of-line pipeline. A
// notification only leaves the pipeline once every entity it refers to is in
// the monitor's caches, and never before the notifications queued ahead of
// it, so handlers see changes in the order they happened.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/diag"
	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/entitycache"
	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

const (
	DefaultPipelineSize = 5
	DefaultStallAfter   = 30 * time.Second
)

// maxBurst bounds how many ready notifications are taken from the source
// before other events get a turn.
const maxBurst = 64

var (
	ErrSourceClosed   = errors.New("notification source closed")
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrStopped        = errors.New("monitor stopped")
)

// Fetchers resolve entity ids. A nil fetcher disables fetching for that
// kind; events then carry only what the notification itself holds.
type Fetchers struct {
	Collections entitycache.Fetcher[entity.Collection]
	Items       entitycache.Fetcher[entity.Item]
	Tags        entitycache.Fetcher[entity.Tag]
}

// Options configure a Monitor.
type Options struct {
	// Name identifies the monitor in logs and diagnostics.
	Name string
	// PipelineSize bounds how many notifications may wait for data at once.
	PipelineSize int
	// StallAfter is how long the pipeline head may wait before a stall is
	// reported. Negative disables stall reports.
	StallAfter time.Duration
	// Interest is the initial subscription. It is copied.
	Interest *subscriber.State
	Tracer   diag.Tracer
	Logger   *zap.Logger
}

// Stats is a point-in-time view of the queues.
type Stats struct {
	Pending  int `json:"pending"`
	Pipeline int `json:"pipeline"`
}

// persistence is told about queue changes. The plain monitor keeps nothing.
type persistence interface {
	enqueued(n int)
	erased()
	emitted(msg notification.Message, listened bool)
}

type volatile struct{}

func (volatile) enqueued(int) {}
func (volatile) erased() {}
func (volatile) emitted(notification.Message, bool) {}

// Monitor delivers the changes of one subscription to its handlers.
//
// All state is owned by the goroutine running Run. Methods other than Do
// and Stats queue their work for that goroutine and return at once.
type Monitor struct {
	name         string
	source       Source
	logger       *zap.Logger
	tracer       diag.Tracer
	stallAfter   time.Duration
	pipelineSize int
	hooks        persistence

	state    *subscriber.State
	handlers handlerSet
	pending  []notification.Message
	pipeline []notification.Message

	collections *entitycache.Cache[entity.Collection]
	items       *entitycache.Cache[entity.Item]
	tags        *entitycache.Cache[entity.Tag]

	headSince    time.Time
	headReported bool

	inBurst       bool
	enqueuedCount int

	ctx context.Context

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}
	closing chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	started   atomic.Bool

	countsMu      sync.Mutex
	pendingCount  int
	pipelineCount int
	// releasing counts dequeues requested by callers that the loop has not
	// applied yet.
	releasing int
}

// New creates a monitor reading from src. Call Run to start it.
func New(src Source, fetchers Fetchers, opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = diag.Noop{}
	}
	if opts.PipelineSize <= 0 {
		opts.PipelineSize = DefaultPipelineSize
	}
	if opts.StallAfter == 0 {
		opts.StallAfter = DefaultStallAfter
	}
	state := subscriber.NewState()
	if opts.Interest != nil {
		state = opts.Interest.Clone()
	}

	logger := opts.Logger.With(zap.String("monitor", opts.Name))
	m := &Monitor{
		name:         opts.Name,
		source:       src,
		logger:       logger,
		tracer:       opts.Tracer,
		stallAfter:   opts.StallAfter,
		pipelineSize: opts.PipelineSize,
		hooks:        volatile{},
		state:        state,
		ctx:          context.Background(),
		wake:         make(chan struct{}, 1),
		closing:      make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	size := opts.PipelineSize
	if fetchers.Collections != nil {
		m.collections = entitycache.New("collections", 3*size, fetchers.Collections, logger)
	}
	if fetchers.Items != nil {
		m.items = entitycache.New("items", size, fetchers.Items, logger)
	}
	if fetchers.Tags != nil {
		m.tags = entitycache.New("tags", size, fetchers.Tags, logger)
	}
	return m
}

func (m *Monitor) Name() string { return m.name }

// Run subscribes to the source and processes events until ctx is done,
// Close is called, or the source closes. Outstanding fetches are abandoned
// on return; nothing is emitted for them.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.stopped)
	defer m.closeCaches()

	m.ctx = ctx
	msgs, err := m.source.Subscribe(ctx, m.state.Snapshot())
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer func() {
		if err := m.source.Close(); err != nil {
			m.logger.Warn("closing source failed", zap.Error(err))
		}
	}()

	var tick <-chan time.Time
	if m.stallAfter > 0 {
		interval := m.stallAfter / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	m.logger.Info("monitor started",
		zap.Int("pipeline_size", m.pipelineSize),
		zap.Int("pending", len(m.pending)),
	)
	m.runQueued()
	m.publishCounts()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor shutting down")
			return nil

		case <-m.closing:
			m.logger.Info("monitor closed")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return ErrSourceClosed
			}
			if m.notifyBurst(msg, msgs) {
				return ErrSourceClosed
			}

		case b := <-results(m.collections):
			if m.collections.Process(b) {
				m.dataAvailable()
			}

		case b := <-results(m.items):
			if m.items.Process(b) {
				m.dataAvailable()
			}

		case b := <-results(m.tags):
			if m.tags.Process(b) {
				m.dataAvailable()
			}

		case <-m.wake:
			m.runQueued()

		case now := <-tick:
			m.checkStall(now)
		}
		m.publishCounts()
	}
}

func results[T any](c *entitycache.Cache[T]) <-chan entitycache.Batch[T] {
	if c == nil {
		return nil
	}
	return c.Results()
}

func (m *Monitor) closeCaches() {
	if m.collections != nil {
		m.collections.Close()
	}
	if m.items != nil {
		m.items.Close()
	}
	if m.tags != nil {
		m.tags.Close()
	}
}

// Close stops a running monitor and waits for Run to return.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.closing) })
	if m.started.Load() {
		<-m.stopped
	}
}

// notifyBurst handles msg together with whatever the source has ready
// behind it, so persistence hears about the burst once. It reports whether
// the source closed.
func (m *Monitor) notifyBurst(msg notification.Message, msgs <-chan notification.Message) (closed bool) {
	m.inBurst = true
	defer func() {
		m.inBurst = false
		m.flushEnqueued()
	}()
	m.notify(msg)
	for range maxBurst - 1 {
		select {
		case next, ok := <-msgs:
			if !ok {
				return true
			}
			m.notify(next)
		default:
			return false
		}
	}
	return false
}

func (m *Monitor) flushEnqueued() {
	if m.enqueuedCount == 0 {
		return
	}
	n := m.enqueuedCount
	m.enqueuedCount = 0
	m.hooks.enqueued(n)
}

// post queues fn for the monitor goroutine.
func (m *Monitor) post(fn func()) {
	m.queueMu.Lock()
	m.queue = append(m.queue, fn)
	m.queueMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// runQueued runs the work queued so far. Work queued while it runs waits for
// the next wake-up so source events can interleave.
func (m *Monitor) runQueued() {
	m.queueMu.Lock()
	queued := m.queue
	m.queue = nil
	m.queueMu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// Do runs fn on the monitor goroutine and waits for it. It must not be
// called from a handler.
func (m *Monitor) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	m.post(func() {
		fn()
		m.publishCounts()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) publishCounts() {
	m.countsMu.Lock()
	m.pendingCount = len(m.pending)
	m.pipelineCount = len(m.pipeline)
	m.countsMu.Unlock()
}

// requestRelease records a dequeue a caller asked for before the loop gets
// to it.
func (m *Monitor) requestRelease() {
	m.countsMu.Lock()
	m.releasing++
	m.countsMu.Unlock()
}

// releaseApplied publishes the counts after a requested dequeue ran.
func (m *Monitor) releaseApplied() {
	m.countsMu.Lock()
	m.releasing--
	m.pendingCount = len(m.pending)
	m.pipelineCount = len(m.pipeline)
	m.countsMu.Unlock()
}

// Stats returns the queue lengths as of the last processed event. Changes
// confirmed with ChangeProcessed count as gone right away.
func (m *Monitor) Stats() Stats {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	return Stats{
		Pending:  max(m.pendingCount-m.releasing, 0),
		Pipeline: m.pipelineCount,
	}
}

// AddHandlers registers h. Handlers added later are called after earlier
// ones.
func (m *Monitor) AddHandlers(h Handlers) {
	m.post(func() {
		m.handlers = append(m.handlers, h)
	})
}

// Modify changes the subscription, forwards the change to the source and
// drops queued notifications that no longer match.
func (m *Monitor) Modify(cmd subscriber.Command) {
	if cmd.IsEmpty() {
		return
	}
	m.post(func() { m.applyModify(cmd) })
}

func (m *Monitor) applyModify(cmd subscriber.Command) {
	if !m.state.Modify(cmd, m.logger) {
		return
	}
	if err := m.source.Modify(m.ctx, cmd); err != nil {
		m.logger.Warn("forwarding subscription change failed", zap.Error(err))
	}
	m.cleanOldNotifications()
}

func (m *Monitor) SetAllMonitored(on bool) {
	m.Modify(subscriber.Command{AllMonitored: &on})
}

func (m *Monitor) SetCollectionMonitored(id int64, on bool) {
	if on {
		m.Modify(subscriber.Command{StartCollections: []int64{id}})
		return
	}
	m.Modify(subscriber.Command{StopCollections: []int64{id}})
}

func (m *Monitor) SetItemMonitored(id int64, on bool) {
	if on {
		m.Modify(subscriber.Command{StartItems: []int64{id}})
		return
	}
	m.Modify(subscriber.Command{StopItems: []int64{id}})
}

func (m *Monitor) SetTagMonitored(id int64, on bool) {
	if on {
		m.Modify(subscriber.Command{StartTags: []int64{id}})
		return
	}
	m.Modify(subscriber.Command{StopTags: []int64{id}})
}

func (m *Monitor) SetTypeMonitored(t notification.Type, on bool) {
	if on {
		m.Modify(subscriber.Command{StartTypes: []notification.Type{t}})
		return
	}
	m.Modify(subscriber.Command{StopTypes: []notification.Type{t}})
}

func (m *Monitor) SetResourceMonitored(resource string, on bool) {
	if on {
		m.Modify(subscriber.Command{StartResources: []string{resource}})
		return
	}
	m.Modify(subscriber.Command{StopResources: []string{resource}})
}

func (m *Monitor) SetMimeTypeMonitored(mimeType string, on bool) {
	if on {
		m.Modify(subscriber.Command{StartMimeTypes: []string{mimeType}})
		return
	}
	m.Modify(subscriber.Command{StopMimeTypes: []string{mimeType}})
}

// IgnoreSession drops changes made by session.
func (m *Monitor) IgnoreSession(session string) {
	m.Modify(subscriber.Command{StartSessions: []string{session}})
}
