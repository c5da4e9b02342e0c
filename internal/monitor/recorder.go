package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/journal"
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// RecorderHandlers receive replay control events.
type RecorderHandlers struct {
	// ChangesAdded fires once per burst of source notifications that grew
	// the queue while recording.
	ChangesAdded func()
	// NothingToReplay answers ReplayNext on an empty queue.
	NothingToReplay func()
	// ChangeReplayed fires once the handlers have seen a replayed change,
	// however many handler calls it took. Confirm it with ChangeProcessed.
	ChangeReplayed func(msg notification.Message)
}

// ChangeRecorder is a Monitor whose queue survives restarts. While recording
// it emits nothing on its own: the consumer pulls one change at a time with
// ReplayNext and confirms it with ChangeProcessed, and only then is the
// change dropped from the journal.
type ChangeRecorder struct {
	*Monitor

	journal      *journal.Journal
	recording    bool
	recordingOn  atomic.Bool
	dispatchSize int

	needFullSave bool
	startOffset  uint64
	degraded     bool

	recorderHandlers []RecorderHandlers
}

// NewChangeRecorder creates a recorder persisting to j and loads the queue
// j holds. A nil journal keeps the queue in memory only.
func NewChangeRecorder(src Source, fetchers Fetchers, j *journal.Journal, opts Options) *ChangeRecorder {
	m := New(src, fetchers, opts)
	r := &ChangeRecorder{
		Monitor:      m,
		journal:      j,
		recording:    true,
		dispatchSize: m.pipelineSize,
	}
	r.recordingOn.Store(true)
	m.hooks = r
	m.pipelineSize = 0
	r.load()
	m.publishCounts()
	return r
}

func (r *ChangeRecorder) load() {
	if r.journal == nil {
		r.needFullSave = true
		return
	}
	c, err := r.journal.Load()
	if err != nil {
		r.degrade(fmt.Errorf("loading journal: %w", err))
		r.needFullSave = true
		return
	}
	r.Monitor.pending = c.Messages
	r.needFullSave = c.NeedsFullSave
	r.startOffset = 0
	r.logger.Info("change journal loaded",
		zap.Int("pending", len(c.Messages)),
		zap.Bool("needs_full_save", c.NeedsFullSave),
	)
}

// AddRecorderHandlers registers replay control handlers.
func (r *ChangeRecorder) AddRecorderHandlers(h RecorderHandlers) {
	r.post(func() {
		r.recorderHandlers = append(r.recorderHandlers, h)
	})
}

// ReplayNext emits the oldest recorded change, or NothingToReplay when the
// queue is empty. The change stays queued until ChangeProcessed.
func (r *ChangeRecorder) ReplayNext() {
	r.post(r.replayNext)
}

// ChangeProcessed drops the change delivered by the last ReplayNext. The
// queue is written by the monitor goroutine, but IsEmpty and Stats reflect
// the drop as soon as ChangeProcessed returns.
func (r *ChangeRecorder) ChangeProcessed() {
	if !r.recordingOn.Load() {
		return
	}
	r.requestRelease()
	r.post(func() {
		if r.recording {
			r.dequeue()
		}
		r.releaseApplied()
	})
}

// SetChangeRecordingEnabled switches between recording and plain monitor
// behaviour. Turning recording off delivers the queue right away.
func (r *ChangeRecorder) SetChangeRecordingEnabled(on bool) {
	r.post(func() {
		if r.recording == on {
			return
		}
		r.recording = on
		r.recordingOn.Store(on)
		if on {
			r.Monitor.pipelineSize = 0
			r.needFullSave = true
			r.save()
			return
		}
		r.Monitor.pipelineSize = r.dispatchSize
		r.dispatch()
	})
}

// IsEmpty reports whether no change is waiting, as of the last processed
// event and any ChangeProcessed already returned.
func (r *ChangeRecorder) IsEmpty() bool {
	return r.Stats().Pending == 0
}

// Pending returns a copy of the queue.
func (r *ChangeRecorder) Pending(ctx context.Context) ([]notification.Message, error) {
	var out []notification.Message
	err := r.Do(ctx, func() {
		out = slices.Clone(r.Monitor.pending)
	})
	return out, err
}

// DumpNotifications renders the journal as stored on disk, one change per
// line.
func (r *ChangeRecorder) DumpNotifications() (string, error) {
	if r.journal == nil {
		return "", errors.New("recorder has no journal")
	}
	data, err := os.ReadFile(r.journal.Path())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading journal: %w", err)
	}
	c, err := journal.Decode(bytes.NewReader(data))
	var sb strings.Builder
	for i, msg := range c.Messages {
		fmt.Fprintf(&sb, "%d: %s\n", i+1, msg)
	}
	return sb.String(), err
}

func (r *ChangeRecorder) replayNext() {
	if !r.recording {
		return
	}
	m := r.Monitor
	for len(m.pending) > 0 {
		head := m.pending[0]
		if m.ensureDataAvailable(head) {
			m.emit(head)
			return
		}
		if len(m.pipeline) > 0 {
			return
		}
		// The head waits in the pipeline until its data arrives; it stays
		// in the queue until ChangeProcessed.
		if waiting := m.translate(head); len(waiting) > 0 {
			for _, msg := range waiting {
				m.pushPipeline(msg)
			}
			return
		}
		r.dequeue()
	}
	for _, h := range r.recorderHandlers {
		if h.NothingToReplay != nil {
			h.NothingToReplay()
		}
	}
}

func (r *ChangeRecorder) dequeue() {
	m := r.Monitor
	if len(m.pending) == 0 {
		return
	}
	m.pending = m.pending[1:]
	if !r.recording {
		return
	}
	if r.needFullSave || len(m.pending) == 0 {
		r.save()
		return
	}
	if r.journal == nil {
		return
	}
	r.startOffset++
	if err := r.journal.SetStartOffset(r.startOffset); err != nil {
		r.needFullSave = true
		r.degrade(err)
		return
	}
	r.recovered()
}

func (r *ChangeRecorder) save() {
	if r.journal == nil {
		return
	}
	if err := r.journal.Save(r.Monitor.pending); err != nil {
		r.needFullSave = true
		r.degrade(err)
		return
	}
	r.needFullSave = false
	r.startOffset = 0
	r.recovered()
}

func (r *ChangeRecorder) degrade(err error) {
	if r.degraded {
		return
	}
	r.degraded = true
	r.logger.Warn("change journal unavailable, recording in memory", zap.Error(err))
	go r.tracer.JournalDegraded(r.ctx, r.name, err)
}

func (r *ChangeRecorder) recovered() {
	if r.degraded {
		r.degraded = false
		r.logger.Info("change journal writable again")
	}
}

func (r *ChangeRecorder) enqueued(int) {
	if !r.recording {
		return
	}
	r.save()
	for _, h := range r.recorderHandlers {
		if h.ChangesAdded != nil {
			h.ChangesAdded()
		}
	}
}

func (r *ChangeRecorder) erased() {
	if !r.recording {
		return
	}
	r.needFullSave = true
	r.save()
}

// emitted skips a change nobody listened to and moves on to the next one, as
// no ChangeProcessed will follow for it.
func (r *ChangeRecorder) emitted(msg notification.Message, listened bool) {
	if !r.recording {
		return
	}
	if listened {
		for _, h := range r.recorderHandlers {
			if h.ChangeReplayed != nil {
				h.ChangeReplayed(msg)
			}
		}
		return
	}
	if pending := r.Monitor.pending; len(pending) > 0 && pending[0].Equal(msg) {
		r.dequeue()
	}
	r.post(r.replayNext)
}
