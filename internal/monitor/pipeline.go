package monitor

import (
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/diag"
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// notify handles one notification from the source.
func (m *Monitor) notify(msg notification.Message) {
	if msg.Type == notification.TypeSubscription {
		return
	}
	m.invalidateCaches(msg)
	if m.handlers.isLazilyIgnored(msg, true) {
		return
	}

	var queued []notification.Message
	if m.handlers.needsSplit(msg) {
		if m.items != nil {
			m.items.EnsureCachedAll(msg.UIDs())
		}
		for _, part := range splitMessage(msg, !m.handlers.itemsFlagsChanged()) {
			queued = append(queued, m.translate(part)...)
		}
	} else {
		queued = m.translate(msg)
	}

	if len(queued) > 0 {
		m.pending = append(m.pending, queued...)
		m.enqueuedCount += len(queued)
		if !m.inBurst {
			m.flushEnqueued()
		}
	}
	m.dispatch()
}

// splitMessage queues a batch as single-item messages. Flag changes become
// plain modifications when nobody takes them as a batch.
func splitMessage(msg notification.Message, convertFlags bool) []notification.Message {
	parts := msg.Split()
	if !convertFlags || msg.Operation != notification.OpModifyFlags {
		return parts
	}
	for i := range parts {
		parts[i].Operation = notification.OpModify
		parts[i].ItemParts = []string{"FLAGS"}
		parts[i].AddedFlags = nil
		parts[i].RemovedFlags = nil
	}
	return parts
}

// translate rewrites a move relative to what this monitor watches. A move
// out of view becomes a removal, a move into view becomes one addition per
// entity, and a move between two unwatched places is dropped.
func (m *Monitor) translate(msg notification.Message) []notification.Message {
	if msg.Operation != notification.OpMove || msg.Type == notification.TypeTag || !m.state.WatchesLocations() {
		return []notification.Message{msg}
	}

	src, dst := m.state.MoveEnds(msg)
	switch {
	case src && dst:
		return []notification.Message{msg}
	case src:
		removal := msg.Clone()
		removal.Operation = notification.OpRemove
		removal.ParentDestCollection = -1
		return []notification.Message{removal}
	case dst:
		addition := msg.Clone()
		addition.Operation = notification.OpAdd
		addition.ParentCollection = msg.ParentDestCollection
		addition.ParentDestCollection = -1
		addition.Resource = msg.DestinationResource
		if addition.Resource == "" {
			addition.Resource = msg.Resource
		}
		addition.DestinationResource = ""
		return addition.Split()
	}
	return nil
}

// dispatch moves pending notifications into the pipeline while there is
// room. A notification whose data is already cached skips the pipeline when
// nothing is queued ahead of it.
func (m *Monitor) dispatch() {
	for len(m.pipeline) < m.pipelineSize && len(m.pending) > 0 {
		msg := m.pending[0]
		m.pending = m.pending[1:]
		if m.ensureDataAvailable(msg) && len(m.pipeline) == 0 {
			m.emit(msg)
			continue
		}
		m.pushPipeline(msg)
	}
}

func (m *Monitor) pushPipeline(msg notification.Message) {
	m.pipeline = append(m.pipeline, msg)
	if len(m.pipeline) == 1 {
		m.headMoved()
	}
}

// flushPipeline emits pipeline heads until one is still waiting for data.
func (m *Monitor) flushPipeline() {
	for len(m.pipeline) > 0 {
		msg := m.pipeline[0]
		if !m.ensureDataAvailable(msg) {
			return
		}
		m.pipeline = m.pipeline[1:]
		m.headMoved()
		m.emit(msg)
	}
}

func (m *Monitor) dataAvailable() {
	m.flushPipeline()
	m.dispatch()
}

// ensureDataAvailable requests whatever msg needs and reports whether all of
// it is cached already.
func (m *Monitor) ensureDataAvailable(msg notification.Message) bool {
	switch msg.Type {
	case notification.TypeTag:
		if m.tags == nil {
			return true
		}
		return m.tags.EnsureCachedAll(msg.UIDs())
	case notification.TypeRelation, notification.TypeSubscription:
		return true
	case notification.TypeCollection:
		if msg.Operation == notification.OpRemove {
			return true
		}
	}

	available := m.ensureCollection(msg.ParentCollection)
	if msg.Operation == notification.OpMove && !m.ensureCollection(msg.ParentDestCollection) {
		available = false
	}
	if msg.Operation == notification.OpRemove {
		return available
	}

	switch msg.Type {
	case notification.TypeItem:
		if m.items != nil && !m.items.EnsureCachedAll(msg.UIDs()) {
			available = false
		}
		if msg.Operation == notification.OpModifyTags && m.tags != nil {
			if !m.tags.EnsureCachedAll(notification.Union(msg.AddedTags, msg.RemovedTags)) {
				available = false
			}
		}
	case notification.TypeCollection:
		for _, id := range msg.UIDs() {
			if !m.ensureCollection(id) {
				available = false
				break
			}
		}
	}
	return available
}

// ensureCollection treats the root and unset ids as always available.
func (m *Monitor) ensureCollection(id int64) bool {
	if m.collections == nil || id <= 0 {
		return true
	}
	return m.collections.EnsureCached(id)
}

// invalidateCaches drops cached entities a notification makes stale.
// Modified entities still cached are fetched again.
func (m *Monitor) invalidateCaches(msg notification.Message) {
	var refresh bool
	switch msg.Operation {
	case notification.OpRemove:
	case notification.OpModify, notification.OpModifyFlags, notification.OpModifyTags,
		notification.OpMove, notification.OpSubscribe:
		refresh = true
	default:
		return
	}

	for _, id := range msg.UIDs() {
		switch msg.Type {
		case notification.TypeCollection:
			if m.collections == nil {
				continue
			}
			if refresh {
				m.collections.Update(id)
			} else {
				m.collections.Invalidate(id)
			}
		case notification.TypeItem:
			if m.items == nil {
				continue
			}
			if refresh {
				m.items.Update(id)
			} else {
				m.items.Invalidate(id)
			}
		case notification.TypeTag:
			if m.tags == nil {
				continue
			}
			if refresh {
				m.tags.Update(id)
			} else {
				m.tags.Invalidate(id)
			}
		}
	}
}

// cleanOldNotifications drops queued notifications the subscription no
// longer accepts or nobody listens to any more.
func (m *Monitor) cleanOldNotifications() {
	keep := func(msg notification.Message) bool {
		return m.state.Accepts(msg) && !m.handlers.isLazilyIgnored(msg, false)
	}

	var erased, n int
	m.pipeline, erased = filterMessages(m.pipeline, keep)
	if erased > 0 {
		m.headMoved()
	}
	m.pending, n = filterMessages(m.pending, keep)
	erased += n

	if erased > 0 {
		m.logger.Debug("dropped stale notifications", zap.Int("count", erased))
		m.hooks.erased()
	}
}

func filterMessages(msgs []notification.Message, keep func(notification.Message) bool) ([]notification.Message, int) {
	kept := msgs[:0]
	for _, msg := range msgs {
		if keep(msg) {
			kept = append(kept, msg)
		}
	}
	erased := len(msgs) - len(kept)
	clear(msgs[len(kept):])
	return kept, erased
}

// headMoved restarts the stall clock for a new pipeline head.
func (m *Monitor) headMoved() {
	m.headSince = time.Now()
	m.headReported = false
}

// checkStall reports a pipeline head that has waited for data too long,
// once per head.
func (m *Monitor) checkStall(now time.Time) {
	if len(m.pipeline) == 0 || m.headReported {
		return
	}
	waiting := now.Sub(m.headSince)
	if waiting < m.stallAfter {
		return
	}
	m.headReported = true
	stall := diag.Stall{
		Monitor:  m.name,
		Message:  m.pipeline[0].Clone(),
		Waiting:  waiting,
		Pipeline: len(m.pipeline),
		Pending:  len(m.pending),
	}
	ctx := m.ctx
	go m.tracer.PipelineStalled(ctx, stall)
}
