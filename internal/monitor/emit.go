package monitor

import (
	"strings"

	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// emit resolves msg from the caches and calls the handlers. Notifications
// whose entities have vanished are dropped. When a resolved notification
// reached nobody, the queues are cleaned of what nobody listens to.
func (m *Monitor) emit(msg notification.Message) bool {
	listened, delivered := m.emitResolved(msg)
	if delivered && !listened {
		m.cleanOldNotifications()
	}
	m.hooks.emitted(msg, listened)
	return listened
}

func (m *Monitor) emitResolved(msg notification.Message) (listened, delivered bool) {
	switch msg.Type {
	case notification.TypeTag:
		return m.emitTags(msg)
	case notification.TypeRelation:
		rel, ok := relationOf(msg)
		if !ok {
			return false, false
		}
		return m.handlers.emitRelation(msg.Operation, rel), true
	case notification.TypeItem:
		return m.emitItems(msg)
	case notification.TypeCollection:
		return m.emitCollections(msg)
	}
	return false, false
}

func (m *Monitor) emitTags(msg notification.Message) (listened, delivered bool) {
	for _, ent := range msg.Entities {
		// Without a fetcher, and for removed tags, the notification is the
		// only source of the remote id.
		carried := entity.Tag{ID: ent.ID, RemoteID: ent.RemoteID}
		var tag entity.Tag
		switch {
		case m.tags == nil:
			tag = carried
		default:
			var ok bool
			tag, ok = m.tags.Retrieve(ent.ID)
			if !ok || !tag.Valid() {
				if msg.Operation != notification.OpRemove {
					continue
				}
				tag = carried
			}
		}
		delivered = true
		if m.handlers.emitTag(msg.Operation, tag) {
			listened = true
		}
	}
	return listened, delivered
}

func (m *Monitor) emitItems(msg notification.Message) (listened, delivered bool) {
	parent := m.retrieveCollection(msg.ParentCollection)
	var dest entity.Collection
	if msg.Operation == notification.OpMove {
		dest = m.retrieveCollection(msg.ParentDestCollection)
	}

	var items []entity.Item
	switch {
	case m.items == nil || msg.Operation == notification.OpRemove:
		items = itemsOf(msg)
	default:
		items = m.items.RetrieveAll(msg.UIDs())
	}
	if len(items) == 0 {
		return false, false
	}

	var added, removed []entity.Tag
	if msg.Operation == notification.OpModifyTags {
		added = m.retrieveTags(msg.AddedTags)
		removed = m.retrieveTags(msg.RemovedTags)
	}
	return m.handlers.emitItems(msg, items, parent, dest, added, removed), true
}

func (m *Monitor) emitCollections(msg notification.Message) (listened, delivered bool) {
	parent := m.retrieveCollection(msg.ParentCollection)
	var dest entity.Collection
	if msg.Operation == notification.OpMove {
		dest = m.retrieveCollection(msg.ParentDestCollection)
	}

	for _, ent := range msg.Entities {
		var col entity.Collection
		if msg.Operation == notification.OpRemove || m.collections == nil {
			col = collectionOf(msg, ent)
		} else {
			var ok bool
			if col, ok = m.collections.Retrieve(ent.ID); !ok || !col.Valid() {
				continue
			}
		}
		delivered = true
		if m.handlers.emitCollection(msg.Operation, col, parent, dest, msg.ItemParts) {
			listened = true
		}
	}
	return listened, delivered
}

// retrieveCollection falls back to a bare reference for the root and for
// collections that could not be fetched.
func (m *Monitor) retrieveCollection(id int64) entity.Collection {
	if m.collections != nil && id > 0 {
		if col, ok := m.collections.Retrieve(id); ok {
			return col
		}
	}
	return entity.Collection{ID: id}
}

func (m *Monitor) retrieveTag(id int64) (entity.Tag, bool) {
	if m.tags == nil {
		return entity.Tag{ID: id}, true
	}
	return m.tags.Retrieve(id)
}

func (m *Monitor) retrieveTags(ids []int64) []entity.Tag {
	tags := make([]entity.Tag, 0, len(ids))
	for _, id := range ids {
		tag, ok := m.retrieveTag(id)
		if !ok {
			tag = entity.Tag{ID: id}
		}
		tags = append(tags, tag)
	}
	return tags
}

// itemsOf builds items from what the notification carries.
func itemsOf(msg notification.Message) []entity.Item {
	items := make([]entity.Item, 0, len(msg.Entities))
	for _, ent := range msg.Entities {
		items = append(items, entity.Item{
			ID:             ent.ID,
			ParentID:       msg.ParentCollection,
			RemoteID:       ent.RemoteID,
			RemoteRevision: ent.RemoteRevision,
			MimeType:       ent.MimeType,
		})
	}
	return items
}

func collectionOf(msg notification.Message, ent notification.Entity) entity.Collection {
	return entity.Collection{
		ID:               ent.ID,
		ParentID:         msg.ParentCollection,
		RemoteID:         ent.RemoteID,
		RemoteRevision:   ent.RemoteRevision,
		Resource:         msg.Resource,
		ContentMimeTypes: msg.ContentMimeTypes,
	}
}

// relationOf decodes a relation notification: the two item ids as entities
// and the relation type as a "TYPE <name>" part.
func relationOf(msg notification.Message) (entity.Relation, bool) {
	if len(msg.Entities) < 2 {
		return entity.Relation{}, false
	}
	rel := entity.Relation{
		Left:     msg.Entities[0].ID,
		Right:    msg.Entities[1].ID,
		RemoteID: msg.Entities[0].RemoteID,
	}
	for _, part := range msg.ItemParts {
		if t, ok := strings.CutPrefix(part, "TYPE "); ok {
			rel.Type = t
		}
	}
	return rel, rel.Valid()
}
