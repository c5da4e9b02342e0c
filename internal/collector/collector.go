// Package collector turns storage mutations into change notifications and
// publishes them once the surrounding transaction commits.
package collector

import (
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

var ErrNoTransaction = errors.New("no transaction in progress")

// Publisher receives committed notification batches.
type Publisher interface {
	Publish(batch []notification.Message)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(batch []notification.Message)

func (f PublisherFunc) Publish(batch []notification.Message) { f(batch) }

// Collector stages notifications for one storage connection.
type Collector struct {
	mu        sync.Mutex
	publisher Publisher
	logger    *zap.Logger

	sessionID string
	depth     int
	txID      ulid.ULID
	staged    []notification.Message
}

// New creates a Collector publishing to p.
func New(p Publisher, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{publisher: p, logger: logger}
}

// SetSessionID tags all following notifications with the originating session.
func (c *Collector) SetSessionID(session string) {
	c.mu.Lock()
	c.sessionID = session
	c.mu.Unlock()
}

// Begin opens a transaction. Nested calls join the outer transaction.
func (c *Collector) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.depth == 0 {
		c.txID = ulid.Make()
		c.logger.Debug("transaction started", zap.String("tx", c.txID.String()))
	}
	c.depth++
}

// InTransaction reports whether notifications are currently being staged.
func (c *Collector) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth > 0
}

// Commit closes the innermost transaction. Closing the outermost one hands
// the staged batch to the publisher.
func (c *Collector) Commit() error {
	c.mu.Lock()
	if c.depth == 0 {
		c.mu.Unlock()
		return ErrNoTransaction
	}
	c.depth--
	if c.depth > 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.staged
	c.staged = nil
	tx := c.txID
	c.mu.Unlock()

	c.logger.Debug("transaction committed",
		zap.String("tx", tx.String()),
		zap.Int("notifications", len(batch)),
	)
	if len(batch) > 0 {
		c.publisher.Publish(batch)
	}
	return nil
}

// Rollback discards everything staged since Begin.
func (c *Collector) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.depth == 0 {
		return ErrNoTransaction
	}
	c.logger.Debug("transaction rolled back",
		zap.String("tx", c.txID.String()),
		zap.Int("discarded", len(c.staged)),
	)
	c.depth = 0
	c.staged = nil
	return nil
}

// Staged returns a copy of the notifications waiting for commit.
func (c *Collector) Staged() []notification.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notification.Message, len(c.staged))
	copy(out, c.staged)
	return out
}

func (c *Collector) dispatch(msg notification.Message) {
	c.mu.Lock()
	if c.depth > 0 {
		c.staged = appendAndCompress(c.staged, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.publisher.Publish([]notification.Message{msg})
}

func (c *Collector) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func itemEntities(items []entity.Item) []notification.Entity {
	out := make([]notification.Entity, 0, len(items))
	for _, it := range items {
		out = append(out, notification.Entity{
			ID:             it.ID,
			RemoteID:       it.RemoteID,
			RemoteRevision: it.RemoteRevision,
			MimeType:       it.MimeType,
		})
	}
	return out
}

type itemChange struct {
	parts        []string
	addedFlags   []string
	removedFlags []string
	addedTags    []int64
	removedTags  []int64
}

func (c *Collector) itemNotification(op notification.Operation, items []entity.Item, col, dest entity.Collection, resource string, change itemChange) {
	if len(items) == 0 {
		return
	}

	msg := notification.Message{
		Type:         notification.TypeItem,
		Operation:    op,
		SessionID:    c.session(),
		Entities:     itemEntities(items),
		ItemParts:    notification.SortedSet(change.parts),
		AddedFlags:   notification.SortedSet(change.addedFlags),
		RemovedFlags: notification.SortedSet(change.removedFlags),
		AddedTags:    notification.SortedSet(change.addedTags),
		RemovedTags:  notification.SortedSet(change.removedTags),
	}

	if dest.ID > 0 {
		msg.ParentDestCollection = dest.ID
		msg.DestinationResource = dest.Resource
	}

	if col.ID > 0 {
		msg.ParentCollection = col.ID
	} else {
		msg.ParentCollection = items[0].ParentID
	}

	if resource == "" {
		resource = col.Resource
	}
	msg.Resource = resource

	c.dispatch(msg)
}

func (c *Collector) collectionNotification(op notification.Operation, col entity.Collection, source, destination int64, resource, destResource string, changes []string) {
	msg := notification.Message{
		Type:      notification.TypeCollection,
		Operation: op,
		SessionID: c.session(),
		Entities: []notification.Entity{{
			ID:             col.ID,
			RemoteID:       col.RemoteID,
			RemoteRevision: col.RemoteRevision,
			MimeType:       CollectionMimeType,
		}},
		ParentCollection:     source,
		ParentDestCollection: destination,
		DestinationResource:  destResource,
		ItemParts:            notification.SortedSet(changes),
		ContentMimeTypes:     notification.SortedSet(col.ContentMimeTypes),
	}
	if resource == "" {
		resource = col.Resource
	}
	msg.Resource = resource

	c.dispatch(msg)
}

// CollectionMimeType is the mimetype carried by collection entities.
const CollectionMimeType = "inode/directory"

func (c *Collector) ItemAdded(item entity.Item, col entity.Collection, resource string) {
	c.itemNotification(notification.OpAdd, []entity.Item{item}, col, entity.Collection{}, resource, itemChange{})
}

func (c *Collector) ItemChanged(item entity.Item, changedParts []string, col entity.Collection, resource string) {
	c.itemNotification(notification.OpModify, []entity.Item{item}, col, entity.Collection{}, resource, itemChange{parts: changedParts})
}

func (c *Collector) ItemsFlagsChanged(items []entity.Item, added, removed []string, col entity.Collection, resource string) {
	c.itemNotification(notification.OpModifyFlags, items, col, entity.Collection{}, resource, itemChange{addedFlags: added, removedFlags: removed})
}

func (c *Collector) ItemsTagsChanged(items []entity.Item, added, removed []int64, col entity.Collection, resource string) {
	c.itemNotification(notification.OpModifyTags, items, col, entity.Collection{}, resource, itemChange{addedTags: added, removedTags: removed})
}

func (c *Collector) ItemsMoved(items []entity.Item, src, dest entity.Collection, sourceResource string) {
	c.itemNotification(notification.OpMove, items, src, dest, sourceResource, itemChange{})
}

func (c *Collector) ItemsRemoved(items []entity.Item, col entity.Collection, resource string) {
	c.itemNotification(notification.OpRemove, items, col, entity.Collection{}, resource, itemChange{})
}

func (c *Collector) ItemsLinked(items []entity.Item, col entity.Collection) {
	c.itemNotification(notification.OpLink, items, col, entity.Collection{}, "", itemChange{})
}

func (c *Collector) ItemsUnlinked(items []entity.Item, col entity.Collection) {
	c.itemNotification(notification.OpUnlink, items, col, entity.Collection{}, "", itemChange{})
}

func (c *Collector) CollectionAdded(col entity.Collection, resource string) {
	c.collectionNotification(notification.OpAdd, col, col.ParentID, -1, resource, "", nil)
}

func (c *Collector) CollectionChanged(col entity.Collection, changes []string, resource string) {
	c.collectionNotification(notification.OpModify, col, col.ParentID, -1, resource, "", changes)
}

// CollectionMoved reports col, already re-parented, moving out of source.
func (c *Collector) CollectionMoved(col, source entity.Collection, resource, destResource string) {
	c.collectionNotification(notification.OpMove, col, source.ID, col.ParentID, resource, destResource, nil)
}

func (c *Collector) CollectionRemoved(col entity.Collection, resource string) {
	c.collectionNotification(notification.OpRemove, col, col.ParentID, -1, resource, "", nil)
}

func (c *Collector) CollectionSubscribed(col entity.Collection, resource string) {
	c.collectionNotification(notification.OpSubscribe, col, col.ParentID, -1, resource, "", nil)
}

func (c *Collector) CollectionUnsubscribed(col entity.Collection, resource string) {
	c.collectionNotification(notification.OpUnsubscribe, col, col.ParentID, -1, resource, "", nil)
}

func (c *Collector) tagNotification(op notification.Operation, tag entity.Tag, resource, remoteID string) {
	c.dispatch(notification.Message{
		Type:      notification.TypeTag,
		Operation: op,
		SessionID: c.session(),
		Resource:  resource,
		Entities:  []notification.Entity{{ID: tag.ID, RemoteID: remoteID}},
	})
}

func (c *Collector) TagAdded(tag entity.Tag) {
	c.tagNotification(notification.OpAdd, tag, "", "")
}

func (c *Collector) TagChanged(tag entity.Tag) {
	c.tagNotification(notification.OpModify, tag, "", "")
}

// TagRemoved reports a tag deletion. A non-empty resource scopes the
// notification to that resource, remoteID being the tag's id there.
func (c *Collector) TagRemoved(tag entity.Tag, resource, remoteID string) {
	c.tagNotification(notification.OpRemove, tag, resource, remoteID)
}

func (c *Collector) relationNotification(op notification.Operation, rel entity.Relation) {
	c.dispatch(notification.Message{
		Type:      notification.TypeRelation,
		Operation: op,
		SessionID: c.session(),
		Entities: []notification.Entity{
			{ID: rel.Left, RemoteID: rel.RemoteID},
			{ID: rel.Right},
		},
		ItemParts: []string{"TYPE " + rel.Type},
	})
}

func (c *Collector) RelationAdded(rel entity.Relation) {
	c.relationNotification(notification.OpAdd, rel)
}

func (c *Collector) RelationRemoved(rel entity.Relation) {
	c.relationNotification(notification.OpRemove, rel)
}
