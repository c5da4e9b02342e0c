package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/collector"
	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

const imap = "akonadi_imap_resource_0"

type recorder struct {
	mu      sync.Mutex
	batches [][]notification.Message
}

func (r *recorder) publish(batch []notification.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *recorder) last(t *testing.T) []notification.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.batches, "nothing published")
	return r.batches[len(r.batches)-1]
}

func newStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	rec := &recorder{}
	logger, _ := zap.NewDevelopment()
	return New(collector.PublisherFunc(rec.publish), logger), rec
}

// seed creates inbox (10) and trash (20) with two mails in the inbox.
func seed(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.Apply("setup", []Change{
		{Op: OpCollectionAdd, Collection: &entity.Collection{ID: 10, Name: "inbox", Resource: imap}},
		{Op: OpCollectionAdd, Collection: &entity.Collection{ID: 20, Name: "trash", Resource: imap}},
		{Op: OpItemAdd, Item: &entity.Item{ID: 11, ParentID: 10, MimeType: "message/rfc822"}},
		{Op: OpItemAdd, Item: &entity.Item{ID: 12, ParentID: 10, MimeType: "message/rfc822"}},
	})
	require.NoError(t, err)
}

func TestApplyPublishesOneBatch(t *testing.T) {
	s, rec := newStore(t)

	res, err := s.Apply("kmail", []Change{
		{Op: OpCollectionAdd, Collection: &entity.Collection{ID: 10, Name: "inbox", Resource: imap}},
		{Op: OpItemAdd, Item: &entity.Item{ParentID: 10, MimeType: "message/rfc822"}},
		{Op: OpItemAdd, Item: &entity.Item{ParentID: 10, MimeType: "message/rfc822"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12}, res.Created)

	require.Len(t, rec.batches, 1)
	batch := rec.last(t)
	require.Len(t, batch, 2)
	assert.Equal(t, notification.TypeCollection, batch[0].Type)
	assert.Equal(t, notification.TypeItem, batch[1].Type)
	assert.Equal(t, []int64{11, 12}, batch[1].UIDs())
	assert.Equal(t, int64(10), batch[1].ParentCollection)
	assert.Equal(t, imap, batch[1].Resource)
	assert.Equal(t, "kmail", batch[1].SessionID)

	assert.Equal(t, map[string]int{"collections": 1, "items": 2, "tags": 0, "relations": 0}, s.Counts())
}

func TestApplyRollsBackOnError(t *testing.T) {
	s, rec := newStore(t)
	seed(t, s)
	before := len(rec.batches)

	_, err := s.Apply("kmail", []Change{
		{Op: OpItemFlags, Items: []int64{11}, AddedFlags: []string{"\\SEEN"}},
		{Op: OpItemMove, Items: []int64{11}, Destination: 99},
	})
	require.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, rec.batches, before, "failed transaction must not publish")
	assert.Empty(t, s.Items([]int64{11})[11].Flags)
	assert.Equal(t, int64(10), s.Items([]int64{11})[11].ParentID)
}

func TestApplyRejectsUnknownOp(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Apply("", []Change{{Op: "item.teleport"}})
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestCollectionInheritsParentResource(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s)

	res, err := s.Apply("", []Change{
		{Op: OpCollectionAdd, Collection: &entity.Collection{ParentID: 10, Name: "lists"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)

	col := s.Collections(res.Created)[res.Created[0]]
	assert.Equal(t, imap, col.Resource)

	_, err = s.Apply("", []Change{
		{Op: OpCollectionAdd, Collection: &entity.Collection{Name: "orphan"}},
	})
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestItemFlagsAndTags(t *testing.T) {
	s, rec := newStore(t)
	seed(t, s)

	res, err := s.Apply("", []Change{{Op: OpTagAdd, Tag: &entity.Tag{GID: "important"}}})
	require.NoError(t, err)
	tagID := res.Created[0]

	_, err = s.Apply("kmail", []Change{
		{Op: OpItemFlags, Items: []int64{11, 12}, AddedFlags: []string{"\\SEEN"}},
		{Op: OpItemTags, Items: []int64{11}, AddedTags: []int64{tagID}},
	})
	require.NoError(t, err)

	items := s.Items([]int64{11, 12})
	assert.Equal(t, []string{"\\SEEN"}, items[11].Flags)
	assert.Equal(t, []string{"\\SEEN"}, items[12].Flags)
	assert.Equal(t, []int64{tagID}, items[11].Tags)

	batch := rec.last(t)
	require.Len(t, batch, 2)
	assert.Equal(t, notification.OpModifyFlags, batch[0].Operation)
	assert.Equal(t, []int64{11, 12}, batch[0].UIDs())
	assert.Equal(t, []string{"\\SEEN"}, batch[0].AddedFlags)
	assert.Equal(t, notification.OpModifyTags, batch[1].Operation)

	_, err = s.Apply("", []Change{{Op: OpTagRemove, Tag: &entity.Tag{ID: tagID}}})
	require.NoError(t, err)
	assert.Empty(t, s.Items([]int64{11})[11].Tags)
	assert.Empty(t, s.Tags([]int64{tagID}))
}

func TestItemMoveGroupsBySource(t *testing.T) {
	s, rec := newStore(t)
	seed(t, s)

	_, err := s.Apply("", []Change{{Op: OpItemMove, Items: []int64{11, 12}, Destination: 20}})
	require.NoError(t, err)

	batch := rec.last(t)
	require.Len(t, batch, 1)
	assert.Equal(t, notification.OpMove, batch[0].Operation)
	assert.Equal(t, int64(10), batch[0].ParentCollection)
	assert.Equal(t, int64(20), batch[0].ParentDestCollection)
	assert.Equal(t, []int64{11, 12}, batch[0].UIDs())

	for _, item := range s.Items([]int64{11, 12}) {
		assert.Equal(t, int64(20), item.ParentID)
	}
}

func TestCollectionRemoveIsRecursive(t *testing.T) {
	s, rec := newStore(t)
	seed(t, s)
	_, err := s.Apply("", []Change{
		{Op: OpCollectionAdd, Collection: &entity.Collection{ID: 30, ParentID: 10, Name: "lists"}},
		{Op: OpItemAdd, Item: &entity.Item{ID: 31, ParentID: 30, MimeType: "message/rfc822"}},
		{Op: OpRelationAdd, Relation: &entity.Relation{Left: 11, Right: 31, Type: "GENERIC"}},
	})
	require.NoError(t, err)
	require.Len(t, s.Relations(), 1)

	_, err = s.Apply("", []Change{{Op: OpCollectionRemove, Collection: &entity.Collection{ID: 10}}})
	require.NoError(t, err)

	assert.Empty(t, s.Collections([]int64{10, 30}))
	assert.Empty(t, s.Items([]int64{11, 12, 31}))
	assert.Empty(t, s.Relations())
	assert.Equal(t, 1, s.Counts()["collections"])

	var removedCollections []int64
	for _, msg := range rec.last(t) {
		if msg.Type == notification.TypeCollection && msg.Operation == notification.OpRemove {
			removedCollections = append(removedCollections, msg.UIDs()...)
		}
	}
	assert.Equal(t, []int64{30, 10}, removedCollections, "children are removed first")
}

func TestCollectionMoveBelowItselfRejected(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s)
	_, err := s.Apply("", []Change{
		{Op: OpCollectionAdd, Collection: &entity.Collection{ID: 30, ParentID: 10, Name: "lists"}},
	})
	require.NoError(t, err)

	_, err = s.Apply("", []Change{{Op: OpCollectionMove, Collection: &entity.Collection{ID: 10}, Destination: 30}})
	assert.ErrorIs(t, err, ErrInvalidChange)
	assert.Equal(t, entity.RootID, s.Collections([]int64{10})[10].ParentID)
}

func TestSubscribeOnlyPublishesOnChange(t *testing.T) {
	s, rec := newStore(t)
	seed(t, s)
	before := len(rec.batches)

	_, err := s.Apply("", []Change{{Op: OpCollectionUnsubscribe, Collection: &entity.Collection{ID: 10}}})
	require.NoError(t, err)
	assert.Len(t, rec.batches, before, "already unsubscribed")

	_, err = s.Apply("", []Change{{Op: OpCollectionSubscribe, Collection: &entity.Collection{ID: 10}}})
	require.NoError(t, err)
	batch := rec.last(t)
	require.Len(t, batch, 1)
	assert.Equal(t, notification.OpSubscribe, batch[0].Operation)
	assert.True(t, s.Collections([]int64{10})[10].Enabled)
}

func TestFetchers(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s)
	ctx := context.Background()

	cols, err := s.CollectionFetcher().Fetch(ctx, []int64{10, 99})
	require.NoError(t, err)
	assert.Len(t, cols, 1)
	assert.Equal(t, "inbox", cols[10].Name)

	items, err := s.ItemFetcher().Fetch(ctx, []int64{11, 12})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	tags, err := s.TagFetcher().Fetch(ctx, []int64{1})
	require.NoError(t, err)
	assert.Empty(t, tags)
}
