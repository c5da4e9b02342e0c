package store

import (
	"cmp"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/collector"
	"github.com/dgnsrekt/pimnotify/internal/entity"
)

// Op names a storage mutation.
type Op string

const (
	OpItemAdd               Op = "item.add"
	OpItemModify            Op = "item.modify"
	OpItemFlags             Op = "item.flags"
	OpItemTags              Op = "item.tags"
	OpItemMove              Op = "item.move"
	OpItemRemove            Op = "item.remove"
	OpItemLink              Op = "item.link"
	OpItemUnlink            Op = "item.unlink"
	OpCollectionAdd         Op = "collection.add"
	OpCollectionModify      Op = "collection.modify"
	OpCollectionMove        Op = "collection.move"
	OpCollectionRemove      Op = "collection.remove"
	OpCollectionSubscribe   Op = "collection.subscribe"
	OpCollectionUnsubscribe Op = "collection.unsubscribe"
	OpTagAdd                Op = "tag.add"
	OpTagModify             Op = "tag.modify"
	OpTagRemove             Op = "tag.remove"
	OpRelationAdd           Op = "relation.add"
	OpRelationRemove        Op = "relation.remove"
)

// Change is one mutation. Which fields matter depends on Op:
//
//   - item.add, item.modify: Item (Parts lists changed parts for modify)
//   - item.flags, item.tags: Items plus the added/removed sets
//   - item.move: Items and Destination
//   - item.remove: Items
//   - item.link, item.unlink: Items and Collection.ID of the virtual collection
//   - collection.add, collection.modify: Collection (Parts for modify)
//   - collection.move: Collection.ID and Destination
//   - collection.remove, collection.subscribe, collection.unsubscribe: Collection.ID
//   - tag.*: Tag; relation.*: Relation
type Change struct {
	Op           Op                 `json:"op"`
	Item         *entity.Item       `json:"item,omitempty"`
	Items        []int64            `json:"items,omitempty"`
	Collection   *entity.Collection `json:"collection,omitempty"`
	Destination  int64              `json:"destination,omitempty"`
	Parts        []string           `json:"parts,omitempty"`
	AddedFlags   []string           `json:"addedFlags,omitempty"`
	RemovedFlags []string           `json:"removedFlags,omitempty"`
	AddedTags    []int64            `json:"addedTags,omitempty"`
	RemovedTags  []int64            `json:"removedTags,omitempty"`
	Tag          *entity.Tag        `json:"tag,omitempty"`
	Relation     *entity.Relation   `json:"relation,omitempty"`
}

// Result reports the ids assigned by one Apply, in change order.
type Result struct {
	Created []int64 `json:"created,omitempty"`
}

// tx is one Apply in progress.
type tx struct {
	d       *data
	c       *collector.Collector
	created []int64
}

// Apply runs all changes in one transaction on behalf of session. Either all
// of them take effect and their notifications are published as one batch, or
// none do and nothing is published.
func (s *Store) Apply(session string, changes []Change) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := collector.New(s.publisher, s.logger)
	c.SetSessionID(session)
	c.Begin()

	t := &tx{d: s.d.clone(), c: c}
	for i, ch := range changes {
		if err := t.apply(ch); err != nil {
			_ = c.Rollback()
			s.logger.Debug("change rejected",
				zap.String("session", session),
				zap.Int("index", i),
				zap.String("op", string(ch.Op)),
				zap.Error(err),
			)
			return Result{}, fmt.Errorf("change %d (%s): %w", i, ch.Op, err)
		}
	}

	s.d = t.d
	if err := c.Commit(); err != nil {
		return Result{}, fmt.Errorf("committing: %w", err)
	}
	return Result{Created: t.created}, nil
}

func (t *tx) apply(ch Change) error {
	switch ch.Op {
	case OpItemAdd:
		return t.itemAdd(ch)
	case OpItemModify:
		return t.itemModify(ch)
	case OpItemFlags:
		return t.itemFlags(ch)
	case OpItemTags:
		return t.itemTags(ch)
	case OpItemMove:
		return t.itemMove(ch)
	case OpItemRemove:
		return t.itemRemove(ch)
	case OpItemLink, OpItemUnlink:
		return t.itemLink(ch, ch.Op == OpItemLink)
	case OpCollectionAdd:
		return t.collectionAdd(ch)
	case OpCollectionModify:
		return t.collectionModify(ch)
	case OpCollectionMove:
		return t.collectionMove(ch)
	case OpCollectionRemove:
		return t.collectionRemove(ch)
	case OpCollectionSubscribe, OpCollectionUnsubscribe:
		return t.collectionSubscribe(ch, ch.Op == OpCollectionSubscribe)
	case OpTagAdd:
		return t.tagAdd(ch)
	case OpTagModify:
		return t.tagModify(ch)
	case OpTagRemove:
		return t.tagRemove(ch)
	case OpRelationAdd, OpRelationRemove:
		return t.relation(ch, ch.Op == OpRelationAdd)
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidChange, ch.Op)
}

func (t *tx) newID() int64 {
	t.d.nextID++
	return t.d.nextID
}

// claim records an explicit id so generated ids never collide with it.
func (t *tx) claim(id int64) {
	if id > t.d.nextID {
		t.d.nextID = id
	}
}

func (t *tx) collection(id int64) (entity.Collection, error) {
	if id == entity.RootID {
		return entity.Collection{ID: entity.RootID}, nil
	}
	col, ok := t.d.collections[id]
	if !ok {
		return entity.Collection{}, fmt.Errorf("%w: collection %d", ErrNotFound, id)
	}
	return col, nil
}

func (t *tx) items(ids []int64) ([]entity.Item, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidChange)
	}
	items := make([]entity.Item, 0, len(ids))
	for _, id := range ids {
		item, ok := t.d.items[id]
		if !ok {
			return nil, fmt.Errorf("%w: item %d", ErrNotFound, id)
		}
		items = append(items, item)
	}
	return items, nil
}

// byParent groups items by collection, keeping first-seen order.
func byParent(items []entity.Item) ([]int64, map[int64][]entity.Item) {
	var order []int64
	groups := make(map[int64][]entity.Item)
	for _, item := range items {
		if _, ok := groups[item.ParentID]; !ok {
			order = append(order, item.ParentID)
		}
		groups[item.ParentID] = append(groups[item.ParentID], item)
	}
	return order, groups
}

func (t *tx) itemAdd(ch Change) error {
	if ch.Item == nil {
		return fmt.Errorf("%w: item required", ErrInvalidChange)
	}
	item := *ch.Item
	col, err := t.collection(item.ParentID)
	if err != nil {
		return err
	}
	if col.ID == entity.RootID {
		return fmt.Errorf("%w: items cannot live in the root", ErrInvalidChange)
	}
	if item.ID == 0 {
		item.ID = t.newID()
	} else if _, exists := t.d.items[item.ID]; exists {
		return fmt.Errorf("%w: item %d exists", ErrInvalidChange, item.ID)
	}
	t.claim(item.ID)
	t.d.items[item.ID] = item
	t.created = append(t.created, item.ID)
	t.c.ItemAdded(item, col, col.Resource)
	return nil
}

func (t *tx) itemModify(ch Change) error {
	if ch.Item == nil {
		return fmt.Errorf("%w: item required", ErrInvalidChange)
	}
	item, ok := t.d.items[ch.Item.ID]
	if !ok {
		return fmt.Errorf("%w: item %d", ErrNotFound, ch.Item.ID)
	}
	parts := ch.Parts
	if ch.Item.RemoteID != "" {
		item.RemoteID = ch.Item.RemoteID
	}
	if ch.Item.RemoteRevision != "" {
		item.RemoteRevision = ch.Item.RemoteRevision
	}
	if ch.Item.MimeType != "" {
		item.MimeType = ch.Item.MimeType
	}
	if ch.Item.Size != 0 {
		item.Size = ch.Item.Size
	}
	t.d.items[item.ID] = item

	col, err := t.collection(item.ParentID)
	if err != nil {
		return err
	}
	t.c.ItemChanged(item, parts, col, col.Resource)
	return nil
}

func (t *tx) itemFlags(ch Change) error {
	items, err := t.items(ch.Items)
	if err != nil {
		return err
	}
	for i, item := range items {
		flags := slices.DeleteFunc(slices.Clone(item.Flags), func(f string) bool {
			return slices.Contains(ch.RemovedFlags, f)
		})
		for _, f := range ch.AddedFlags {
			if !slices.Contains(flags, f) {
				flags = append(flags, f)
			}
		}
		item.Flags = flags
		items[i] = item
		t.d.items[item.ID] = item
	}
	order, groups := byParent(items)
	for _, parent := range order {
		col, err := t.collection(parent)
		if err != nil {
			return err
		}
		t.c.ItemsFlagsChanged(groups[parent], ch.AddedFlags, ch.RemovedFlags, col, col.Resource)
	}
	return nil
}

func (t *tx) itemTags(ch Change) error {
	items, err := t.items(ch.Items)
	if err != nil {
		return err
	}
	for _, id := range ch.AddedTags {
		if _, ok := t.d.tags[id]; !ok {
			return fmt.Errorf("%w: tag %d", ErrNotFound, id)
		}
	}
	for i, item := range items {
		tags := slices.DeleteFunc(slices.Clone(item.Tags), func(id int64) bool {
			return slices.Contains(ch.RemovedTags, id)
		})
		for _, id := range ch.AddedTags {
			if !slices.Contains(tags, id) {
				tags = append(tags, id)
			}
		}
		item.Tags = tags
		items[i] = item
		t.d.items[item.ID] = item
	}
	order, groups := byParent(items)
	for _, parent := range order {
		col, err := t.collection(parent)
		if err != nil {
			return err
		}
		t.c.ItemsTagsChanged(groups[parent], ch.AddedTags, ch.RemovedTags, col, col.Resource)
	}
	return nil
}

func (t *tx) itemMove(ch Change) error {
	items, err := t.items(ch.Items)
	if err != nil {
		return err
	}
	dest, err := t.collection(ch.Destination)
	if err != nil {
		return err
	}
	if dest.ID == entity.RootID {
		return fmt.Errorf("%w: cannot move items to the root", ErrInvalidChange)
	}
	order, groups := byParent(items)
	for _, parent := range order {
		if parent == dest.ID {
			continue
		}
		src, err := t.collection(parent)
		if err != nil {
			return err
		}
		moved := groups[parent]
		for _, item := range moved {
			item.ParentID = dest.ID
			t.d.items[item.ID] = item
		}
		t.c.ItemsMoved(moved, src, dest, src.Resource)
	}
	return nil
}

func (t *tx) itemRemove(ch Change) error {
	items, err := t.items(ch.Items)
	if err != nil {
		return err
	}
	t.removeItems(items)
	return nil
}

func (t *tx) removeItems(items []entity.Item) {
	for _, item := range items {
		delete(t.d.items, item.ID)
		for _, set := range t.d.links {
			delete(set, item.ID)
		}
		for key := range t.d.relations {
			if key.left == item.ID || key.right == item.ID {
				delete(t.d.relations, key)
			}
		}
	}
	order, groups := byParent(items)
	for _, parent := range order {
		col, _ := t.collection(parent)
		t.c.ItemsRemoved(groups[parent], col, col.Resource)
	}
}

func (t *tx) itemLink(ch Change, link bool) error {
	if ch.Collection == nil {
		return fmt.Errorf("%w: virtual collection required", ErrInvalidChange)
	}
	col, err := t.collection(ch.Collection.ID)
	if err != nil {
		return err
	}
	items, err := t.items(ch.Items)
	if err != nil {
		return err
	}
	set := t.d.links[col.ID]
	if set == nil {
		set = make(map[int64]struct{})
		t.d.links[col.ID] = set
	}
	var changed []entity.Item
	for _, item := range items {
		_, had := set[item.ID]
		switch {
		case link && !had:
			set[item.ID] = struct{}{}
			changed = append(changed, item)
		case !link && had:
			delete(set, item.ID)
			changed = append(changed, item)
		}
	}
	if link {
		t.c.ItemsLinked(changed, col)
	} else {
		t.c.ItemsUnlinked(changed, col)
	}
	return nil
}

func (t *tx) collectionAdd(ch Change) error {
	if ch.Collection == nil {
		return fmt.Errorf("%w: collection required", ErrInvalidChange)
	}
	col := *ch.Collection
	if col.Name == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidChange)
	}
	parent, err := t.collection(col.ParentID)
	if err != nil {
		return err
	}
	if col.Resource == "" {
		col.Resource = parent.Resource
	}
	if col.Resource == "" {
		return fmt.Errorf("%w: top-level collections need a resource", ErrInvalidChange)
	}
	if col.ID == 0 {
		col.ID = t.newID()
	} else if _, exists := t.d.collections[col.ID]; exists {
		return fmt.Errorf("%w: collection %d exists", ErrInvalidChange, col.ID)
	}
	t.claim(col.ID)
	t.d.collections[col.ID] = col
	t.created = append(t.created, col.ID)
	t.c.CollectionAdded(col, col.Resource)
	return nil
}

func (t *tx) collectionModify(ch Change) error {
	if ch.Collection == nil {
		return fmt.Errorf("%w: collection required", ErrInvalidChange)
	}
	col, ok := t.d.collections[ch.Collection.ID]
	if !ok {
		return fmt.Errorf("%w: collection %d", ErrNotFound, ch.Collection.ID)
	}
	parts := slices.Clone(ch.Parts)
	if n := ch.Collection.Name; n != "" && n != col.Name {
		col.Name = n
		parts = append(parts, "NAME")
	}
	if rid := ch.Collection.RemoteID; rid != "" && rid != col.RemoteID {
		col.RemoteID = rid
		parts = append(parts, "REMOTEID")
	}
	if mts := ch.Collection.ContentMimeTypes; len(mts) > 0 && !slices.Equal(mts, col.ContentMimeTypes) {
		col.ContentMimeTypes = mts
		parts = append(parts, "MIMETYPE")
	}
	t.d.collections[col.ID] = col
	t.c.CollectionChanged(col, parts, col.Resource)
	return nil
}

func (t *tx) isDescendant(id, ancestor int64) bool {
	for id != entity.RootID {
		if id == ancestor {
			return true
		}
		col, ok := t.d.collections[id]
		if !ok {
			return false
		}
		id = col.ParentID
	}
	return false
}

func (t *tx) collectionMove(ch Change) error {
	if ch.Collection == nil {
		return fmt.Errorf("%w: collection required", ErrInvalidChange)
	}
	col, ok := t.d.collections[ch.Collection.ID]
	if !ok {
		return fmt.Errorf("%w: collection %d", ErrNotFound, ch.Collection.ID)
	}
	dest, err := t.collection(ch.Destination)
	if err != nil {
		return err
	}
	if dest.ID == col.ParentID {
		return nil
	}
	if t.isDescendant(dest.ID, col.ID) {
		return fmt.Errorf("%w: cannot move collection %d below itself", ErrInvalidChange, col.ID)
	}
	source, err := t.collection(col.ParentID)
	if err != nil {
		return err
	}
	sourceResource := col.Resource
	col.ParentID = dest.ID
	t.d.collections[col.ID] = col
	destResource := dest.Resource
	if destResource == "" {
		destResource = sourceResource
	}
	t.c.CollectionMoved(col, source, sourceResource, destResource)
	return nil
}

func (t *tx) collectionRemove(ch Change) error {
	if ch.Collection == nil {
		return fmt.Errorf("%w: collection required", ErrInvalidChange)
	}
	col, ok := t.d.collections[ch.Collection.ID]
	if !ok {
		return fmt.Errorf("%w: collection %d", ErrNotFound, ch.Collection.ID)
	}
	t.removeCollection(col)
	return nil
}

// removeCollection removes col with its subtree, children first.
func (t *tx) removeCollection(col entity.Collection) {
	var children []entity.Collection
	for _, c := range t.d.collections {
		if c.ParentID == col.ID {
			children = append(children, c)
		}
	}
	slices.SortFunc(children, func(a, b entity.Collection) int { return cmp.Compare(a.ID, b.ID) })
	for _, child := range children {
		t.removeCollection(child)
	}

	var items []entity.Item
	for _, item := range t.d.items {
		if item.ParentID == col.ID {
			items = append(items, item)
		}
	}
	slices.SortFunc(items, func(a, b entity.Item) int { return cmp.Compare(a.ID, b.ID) })
	if len(items) > 0 {
		t.removeItems(items)
	}

	delete(t.d.collections, col.ID)
	delete(t.d.links, col.ID)
	t.c.CollectionRemoved(col, col.Resource)
}

func (t *tx) collectionSubscribe(ch Change, on bool) error {
	if ch.Collection == nil {
		return fmt.Errorf("%w: collection required", ErrInvalidChange)
	}
	col, ok := t.d.collections[ch.Collection.ID]
	if !ok {
		return fmt.Errorf("%w: collection %d", ErrNotFound, ch.Collection.ID)
	}
	if col.Enabled == on {
		return nil
	}
	col.Enabled = on
	t.d.collections[col.ID] = col
	if on {
		t.c.CollectionSubscribed(col, col.Resource)
	} else {
		t.c.CollectionUnsubscribed(col, col.Resource)
	}
	return nil
}

func (t *tx) tagAdd(ch Change) error {
	if ch.Tag == nil || ch.Tag.GID == "" {
		return fmt.Errorf("%w: tag with gid required", ErrInvalidChange)
	}
	tag := *ch.Tag
	for _, existing := range t.d.tags {
		if existing.GID == tag.GID {
			return fmt.Errorf("%w: tag %q exists", ErrInvalidChange, tag.GID)
		}
	}
	if tag.ID == 0 {
		tag.ID = t.newID()
	}
	t.claim(tag.ID)
	t.d.tags[tag.ID] = tag
	t.created = append(t.created, tag.ID)
	t.c.TagAdded(tag)
	return nil
}

func (t *tx) tagModify(ch Change) error {
	if ch.Tag == nil {
		return fmt.Errorf("%w: tag required", ErrInvalidChange)
	}
	tag, ok := t.d.tags[ch.Tag.ID]
	if !ok {
		return fmt.Errorf("%w: tag %d", ErrNotFound, ch.Tag.ID)
	}
	if ch.Tag.Type != "" {
		tag.Type = ch.Tag.Type
	}
	if ch.Tag.RemoteID != "" {
		tag.RemoteID = ch.Tag.RemoteID
	}
	t.d.tags[tag.ID] = tag
	t.c.TagChanged(tag)
	return nil
}

func (t *tx) tagRemove(ch Change) error {
	if ch.Tag == nil {
		return fmt.Errorf("%w: tag required", ErrInvalidChange)
	}
	tag, ok := t.d.tags[ch.Tag.ID]
	if !ok {
		return fmt.Errorf("%w: tag %d", ErrNotFound, ch.Tag.ID)
	}
	delete(t.d.tags, tag.ID)
	for id, item := range t.d.items {
		if slices.Contains(item.Tags, tag.ID) {
			item.Tags = slices.DeleteFunc(slices.Clone(item.Tags), func(v int64) bool { return v == tag.ID })
			t.d.items[id] = item
		}
	}
	t.c.TagRemoved(tag, "", "")
	return nil
}

func (t *tx) relation(ch Change, add bool) error {
	if ch.Relation == nil || !ch.Relation.Valid() {
		return fmt.Errorf("%w: relation with two items required", ErrInvalidChange)
	}
	rel := *ch.Relation
	key := relationKey{left: rel.Left, right: rel.Right, typ: rel.Type}
	if add {
		for _, id := range []int64{rel.Left, rel.Right} {
			if _, ok := t.d.items[id]; !ok {
				return fmt.Errorf("%w: item %d", ErrNotFound, id)
			}
		}
		if _, exists := t.d.relations[key]; exists {
			return nil
		}
		t.d.relations[key] = rel
		t.c.RelationAdded(rel)
		return nil
	}
	stored, ok := t.d.relations[key]
	if !ok {
		return fmt.Errorf("%w: relation %d-%d", ErrNotFound, rel.Left, rel.Right)
	}
	delete(t.d.relations, key)
	t.c.RelationRemoved(stored)
	return nil
}
