package monitor

import (
	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// Handlers receive resolved change events. Unset fields are not listened
// to, and notifications nobody listens to are dropped before any data is
// fetched for them. Handlers run on the monitor's goroutine in registration
// order. They may call the monitor's non-blocking methods, which take effect
// after the handler returns, but must not call Do.
type Handlers struct {
	ItemAdded         func(item entity.Item, col entity.Collection)
	ItemChanged       func(item entity.Item, parts []string)
	ItemsFlagsChanged func(items []entity.Item, added, removed []string)
	ItemsTagsChanged  func(items []entity.Item, added, removed []entity.Tag)
	ItemMoved         func(item entity.Item, src, dst entity.Collection)
	ItemsMoved        func(items []entity.Item, src, dst entity.Collection)
	ItemRemoved       func(item entity.Item)
	ItemsRemoved      func(items []entity.Item)
	ItemsLinked       func(items []entity.Item, col entity.Collection)
	ItemsUnlinked     func(items []entity.Item, col entity.Collection)

	CollectionAdded        func(col, parent entity.Collection)
	CollectionChanged      func(col entity.Collection, attributes []string)
	CollectionMoved        func(col, src, dst entity.Collection)
	CollectionRemoved      func(col entity.Collection)
	CollectionSubscribed   func(col, parent entity.Collection)
	CollectionUnsubscribed func(col entity.Collection)

	TagAdded   func(tag entity.Tag)
	TagChanged func(tag entity.Tag)
	TagRemoved func(tag entity.Tag)

	RelationAdded   func(rel entity.Relation)
	RelationRemoved func(rel entity.Relation)
}

// handlerSet is the monitor's registration list. It is only touched on the
// monitor goroutine.
type handlerSet []Handlers

func (hs handlerSet) any(pred func(h Handlers) bool) bool {
	for _, h := range hs {
		if pred(h) {
			return true
		}
	}
	return false
}

func (hs handlerSet) itemAdded() bool {
	return hs.any(func(h Handlers) bool { return h.ItemAdded != nil })
}

func (hs handlerSet) itemChanged() bool {
	return hs.any(func(h Handlers) bool { return h.ItemChanged != nil })
}

func (hs handlerSet) itemsFlagsChanged() bool {
	return hs.any(func(h Handlers) bool { return h.ItemsFlagsChanged != nil })
}

// isLazilyIgnored reports whether no handler would receive msg. A flag
// change also reaches ItemChanged handlers when conversion is allowed.
func (hs handlerSet) isLazilyIgnored(msg notification.Message, allowConversion bool) bool {
	switch msg.Type {
	case notification.TypeTag:
		switch msg.Operation {
		case notification.OpAdd:
			return !hs.any(func(h Handlers) bool { return h.TagAdded != nil })
		case notification.OpModify:
			return !hs.any(func(h Handlers) bool { return h.TagChanged != nil })
		case notification.OpRemove:
			return !hs.any(func(h Handlers) bool { return h.TagRemoved != nil })
		}
	case notification.TypeItem:
		switch msg.Operation {
		case notification.OpAdd:
			return !hs.itemAdded()
		case notification.OpModify:
			return !hs.itemChanged()
		case notification.OpModifyFlags:
			return !hs.itemsFlagsChanged() && (!allowConversion || !hs.itemChanged())
		case notification.OpModifyTags:
			return !hs.any(func(h Handlers) bool { return h.ItemsTagsChanged != nil })
		case notification.OpMove:
			return !hs.any(func(h Handlers) bool { return h.ItemMoved != nil || h.ItemsMoved != nil })
		case notification.OpRemove:
			return !hs.any(func(h Handlers) bool { return h.ItemRemoved != nil || h.ItemsRemoved != nil })
		case notification.OpLink:
			return !hs.any(func(h Handlers) bool { return h.ItemsLinked != nil })
		case notification.OpUnlink:
			return !hs.any(func(h Handlers) bool { return h.ItemsUnlinked != nil })
		}
	}
	return false
}

// needsSplit reports whether a batch has to be queued as one message per
// item because only single-item handlers exist for it.
func (hs handlerSet) needsSplit(msg notification.Message) bool {
	if msg.Type != notification.TypeItem {
		return false
	}
	switch msg.Operation {
	case notification.OpAdd, notification.OpModify:
		return len(msg.Entities) > 1
	case notification.OpModifyFlags:
		return !hs.itemsFlagsChanged() && hs.itemChanged()
	}
	return false
}

func (hs handlerSet) emitItems(msg notification.Message, items []entity.Item, parent, dest entity.Collection, added, removed []entity.Tag) bool {
	listened := false
	for _, h := range hs {
		switch msg.Operation {
		case notification.OpAdd:
			if h.ItemAdded != nil {
				listened = true
				for _, item := range items {
					h.ItemAdded(item, parent)
				}
			}
		case notification.OpModify:
			if h.ItemChanged != nil {
				listened = true
				for _, item := range items {
					h.ItemChanged(item, msg.ItemParts)
				}
			}
		case notification.OpModifyFlags:
			if h.ItemsFlagsChanged != nil {
				listened = true
				h.ItemsFlagsChanged(items, msg.AddedFlags, msg.RemovedFlags)
			}
		case notification.OpModifyTags:
			if h.ItemsTagsChanged != nil {
				listened = true
				h.ItemsTagsChanged(items, added, removed)
			}
		case notification.OpMove:
			switch {
			case h.ItemsMoved != nil:
				listened = true
				h.ItemsMoved(items, parent, dest)
			case h.ItemMoved != nil:
				listened = true
				for _, item := range items {
					h.ItemMoved(item, parent, dest)
				}
			}
		case notification.OpRemove:
			switch {
			case h.ItemsRemoved != nil:
				listened = true
				h.ItemsRemoved(items)
			case h.ItemRemoved != nil:
				listened = true
				for _, item := range items {
					h.ItemRemoved(item)
				}
			}
		case notification.OpLink:
			if h.ItemsLinked != nil {
				listened = true
				h.ItemsLinked(items, parent)
			}
		case notification.OpUnlink:
			if h.ItemsUnlinked != nil {
				listened = true
				h.ItemsUnlinked(items, parent)
			}
		}
	}
	return listened
}

func (hs handlerSet) emitCollection(op notification.Operation, col, parent, dest entity.Collection, attrs []string) bool {
	listened := false
	for _, h := range hs {
		switch op {
		case notification.OpAdd:
			if h.CollectionAdded != nil {
				listened = true
				h.CollectionAdded(col, parent)
			}
		case notification.OpModify:
			if h.CollectionChanged != nil {
				listened = true
				h.CollectionChanged(col, attrs)
			}
		case notification.OpMove:
			if h.CollectionMoved != nil {
				listened = true
				h.CollectionMoved(col, parent, dest)
			}
		case notification.OpRemove:
			if h.CollectionRemoved != nil {
				listened = true
				h.CollectionRemoved(col)
			}
		case notification.OpSubscribe:
			if h.CollectionSubscribed != nil {
				listened = true
				h.CollectionSubscribed(col, parent)
			}
		case notification.OpUnsubscribe:
			if h.CollectionUnsubscribed != nil {
				listened = true
				h.CollectionUnsubscribed(col)
			}
		}
	}
	return listened
}

func (hs handlerSet) emitTag(op notification.Operation, tag entity.Tag) bool {
	listened := false
	for _, h := range hs {
		var fn func(entity.Tag)
		switch op {
		case notification.OpAdd:
			fn = h.TagAdded
		case notification.OpModify:
			fn = h.TagChanged
		case notification.OpRemove:
			fn = h.TagRemoved
		}
		if fn != nil {
			listened = true
			fn(tag)
		}
	}
	return listened
}

func (hs handlerSet) emitRelation(op notification.Operation, rel entity.Relation) bool {
	listened := false
	for _, h := range hs {
		var fn func(entity.Relation)
		switch op {
		case notification.OpAdd:
			fn = h.RelationAdded
		case notification.OpRemove:
			fn = h.RelationRemoved
		}
		if fn != nil {
			listened = true
			fn(rel)
		}
	}
	return listened
}
