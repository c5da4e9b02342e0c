package collector

import (
	"slices"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// appendAndCompress stages msg, folding it into already staged messages
// where that does not change what a subscriber observes.
func appendAndCompress(staged []notification.Message, msg notification.Message) []notification.Message {
	if msg.Operation == notification.OpRemove {
		staged = dropModifications(staged, msg)
	}

	if msg.Operation == notification.OpModify && len(msg.Entities) == 1 {
		for i := len(staged) - 1; i >= 0; i-- {
			prev := staged[i]
			if prev.Operation == notification.OpModify && len(prev.Entities) == 1 &&
				prev.Entities[0].ID == msg.Entities[0].ID && sameHeader(prev, msg) {
				merged := prev.Clone()
				merged.ItemParts = notification.Union(prev.ItemParts, msg.ItemParts)
				staged[i] = merged
				return staged
			}
		}
	}

	if n := len(staged); n > 0 && batchable(staged[n-1], msg) {
		staged[n-1] = staged[n-1].WithEntities(msg.Entities...)
		return staged
	}
	return append(staged, msg)
}

// dropModifications removes staged modifications of entities that msg
// deletes.
func dropModifications(staged []notification.Message, removal notification.Message) []notification.Message {
	out := staged[:0]
	for _, prev := range staged {
		if prev.Type != removal.Type || !prev.Operation.IsModify() {
			out = append(out, prev)
			continue
		}
		kept := prev.Clone()
		kept.Entities = slices.DeleteFunc(kept.Entities, func(e notification.Entity) bool {
			return removal.HasEntity(e.ID)
		})
		if len(kept.Entities) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

func sameHeader(a, b notification.Message) bool {
	return a.Type == b.Type &&
		a.SessionID == b.SessionID &&
		a.ParentCollection == b.ParentCollection &&
		a.ParentDestCollection == b.ParentDestCollection &&
		a.Resource == b.Resource &&
		a.DestinationResource == b.DestinationResource
}

func batchable(a, b notification.Message) bool {
	if a.Operation != b.Operation || !sameHeader(a, b) {
		return false
	}
	switch a.Type {
	case notification.TypeItem, notification.TypeCollection, notification.TypeTag:
	default:
		return false
	}
	if a.Operation == notification.OpSubscribe || a.Operation == notification.OpUnsubscribe {
		return false
	}
	return slices.Equal(a.ItemParts, b.ItemParts) &&
		slices.Equal(a.AddedFlags, b.AddedFlags) &&
		slices.Equal(a.RemovedFlags, b.RemovedFlags) &&
		slices.Equal(a.AddedTags, b.AddedTags) &&
		slices.Equal(a.RemovedTags, b.RemovedTags) &&
		slices.Equal(a.ContentMimeTypes, b.ContentMimeTypes)
}
