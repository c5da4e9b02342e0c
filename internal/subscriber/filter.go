package subscriber

import (
	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// Accepts decides whether msg should be delivered to this subscriber. It has
// no side effects and rejects anything it does not understand.
func (s *State) Accepts(msg notification.Message) bool {
	// Changes a subscriber caused itself are dropped, except when they touch
	// a resource it watches.
	if s.IsSessionIgnored(msg.SessionID) && !s.isResourceInterested(msg) {
		return false
	}

	if !msg.Type.Valid() || !msg.Operation.Valid() {
		return false
	}

	if len(s.types) > 0 {
		if _, ok := s.types[msg.Type]; !ok {
			return false
		}
	}

	switch msg.Type {
	case notification.TypeItem:
		return s.acceptsItem(msg)
	case notification.TypeCollection:
		return s.acceptsCollection(msg)
	case notification.TypeTag:
		return s.acceptsTag(msg)
	case notification.TypeRelation:
		return len(msg.Entities) > 0
	case notification.TypeSubscription:
		_, ok := s.types[notification.TypeSubscription]
		return ok
	}
	return false
}

func (s *State) isResourceInterested(msg notification.Message) bool {
	if msg.Resource != "" && s.IsResourceMonitored(msg.Resource) {
		return true
	}
	return msg.DestinationResource != "" && s.IsResourceMonitored(msg.DestinationResource)
}

// IsCollectionMonitored treats a watch on the root collection as a watch on
// everything.
func (s *State) IsCollectionMonitored(id int64) bool {
	if id < 0 {
		return false
	}
	if _, ok := s.collections[id]; ok {
		return true
	}
	_, all := s.collections[entity.RootID]
	return all
}

func (s *State) isMimeTypeMonitored(mimeType string) bool {
	if mimeType == "" {
		return false
	}
	_, ok := s.mimeTypes[mimeType]
	return ok
}

// WatchesLocations is true when interest is bounded by collections or
// resources, which is when moves have to be translated for the subscriber.
func (s *State) WatchesLocations() bool {
	return !s.allMonitored && (len(s.collections) > 0 || len(s.resources) > 0)
}

// MoveEnds reports which ends of a move the subscriber watches.
func (s *State) MoveEnds(msg notification.Message) (source, destination bool) {
	if len(s.resources) > 0 {
		source = s.IsResourceMonitored(msg.Resource)
		destination = s.isMoveDestinationResourceMonitored(msg)
	}
	if !source {
		source = s.IsCollectionMonitored(msg.ParentCollection)
	}
	if !destination {
		destination = s.IsCollectionMonitored(msg.ParentDestCollection)
	}
	return source, destination
}

func (s *State) isMoveDestinationResourceMonitored(msg notification.Message) bool {
	return msg.Operation == notification.OpMove && msg.DestinationResource != "" &&
		s.IsResourceMonitored(msg.DestinationResource)
}

func (s *State) isMoveParentMonitored(msg notification.Message) bool {
	if s.IsCollectionMonitored(msg.ParentCollection) {
		return true
	}
	return msg.Operation == notification.OpMove && s.IsCollectionMonitored(msg.ParentDestCollection)
}

func (s *State) interResourceMoveMatches(msg notification.Message) bool {
	if !msg.IsInterResourceMove() {
		return false
	}
	return s.IsResourceMonitored(msg.Resource) ||
		s.IsResourceMonitored(msg.DestinationResource) ||
		s.isMoveParentMonitored(msg)
}

func (s *State) acceptsItem(msg notification.Message) bool {
	if len(msg.Entities) == 0 {
		return false
	}
	if s.interResourceMoveMatches(msg) {
		return true
	}
	if s.allMonitored {
		return true
	}

	// A resource or mimetype filter decides on its own.
	if len(s.resources) > 0 || len(s.mimeTypes) > 0 {
		if s.IsResourceMonitored(msg.Resource) || s.isMoveDestinationResourceMonitored(msg) {
			return true
		}
		for _, e := range msg.Entities {
			if s.isMimeTypeMonitored(e.MimeType) {
				return true
			}
		}
		return false
	}

	for _, e := range msg.Entities {
		if s.IsItemMonitored(e.ID) {
			return true
		}
	}
	return s.isMoveParentMonitored(msg)
}

func (s *State) acceptsCollection(msg notification.Message) bool {
	if len(msg.Entities) == 0 {
		return false
	}

	// New top-level collections are announced to everyone interested in
	// what they may contain.
	if msg.Operation == notification.OpAdd && msg.ParentCollection == entity.RootID {
		for _, mt := range msg.ContentMimeTypes {
			if s.isMimeTypeMonitored(mt) {
				return true
			}
		}
	}

	if s.interResourceMoveMatches(msg) {
		return true
	}
	if s.allMonitored {
		return true
	}

	if len(s.resources) > 0 {
		matches := s.IsResourceMonitored(msg.Resource) || s.isMoveDestinationResourceMonitored(msg)
		if len(s.mimeTypes) == 0 || matches {
			return matches
		}
	}

	for _, e := range msg.Entities {
		if s.IsCollectionMonitored(e.ID) || s.isMimeTypeMonitored(e.MimeType) {
			return true
		}
	}
	return s.isMoveParentMonitored(msg)
}

// isResourceScoped is true for subscribers that act on behalf of a resource.
func (s *State) isResourceScoped() bool {
	return len(s.resources) > 0 || len(s.sessions) > 0
}

func (s *State) acceptsTag(msg notification.Message) bool {
	if len(msg.Entities) == 0 {
		return false
	}

	if msg.Operation == notification.OpRemove {
		if msg.Resource != "" {
			return s.IsResourceMonitored(msg.Resource) || s.IsSessionIgnored(msg.Resource)
		}
		if s.isResourceScoped() {
			return false
		}
	}

	if s.allMonitored || len(s.tags) == 0 {
		return true
	}
	for _, e := range msg.Entities {
		if _, ok := s.tags[e.ID]; ok {
			return true
		}
	}
	return false
}
