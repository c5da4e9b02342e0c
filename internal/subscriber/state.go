// Package subscriber holds per-connection subscription state and the
// decision function that tells whether a notification is relevant to it.
package subscriber

import (
	"maps"
	"slices"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// State is the interest declared by one subscriber. It is not safe for
// concurrent use; the owner serialises writes and hands out clones.
type State struct {
	allMonitored bool
	collections  map[int64]struct{}
	items        map[int64]struct{}
	tags         map[int64]struct{}
	types        map[notification.Type]struct{}
	resources    map[string]struct{}
	mimeTypes    map[string]struct{}
	sessions     map[string]struct{}
}

// NewState returns an empty subscription.
func NewState() *State {
	return &State{
		collections: make(map[int64]struct{}),
		items:       make(map[int64]struct{}),
		tags:        make(map[int64]struct{}),
		types:       make(map[notification.Type]struct{}),
		resources:   make(map[string]struct{}),
		mimeTypes:   make(map[string]struct{}),
		sessions:    make(map[string]struct{}),
	}
}

func toggle[K comparable](set map[K]struct{}, key K, on bool) bool {
	_, had := set[key]
	if on {
		set[key] = struct{}{}
	} else {
		delete(set, key)
	}
	return had != on
}

// The setters report whether the state changed.

func (s *State) SetAllMonitored(on bool) bool {
	changed := s.allMonitored != on
	s.allMonitored = on
	return changed
}

func (s *State) SetCollectionMonitored(id int64, on bool) bool {
	return toggle(s.collections, id, on)
}

func (s *State) SetItemMonitored(id int64, on bool) bool {
	return toggle(s.items, id, on)
}

func (s *State) SetTagMonitored(id int64, on bool) bool {
	return toggle(s.tags, id, on)
}

func (s *State) SetTypeMonitored(t notification.Type, on bool) bool {
	return toggle(s.types, t, on)
}

func (s *State) SetResourceMonitored(resource string, on bool) bool {
	return toggle(s.resources, resource, on)
}

func (s *State) SetMimeTypeMonitored(mimeType string, on bool) bool {
	return toggle(s.mimeTypes, mimeType, on)
}

// SetSessionIgnored suppresses notifications caused by session.
func (s *State) SetSessionIgnored(session string, on bool) bool {
	return toggle(s.sessions, session, on)
}

func (s *State) AllMonitored() bool { return s.allMonitored }

func (s *State) IsCollectionMonitoredExplicitly(id int64) bool {
	_, ok := s.collections[id]
	return ok
}

func (s *State) IsItemMonitored(id int64) bool {
	_, ok := s.items[id]
	return ok
}

func (s *State) IsResourceMonitored(resource string) bool {
	_, ok := s.resources[resource]
	return ok
}

func (s *State) IsSessionIgnored(session string) bool {
	_, ok := s.sessions[session]
	return ok
}

// IsEmpty is true when the subscriber has declared no interest at all.
func (s *State) IsEmpty() bool {
	return !s.allMonitored &&
		len(s.collections) == 0 &&
		len(s.items) == 0 &&
		len(s.tags) == 0 &&
		len(s.types) == 0 &&
		len(s.resources) == 0 &&
		len(s.mimeTypes) == 0
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	return &State{
		allMonitored: s.allMonitored,
		collections:  maps.Clone(s.collections),
		items:        maps.Clone(s.items),
		tags:         maps.Clone(s.tags),
		types:        maps.Clone(s.types),
		resources:    maps.Clone(s.resources),
		mimeTypes:    maps.Clone(s.mimeTypes),
		sessions:     maps.Clone(s.sessions),
	}
}

// Snapshot is a serialisable view of a State.
type Snapshot struct {
	AllMonitored    bool                `json:"allMonitored"`
	Collections     []int64             `json:"collections,omitempty"`
	Items           []int64             `json:"items,omitempty"`
	Tags            []int64             `json:"tags,omitempty"`
	Types           []notification.Type `json:"types,omitempty"`
	Resources       []string            `json:"resources,omitempty"`
	MimeTypes       []string            `json:"mimeTypes,omitempty"`
	IgnoredSessions []string            `json:"ignoredSessions,omitempty"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		AllMonitored:    s.allMonitored,
		Collections:     slices.Sorted(maps.Keys(s.collections)),
		Items:           slices.Sorted(maps.Keys(s.items)),
		Tags:            slices.Sorted(maps.Keys(s.tags)),
		Types:           slices.Sorted(maps.Keys(s.types)),
		Resources:       slices.Sorted(maps.Keys(s.resources)),
		MimeTypes:       slices.Sorted(maps.Keys(s.mimeTypes)),
		IgnoredSessions: slices.Sorted(maps.Keys(s.sessions)),
	}
}

// FromSnapshot rebuilds a State.
func FromSnapshot(snap Snapshot) *State {
	s := NewState()
	s.allMonitored = snap.AllMonitored
	for _, id := range snap.Collections {
		s.collections[id] = struct{}{}
	}
	for _, id := range snap.Items {
		s.items[id] = struct{}{}
	}
	for _, id := range snap.Tags {
		s.tags[id] = struct{}{}
	}
	for _, t := range snap.Types {
		s.types[t] = struct{}{}
	}
	for _, r := range snap.Resources {
		s.resources[r] = struct{}{}
	}
	for _, mt := range snap.MimeTypes {
		s.mimeTypes[mt] = struct{}{}
	}
	for _, sess := range snap.IgnoredSessions {
		s.sessions[sess] = struct{}{}
	}
	return s
}
