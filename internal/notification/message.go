package notification

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Entity references one changed entity inside a message.
type Entity struct {
	ID             int64  `json:"id"`
	RemoteID       string `json:"remoteId,omitempty"`
	RemoteRevision string `json:"remoteRevision,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
}

// Message describes one change event. Messages are passed by value and are
// never mutated after construction; variants are derived with Clone.
type Message struct {
	Type      Type      `json:"type"`
	Operation Operation `json:"operation"`
	SessionID string    `json:"sessionId,omitempty"`

	Entities []Entity `json:"entities,omitempty"`

	ParentCollection     int64 `json:"parentCollection"`
	ParentDestCollection int64 `json:"parentDestCollection"`

	Resource            string `json:"resource,omitempty"`
	DestinationResource string `json:"destinationResource,omitempty"`

	// ItemParts holds changed part identifiers for Modify. Collections use it
	// for changed attributes.
	ItemParts []string `json:"itemParts,omitempty"`

	AddedFlags   []string `json:"addedFlags,omitempty"`
	RemovedFlags []string `json:"removedFlags,omitempty"`
	AddedTags    []int64  `json:"addedTags,omitempty"`
	RemovedTags  []int64  `json:"removedTags,omitempty"`

	// ContentMimeTypes lists the declared content types of a collection.
	ContentMimeTypes []string `json:"contentMimeTypes,omitempty"`
}

// UIDs returns the ids of all referenced entities in message order.
func (m Message) UIDs() []int64 {
	ids := make([]int64, 0, len(m.Entities))
	for _, e := range m.Entities {
		ids = append(ids, e.ID)
	}
	return ids
}

// HasEntity reports whether id is one of the referenced entities.
func (m Message) HasEntity(id int64) bool {
	for _, e := range m.Entities {
		if e.ID == id {
			return true
		}
	}
	return false
}

// IsInterResourceMove is true for moves crossing a resource boundary.
func (m Message) IsInterResourceMove() bool {
	return m.Operation == OpMove && m.DestinationResource != "" && m.Resource != m.DestinationResource
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	c := m
	c.Entities = slices.Clone(m.Entities)
	c.ItemParts = slices.Clone(m.ItemParts)
	c.AddedFlags = slices.Clone(m.AddedFlags)
	c.RemovedFlags = slices.Clone(m.RemovedFlags)
	c.AddedTags = slices.Clone(m.AddedTags)
	c.RemovedTags = slices.Clone(m.RemovedTags)
	c.ContentMimeTypes = slices.Clone(m.ContentMimeTypes)
	return c
}

// Split returns one message per referenced entity. A message with a single
// entity is returned as is.
func (m Message) Split() []Message {
	if len(m.Entities) <= 1 {
		return []Message{m}
	}
	out := make([]Message, 0, len(m.Entities))
	for _, e := range m.Entities {
		c := m.Clone()
		c.Entities = []Entity{e}
		out = append(out, c)
	}
	return out
}

// WithEntities returns a copy with ents appended, skipping ids already
// present.
func (m Message) WithEntities(ents ...Entity) Message {
	c := m.Clone()
	for _, e := range ents {
		if !c.HasEntity(e.ID) {
			c.Entities = append(c.Entities, e)
		}
	}
	return c
}

// Equal compares two messages field by field. Set-valued fields compare
// independent of order.
func (m Message) Equal(o Message) bool {
	return m.Type == o.Type &&
		m.Operation == o.Operation &&
		m.SessionID == o.SessionID &&
		slices.Equal(m.Entities, o.Entities) &&
		m.ParentCollection == o.ParentCollection &&
		m.ParentDestCollection == o.ParentDestCollection &&
		m.Resource == o.Resource &&
		m.DestinationResource == o.DestinationResource &&
		slices.Equal(SortedSet(m.ItemParts), SortedSet(o.ItemParts)) &&
		slices.Equal(SortedSet(m.AddedFlags), SortedSet(o.AddedFlags)) &&
		slices.Equal(SortedSet(m.RemovedFlags), SortedSet(o.RemovedFlags)) &&
		slices.Equal(SortedSet(m.AddedTags), SortedSet(o.AddedTags)) &&
		slices.Equal(SortedSet(m.RemovedTags), SortedSet(o.RemovedTags)) &&
		slices.Equal(SortedSet(m.ContentMimeTypes), SortedSet(o.ContentMimeTypes))
}

func (m Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", m.Type, m.Operation)
	ids := m.UIDs()
	if len(ids) > 0 {
		fmt.Fprintf(&sb, " ids=%v", ids)
	}
	fmt.Fprintf(&sb, " parent=%d", m.ParentCollection)
	if m.Operation == OpMove {
		fmt.Fprintf(&sb, " dest=%d", m.ParentDestCollection)
	}
	if m.Resource != "" {
		fmt.Fprintf(&sb, " resource=%s", m.Resource)
	}
	if m.DestinationResource != "" && m.DestinationResource != m.Resource {
		fmt.Fprintf(&sb, " destResource=%s", m.DestinationResource)
	}
	if m.SessionID != "" {
		fmt.Fprintf(&sb, " session=%s", m.SessionID)
	}
	if len(m.ItemParts) > 0 {
		fmt.Fprintf(&sb, " parts=%v", m.ItemParts)
	}
	return sb.String()
}

// SortedSet returns the sorted, de-duplicated values of in.
func SortedSet[T cmp.Ordered](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// Union merges two sets into a sorted, de-duplicated slice.
func Union[T cmp.Ordered](a, b []T) []T {
	return SortedSet(append(slices.Clone(a), b...))
}
