// Package entity holds the resolved PIM objects that notifications refer to.
package entity

// RootID is the id of the virtual root collection above all resources.
const RootID int64 = 0

// Collection is a folder-like container of items.
type Collection struct {
	ID               int64    `json:"id"`
	ParentID         int64    `json:"parentId"`
	Name             string   `json:"name"`
	RemoteID         string   `json:"remoteId,omitempty"`
	RemoteRevision   string   `json:"remoteRevision,omitempty"`
	Resource         string   `json:"resource"`
	ContentMimeTypes []string `json:"contentMimeTypes,omitempty"`
	Enabled          bool     `json:"enabled"`
}

// Valid reports whether c refers to a stored collection. The root is valid.
func (c Collection) Valid() bool {
	return c.ID >= 0 && (c.ID == RootID || c.Resource != "" || c.Name != "")
}

// Item is a single PIM object.
type Item struct {
	ID             int64    `json:"id"`
	ParentID       int64    `json:"parentId"`
	RemoteID       string   `json:"remoteId,omitempty"`
	RemoteRevision string   `json:"remoteRevision,omitempty"`
	MimeType       string   `json:"mimeType"`
	Flags          []string `json:"flags,omitempty"`
	Tags           []int64  `json:"tags,omitempty"`
	Size           int64    `json:"size,omitempty"`
}

func (i Item) Valid() bool {
	return i.ID > 0
}

// Tag labels items across collections.
type Tag struct {
	ID       int64  `json:"id"`
	GID      string `json:"gid"`
	Type     string `json:"type,omitempty"`
	RemoteID string `json:"remoteId,omitempty"`
}

func (t Tag) Valid() bool {
	return t.ID > 0
}

// Relation links two items.
type Relation struct {
	Left     int64  `json:"left"`
	Right    int64  `json:"right"`
	Type     string `json:"type"`
	RemoteID string `json:"remoteId,omitempty"`
}

func (r Relation) Valid() bool {
	return r.Left > 0 && r.Right > 0
}
