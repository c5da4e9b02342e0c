package journal

import "errors"

var (
	ErrCorrupt            = errors.New("corrupt journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrLocked             = errors.New("journal is locked by another process")
	ErrNoLegacyData       = errors.New("no legacy change data")
)
