package config

import (
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// Frame encodings a recorder may ask the broker for.
const (
	EncodingJSON   = "json"
	EncodingBinary = "binary"
)

var ValidEncodings = map[string]bool{
	EncodingJSON:   true,
	EncodingBinary: true,
}

// Overflow policies for slow broker subscribers.
var ValidOverflowPolicies = map[string]bool{
	"disconnect":  true,
	"drop-oldest": true,
}

// ParseTypes converts notification type names, returning the names it did
// not recognise.
func ParseTypes(names []string) ([]notification.Type, []string) {
	var types []notification.Type
	var invalid []string
	for _, name := range names {
		t, err := notification.ParseType(name)
		if err != nil {
			invalid = append(invalid, name)
			continue
		}
		types = append(types, t)
	}
	return types, invalid
}
