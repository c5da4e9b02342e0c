package notification

import (
	"fmt"
	"strings"
)

// Type identifies the kind of entity a notification is about.
type Type int32

const (
	TypeInvalid Type = iota
	TypeItem
	TypeCollection
	TypeTag
	TypeRelation
	TypeSubscription
)

var typeNames = map[Type]string{
	TypeInvalid:      "invalid",
	TypeItem:         "item",
	TypeCollection:   "collection",
	TypeTag:          "tag",
	TypeRelation:     "relation",
	TypeSubscription: "subscription",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

// Valid reports whether t is a known, non-invalid type.
func (t Type) Valid() bool {
	return t > TypeInvalid && t <= TypeSubscription
}

// ParseType converts a type name back into a Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == strings.ToLower(s) && t != TypeInvalid {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown notification type %q", s)
}

// Operation is the change applied to the referenced entities.
type Operation int32

const (
	OpInvalid Operation = iota
	OpAdd
	OpModify
	OpModifyFlags
	OpModifyTags
	OpMove
	OpRemove
	OpLink
	OpUnlink
	OpSubscribe
	OpUnsubscribe
)

var operationNames = map[Operation]string{
	OpInvalid:     "invalid",
	OpAdd:         "add",
	OpModify:      "modify",
	OpModifyFlags: "modify_flags",
	OpModifyTags:  "modify_tags",
	OpMove:        "move",
	OpRemove:      "remove",
	OpLink:        "link",
	OpUnlink:      "unlink",
	OpSubscribe:   "subscribe",
	OpUnsubscribe: "unsubscribe",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int32(o))
}

// Valid reports whether o is a known, non-invalid operation.
func (o Operation) Valid() bool {
	return o > OpInvalid && o <= OpUnsubscribe
}

// IsModify is true for Modify and its flag/tag specialisations.
func (o Operation) IsModify() bool {
	return o == OpModify || o == OpModifyFlags || o == OpModifyTags
}

// ParseOperation converts an operation name back into an Operation.
func ParseOperation(s string) (Operation, error) {
	for o, name := range operationNames {
		if name == strings.ToLower(s) && o != OpInvalid {
			return o, nil
		}
	}
	return OpInvalid, fmt.Errorf("unknown notification operation %q", s)
}
