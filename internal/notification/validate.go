package notification

import "fmt"

// Validate checks the structural invariants of a message.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: type %s", ErrInvalidMessage, m.Type)
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("%w: operation %s", ErrInvalidMessage, m.Operation)
	}

	switch m.Type {
	case TypeSubscription:
		return nil
	case TypeRelation:
		if len(m.Entities) != 2 {
			return fmt.Errorf("%w: relation needs left and right item, got %d entities", ErrInvalidMessage, len(m.Entities))
		}
		return nil
	}

	if len(m.Entities) == 0 {
		return ErrNoEntities
	}

	if m.Type == TypeCollection && (m.Operation == OpSubscribe || m.Operation == OpUnsubscribe) && len(m.Entities) != 1 {
		return fmt.Errorf("%w: collection %s references %d collections", ErrInvalidMessage, m.Operation, len(m.Entities))
	}

	if m.Operation == OpMove {
		if m.ParentCollection <= 0 || m.ParentDestCollection <= 0 || m.ParentCollection == m.ParentDestCollection {
			return fmt.Errorf("%w: %d -> %d", ErrInvalidMove, m.ParentCollection, m.ParentDestCollection)
		}
	}
	return nil
}
