// Package wire defines the frames exchanged between the broker and its
// subscribers and the two codecs that carry them: JSON text frames and
// zstd-compressed protobuf binary frames.
package wire

import (
	"fmt"

	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

// Kind identifies a frame.
type Kind uint8

const (
	KindInvalid Kind = iota
	// KindHello opens a session. A subscriber sends its initial interest;
	// the broker answers with the connection id and the accepted interest.
	KindHello
	// KindNotifications carries one dispatched batch, in order.
	KindNotifications
	// KindModify changes the subscription of the sending connection.
	KindModify
	// KindAck answers a Modify with the same sequence number.
	KindAck
)

var kindNames = map[Kind]string{
	KindHello:         "hello",
	KindNotifications: "notifications",
	KindModify:        "modify",
	KindAck:           "ack",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func parseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("%w: %q", ErrUnknownFrame, s)
}

// Hello is the session handshake payload.
type Hello struct {
	ConnectionID string              `json:"connectionId,omitempty"`
	Broker       string              `json:"broker,omitempty"`
	Session      string              `json:"session,omitempty"`
	Subscription subscriber.Snapshot `json:"subscription"`
}

// Ack reports the outcome of a Modify.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Frame is one unit on the wire. Exactly one payload matching Kind is set.
type Frame struct {
	Kind          Kind
	Seq           uint64
	Hello         *Hello
	Notifications []notification.Message
	Modify        *subscriber.Command
	Ack           *Ack
}

func NewHello(h Hello) Frame {
	return Frame{Kind: KindHello, Hello: &h}
}

func NewNotifications(msgs []notification.Message) Frame {
	return Frame{Kind: KindNotifications, Notifications: msgs}
}

func NewModify(seq uint64, cmd subscriber.Command) Frame {
	return Frame{Kind: KindModify, Seq: seq, Modify: &cmd}
}

func NewAck(seq uint64, err error) Frame {
	ack := &Ack{Success: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	return Frame{Kind: KindAck, Seq: seq, Ack: ack}
}

// check verifies that the payload required by Kind is present.
func (f Frame) check() error {
	switch f.Kind {
	case KindHello:
		if f.Hello == nil {
			return fmt.Errorf("%w: %s", ErrMissingFramePayload, f.Kind)
		}
	case KindNotifications:
	case KindModify:
		if f.Modify == nil {
			return fmt.Errorf("%w: %s", ErrMissingFramePayload, f.Kind)
		}
	case KindAck:
		if f.Ack == nil {
			return fmt.Errorf("%w: %s", ErrMissingFramePayload, f.Kind)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFrame, f.Kind)
	}
	return nil
}
