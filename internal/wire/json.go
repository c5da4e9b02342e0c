package wire

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

type jsonFrame struct {
	Type          string                 `json:"type"`
	Seq           uint64                 `json:"seq,omitempty"`
	Hello         *Hello                 `json:"hello,omitempty"`
	Notifications []notification.Message `json:"notifications,omitempty"`
	Modify        *subscriber.Command    `json:"modify,omitempty"`
	Ack           *Ack                   `json:"ack,omitempty"`
}

// JSONCodec encodes frames as JSON text messages.
type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool { return false }
func (JSONCodec) Close() {}

func (JSONCodec) Encode(f Frame) ([]byte, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(jsonFrame{
		Type:          f.Kind.String(),
		Seq:           f.Seq,
		Hello:         f.Hello,
		Notifications: f.Notifications,
		Modify:        f.Modify,
		Ack:           f.Ack,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Kind, err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var jf jsonFrame
	if err := json.Unmarshal(data, &jf); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	kind, err := parseKind(jf.Type)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{
		Kind:          kind,
		Seq:           jf.Seq,
		Hello:         jf.Hello,
		Notifications: jf.Notifications,
		Modify:        jf.Modify,
		Ack:           jf.Ack,
	}
	if err := f.check(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
