package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

func sampleMessages() []notification.Message {
	return []notification.Message{
		{
			Type:      notification.TypeItem,
			Operation: notification.OpModifyFlags,
			SessionID: "kmail-1",
			Entities: []notification.Entity{
				{ID: 10, RemoteID: "imap:10", RemoteRevision: "3", MimeType: "message/rfc822"},
				{ID: 11},
			},
			ParentCollection: 4,
			Resource:         "akonadi_imap_resource_0",
			ItemParts:        []string{"FLAGS", ""},
			AddedFlags:       []string{"\\SEEN"},
			RemovedFlags:     []string{"\\FLAGGED"},
			AddedTags:        []int64{7},
			RemovedTags:      []int64{8, 9},
		},
		{
			Type:                 notification.TypeCollection,
			Operation:            notification.OpMove,
			Entities:             []notification.Entity{{ID: 5}},
			ParentCollection:     1,
			ParentDestCollection: -1,
			Resource:             "res_a",
			DestinationResource:  "res_b",
			ContentMimeTypes:     []string{"text/calendar"},
		},
	}
}

func sampleFrames() []Frame {
	all := false
	return []Frame{
		NewHello(Hello{
			ConnectionID: "c0ffee",
			Broker:       "broker-1",
			Session:      "agent",
			Subscription: subscriber.Snapshot{
				Collections: []int64{1, 2},
				Types:       []notification.Type{notification.TypeItem},
				Resources:   []string{"res_a"},
			},
		}),
		NewNotifications(sampleMessages()),
		NewNotifications(nil),
		NewModify(42, subscriber.Command{
			StartCollections: []int64{3},
			StopItems:        []int64{-2},
			StartTypes:       []notification.Type{notification.TypeTag},
			StopMimeTypes:    []string{"text/vcard"},
			StartSessions:    []string{"migration"},
			AllMonitored:     &all,
		}),
		NewAck(42, nil),
		NewAck(43, assert.AnError),
	}
}

func TestCodecRoundTrip(t *testing.T) {
	binary, err := NewBinaryCodec()
	require.NoError(t, err)
	defer binary.Close()

	for _, codec := range []Codec{JSONCodec{}, binary} {
		for _, frame := range sampleFrames() {
			t.Run(codec.Subprotocol()+"/"+frame.Kind.String(), func(t *testing.T) {
				data, err := codec.Encode(frame)
				require.NoError(t, err)

				got, err := codec.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, frame, got)
			})
		}
	}
}

func TestAckCarriesError(t *testing.T) {
	f := NewAck(1, assert.AnError)
	assert.False(t, f.Ack.Success)
	assert.Equal(t, assert.AnError.Error(), f.Ack.Error)
	assert.True(t, NewAck(1, nil).Ack.Success)
}

func TestJSONDecodeErrors(t *testing.T) {
	codec := JSONCodec{}

	_, err := codec.Decode([]byte(`{"type":"bogus"}`))
	assert.ErrorIs(t, err, ErrUnknownFrame)

	_, err = codec.Decode([]byte(`{"type":"modify","seq":1}`))
	assert.ErrorIs(t, err, ErrMissingFramePayload)

	_, err = codec.Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestBinaryDecodeErrors(t *testing.T) {
	codec, err := NewBinaryCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Decode([]byte("plain bytes"))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	unknown := appendVarint(nil, frameKind, 99)
	_, err = codec.Decode(codec.zstdEncoder.EncodeAll(unknown, nil))
	assert.ErrorIs(t, err, ErrUnknownFrame)

	truncated := appendMessage(nil, frameHello, []byte{0x0a, 0x05, 'a'})
	truncated = append(appendVarint(nil, frameKind, uint64(KindHello)), truncated...)
	_, err = codec.Decode(codec.zstdEncoder.EncodeAll(truncated, nil))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestBinarySkipsUnknownFields(t *testing.T) {
	codec, err := NewBinaryCodec()
	require.NoError(t, err)
	defer codec.Close()

	raw := appendFrame(nil, NewAck(5, nil))
	raw = protowire.AppendTag(raw, 99, protowire.Fixed32Type)
	raw = protowire.AppendFixed32(raw, 0xdeadbeef)
	raw = appendString(raw, 100, "future")

	got, err := codec.Decode(codec.zstdEncoder.EncodeAll(raw, nil))
	require.NoError(t, err)
	assert.Equal(t, NewAck(5, nil), got)
}

func TestBinaryDecodeBoundsInflatedSize(t *testing.T) {
	codec, err := NewBinaryCodec()
	require.NoError(t, err)
	defer codec.Close()

	padded := func(n int) []byte {
		raw := appendFrame(nil, NewAck(5, nil))
		return appendMessage(raw, 100, make([]byte, n))
	}

	fits := codec.zstdEncoder.EncodeAll(padded(MaxDecodedFrameSize/2), nil)
	got, err := codec.Decode(fits)
	require.NoError(t, err)
	assert.Equal(t, NewAck(5, nil), got)

	bomb := codec.zstdEncoder.EncodeAll(padded(64<<20), nil)
	require.Less(t, len(bomb), 512<<10, "compressed frame fits a websocket message")
	_, err = codec.Decode(bomb)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEncodeRejectsMissingPayload(t *testing.T) {
	_, err := JSONCodec{}.Encode(Frame{Kind: KindHello})
	assert.ErrorIs(t, err, ErrMissingFramePayload)

	_, err = JSONCodec{}.Encode(Frame{})
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestForSubprotocol(t *testing.T) {
	c, err := ForSubprotocol("")
	require.NoError(t, err)
	assert.Equal(t, SubprotocolJSON, c.Subprotocol())
	assert.False(t, c.Binary())

	c, err = ForSubprotocol(SubprotocolBinary)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.Binary())

	_, err = ForSubprotocol("mqtt")
	assert.ErrorIs(t, err, ErrUnknownSubprotocol)

	name, err := SubprotocolFor("json")
	require.NoError(t, err)
	assert.Equal(t, SubprotocolJSON, name)
	_, err = SubprotocolFor("xml")
	assert.Error(t, err)
}
