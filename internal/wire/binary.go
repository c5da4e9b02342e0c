package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

// Field numbers of the binary schema. Signed ids are zigzag encoded since
// translated moves carry -1.
const (
	frameKind         protowire.Number = 1
	frameSeq          protowire.Number = 2
	frameHello        protowire.Number = 3
	frameNotification protowire.Number = 4
	frameModify       protowire.Number = 5
	frameAck          protowire.Number = 6

	helloConnectionID protowire.Number = 1
	helloBroker       protowire.Number = 2
	helloSession      protowire.Number = 3
	helloSubscription protowire.Number = 4

	ackSuccess protowire.Number = 1
	ackError   protowire.Number = 2

	msgType             protowire.Number = 1
	msgOperation        protowire.Number = 2
	msgSession          protowire.Number = 3
	msgEntity           protowire.Number = 4
	msgParent           protowire.Number = 5
	msgParentDest       protowire.Number = 6
	msgResource         protowire.Number = 7
	msgDestResource     protowire.Number = 8
	msgItemPart         protowire.Number = 9
	msgAddedFlag        protowire.Number = 10
	msgRemovedFlag      protowire.Number = 11
	msgAddedTag         protowire.Number = 12
	msgRemovedTag       protowire.Number = 13
	msgContentMimeTypes protowire.Number = 14

	entityID       protowire.Number = 1
	entityRemoteID protowire.Number = 2
	entityRevision protowire.Number = 3
	entityMimeType protowire.Number = 4

	snapAll        protowire.Number = 1
	snapCollection protowire.Number = 2
	snapItem       protowire.Number = 3
	snapTag        protowire.Number = 4
	snapType       protowire.Number = 5
	snapResource   protowire.Number = 6
	snapMimeType   protowire.Number = 7
	snapSession    protowire.Number = 8

	cmdStartCollection protowire.Number = 1
	cmdStopCollection  protowire.Number = 2
	cmdStartItem       protowire.Number = 3
	cmdStopItem        protowire.Number = 4
	cmdStartTag        protowire.Number = 5
	cmdStopTag         protowire.Number = 6
	cmdStartType       protowire.Number = 7
	cmdStopType        protowire.Number = 8
	cmdStartResource   protowire.Number = 9
	cmdStopResource    protowire.Number = 10
	cmdStartMimeType   protowire.Number = 11
	cmdStopMimeType    protowire.Number = 12
	cmdStartSession    protowire.Number = 13
	cmdStopSession     protowire.Number = 14
	cmdAllMonitored    protowire.Number = 15
)

// MaxDecodedFrameSize bounds a binary frame after decompression.
const MaxDecodedFrameSize = 4 << 20

// BinaryCodec encodes frames as protobuf and compresses them with zstd.
type BinaryCodec struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewBinaryCodec creates a BinaryCodec with Zstd compression.
func NewBinaryCodec() (*BinaryCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedFrameSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &BinaryCodec{zstdEncoder: enc, zstdDecoder: dec}, nil
}

func (c *BinaryCodec) Subprotocol() string { return SubprotocolBinary }
func (c *BinaryCodec) Binary() bool { return true }

// Close releases codec resources.
func (c *BinaryCodec) Close() {
	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}

func (c *BinaryCodec) Encode(f Frame) ([]byte, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return c.zstdEncoder.EncodeAll(appendFrame(nil, f), nil), nil
}

func (c *BinaryCodec) Decode(data []byte) (Frame, error) {
	raw, err := c.zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: decompress: %v", ErrMalformedFrame, err)
	}
	f, err := consumeFrame(raw)
	if err != nil {
		return Frame{}, err
	}
	if err := f.check(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// ============================================================================
// Encoding
// ============================================================================

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendInts(b []byte, num protowire.Number, vs []int64) []byte {
	for _, v := range vs {
		b = appendInt(b, num, v)
	}
	return b
}

func appendTypes(b []byte, num protowire.Number, ts []notification.Type) []byte {
	for _, t := range ts {
		b = appendVarint(b, num, uint64(t))
	}
	return b
}

// Repeated strings keep empty entries, unlike single string fields.
func appendStrings(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendFrame(b []byte, f Frame) []byte {
	b = appendVarint(b, frameKind, uint64(f.Kind))
	if f.Seq != 0 {
		b = appendVarint(b, frameSeq, f.Seq)
	}
	if f.Hello != nil {
		b = appendMessage(b, frameHello, appendHello(nil, *f.Hello))
	}
	for _, msg := range f.Notifications {
		b = appendMessage(b, frameNotification, appendNotification(nil, msg))
	}
	if f.Modify != nil {
		b = appendMessage(b, frameModify, appendCommand(nil, *f.Modify))
	}
	if f.Ack != nil {
		b = appendMessage(b, frameAck, appendAck(nil, *f.Ack))
	}
	return b
}

func appendHello(b []byte, h Hello) []byte {
	b = appendString(b, helloConnectionID, h.ConnectionID)
	b = appendString(b, helloBroker, h.Broker)
	b = appendString(b, helloSession, h.Session)
	return appendMessage(b, helloSubscription, appendSnapshot(nil, h.Subscription))
}

func appendAck(b []byte, a Ack) []byte {
	b = appendBool(b, ackSuccess, a.Success)
	return appendString(b, ackError, a.Error)
}

func appendNotification(b []byte, m notification.Message) []byte {
	b = appendVarint(b, msgType, uint64(m.Type))
	b = appendVarint(b, msgOperation, uint64(m.Operation))
	b = appendString(b, msgSession, m.SessionID)
	for _, e := range m.Entities {
		var eb []byte
		eb = appendInt(eb, entityID, e.ID)
		eb = appendString(eb, entityRemoteID, e.RemoteID)
		eb = appendString(eb, entityRevision, e.RemoteRevision)
		eb = appendString(eb, entityMimeType, e.MimeType)
		b = appendMessage(b, msgEntity, eb)
	}
	b = appendInt(b, msgParent, m.ParentCollection)
	b = appendInt(b, msgParentDest, m.ParentDestCollection)
	b = appendString(b, msgResource, m.Resource)
	b = appendString(b, msgDestResource, m.DestinationResource)
	b = appendStrings(b, msgItemPart, m.ItemParts)
	b = appendStrings(b, msgAddedFlag, m.AddedFlags)
	b = appendStrings(b, msgRemovedFlag, m.RemovedFlags)
	b = appendInts(b, msgAddedTag, m.AddedTags)
	b = appendInts(b, msgRemovedTag, m.RemovedTags)
	return appendStrings(b, msgContentMimeTypes, m.ContentMimeTypes)
}

func appendSnapshot(b []byte, s subscriber.Snapshot) []byte {
	b = appendBool(b, snapAll, s.AllMonitored)
	b = appendInts(b, snapCollection, s.Collections)
	b = appendInts(b, snapItem, s.Items)
	b = appendInts(b, snapTag, s.Tags)
	b = appendTypes(b, snapType, s.Types)
	b = appendStrings(b, snapResource, s.Resources)
	b = appendStrings(b, snapMimeType, s.MimeTypes)
	return appendStrings(b, snapSession, s.IgnoredSessions)
}

func appendCommand(b []byte, c subscriber.Command) []byte {
	b = appendInts(b, cmdStartCollection, c.StartCollections)
	b = appendInts(b, cmdStopCollection, c.StopCollections)
	b = appendInts(b, cmdStartItem, c.StartItems)
	b = appendInts(b, cmdStopItem, c.StopItems)
	b = appendInts(b, cmdStartTag, c.StartTags)
	b = appendInts(b, cmdStopTag, c.StopTags)
	b = appendTypes(b, cmdStartType, c.StartTypes)
	b = appendTypes(b, cmdStopType, c.StopTypes)
	b = appendStrings(b, cmdStartResource, c.StartResources)
	b = appendStrings(b, cmdStopResource, c.StopResources)
	b = appendStrings(b, cmdStartMimeType, c.StartMimeTypes)
	b = appendStrings(b, cmdStopMimeType, c.StopMimeTypes)
	b = appendStrings(b, cmdStartSession, c.StartSessions)
	b = appendStrings(b, cmdStopSession, c.StopSessions)
	if c.AllMonitored != nil {
		b = appendBool(b, cmdAllMonitored, *c.AllMonitored)
	}
	return b
}

// ============================================================================
// Decoding
// ============================================================================

// field is one decoded key/value pair. Unknown wire types are skipped.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

func (f field) int() int64 { return protowire.DecodeZigZag(f.varint) }
func (f field) str() string { return string(f.bytes) }
func (f field) bool() bool { return protowire.DecodeBool(f.varint) }
func (f field) typ() notification.Type { return notification.Type(f.varint) }

func consumeFields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.VarintType || typ == protowire.BytesType {
			out = append(out, f)
		}
	}
	return out, nil
}

func consumeFrame(b []byte) (Frame, error) {
	fields, err := consumeFields(b)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	for _, fd := range fields {
		switch fd.num {
		case frameKind:
			f.Kind = Kind(fd.varint)
		case frameSeq:
			f.Seq = fd.varint
		case frameHello:
			h, err := consumeHello(fd.bytes)
			if err != nil {
				return Frame{}, err
			}
			f.Hello = &h
		case frameNotification:
			m, err := consumeNotification(fd.bytes)
			if err != nil {
				return Frame{}, err
			}
			f.Notifications = append(f.Notifications, m)
		case frameModify:
			c, err := consumeCommand(fd.bytes)
			if err != nil {
				return Frame{}, err
			}
			f.Modify = &c
		case frameAck:
			a, err := consumeAck(fd.bytes)
			if err != nil {
				return Frame{}, err
			}
			f.Ack = &a
		}
	}
	return f, nil
}

func consumeHello(b []byte) (Hello, error) {
	fields, err := consumeFields(b)
	if err != nil {
		return Hello{}, err
	}
	var h Hello
	for _, fd := range fields {
		switch fd.num {
		case helloConnectionID:
			h.ConnectionID = fd.str()
		case helloBroker:
			h.Broker = fd.str()
		case helloSession:
			h.Session = fd.str()
		case helloSubscription:
			if h.Subscription, err = consumeSnapshot(fd.bytes); err != nil {
				return Hello{}, err
			}
		}
	}
	return h, nil
}

func consumeAck(b []byte) (Ack, error) {
	fields, err := consumeFields(b)
	if err != nil {
		return Ack{}, err
	}
	var a Ack
	for _, fd := range fields {
		switch fd.num {
		case ackSuccess:
			a.Success = fd.bool()
		case ackError:
			a.Error = fd.str()
		}
	}
	return a, nil
}

func consumeNotification(b []byte) (notification.Message, error) {
	fields, err := consumeFields(b)
	if err != nil {
		return notification.Message{}, err
	}
	var m notification.Message
	for _, fd := range fields {
		switch fd.num {
		case msgType:
			m.Type = fd.typ()
		case msgOperation:
			m.Operation = notification.Operation(fd.varint)
		case msgSession:
			m.SessionID = fd.str()
		case msgEntity:
			e, err := consumeEntity(fd.bytes)
			if err != nil {
				return notification.Message{}, err
			}
			m.Entities = append(m.Entities, e)
		case msgParent:
			m.ParentCollection = fd.int()
		case msgParentDest:
			m.ParentDestCollection = fd.int()
		case msgResource:
			m.Resource = fd.str()
		case msgDestResource:
			m.DestinationResource = fd.str()
		case msgItemPart:
			m.ItemParts = append(m.ItemParts, fd.str())
		case msgAddedFlag:
			m.AddedFlags = append(m.AddedFlags, fd.str())
		case msgRemovedFlag:
			m.RemovedFlags = append(m.RemovedFlags, fd.str())
		case msgAddedTag:
			m.AddedTags = append(m.AddedTags, fd.int())
		case msgRemovedTag:
			m.RemovedTags = append(m.RemovedTags, fd.int())
		case msgContentMimeTypes:
			m.ContentMimeTypes = append(m.ContentMimeTypes, fd.str())
		}
	}
	return m, nil
}

func consumeEntity(b []byte) (notification.Entity, error) {
	fields, err := consumeFields(b)
	if err != nil {
		return notification.Entity{}, err
	}
	var e notification.Entity
	for _, fd := range fields {
		switch fd.num {
		case entityID:
			e.ID = fd.int()
		case entityRemoteID:
			e.RemoteID = fd.str()
		case entityRevision:
			e.RemoteRevision = fd.str()
		case entityMimeType:
			e.MimeType = fd.str()
		}
	}
	return e, nil
}

func consumeSnapshot(b []byte) (subscriber.Snapshot, error) {
	fields, err := consumeFields(b)
	if err != nil {
		return subscriber.Snapshot{}, err
	}
	var s subscriber.Snapshot
	for _, fd := range fields {
		switch fd.num {
		case snapAll:
			s.AllMonitored = fd.bool()
		case snapCollection:
			s.Collections = append(s.Collections, fd.int())
		case snapItem:
			s.Items = append(s.Items, fd.int())
		case snapTag:
			s.Tags = append(s.Tags, fd.int())
		case snapType:
			s.Types = append(s.Types, fd.typ())
		case snapResource:
			s.Resources = append(s.Resources, fd.str())
		case snapMimeType:
			s.MimeTypes = append(s.MimeTypes, fd.str())
		case snapSession:
			s.IgnoredSessions = append(s.IgnoredSessions, fd.str())
		}
	}
	return s, nil
}

func consumeCommand(b []byte) (subscriber.Command, error) {
	fields, err := consumeFields(b)
	if err != nil {
		return subscriber.Command{}, err
	}
	var c subscriber.Command
	for _, fd := range fields {
		switch fd.num {
		case cmdStartCollection:
			c.StartCollections = append(c.StartCollections, fd.int())
		case cmdStopCollection:
			c.StopCollections = append(c.StopCollections, fd.int())
		case cmdStartItem:
			c.StartItems = append(c.StartItems, fd.int())
		case cmdStopItem:
			c.StopItems = append(c.StopItems, fd.int())
		case cmdStartTag:
			c.StartTags = append(c.StartTags, fd.int())
		case cmdStopTag:
			c.StopTags = append(c.StopTags, fd.int())
		case cmdStartType:
			c.StartTypes = append(c.StartTypes, fd.typ())
		case cmdStopType:
			c.StopTypes = append(c.StopTypes, fd.typ())
		case cmdStartResource:
			c.StartResources = append(c.StartResources, fd.str())
		case cmdStopResource:
			c.StopResources = append(c.StopResources, fd.str())
		case cmdStartMimeType:
			c.StartMimeTypes = append(c.StartMimeTypes, fd.str())
		case cmdStopMimeType:
			c.StopMimeTypes = append(c.StopMimeTypes, fd.str())
		case cmdStartSession:
			c.StartSessions = append(c.StartSessions, fd.str())
		case cmdStopSession:
			c.StopSessions = append(c.StopSessions, fd.str())
		case cmdAllMonitored:
			all := fd.bool()
			c.AllMonitored = &all
		}
	}
	return c, nil
}
