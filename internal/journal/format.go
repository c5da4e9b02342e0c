package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// CurrentVersion is the record layout written by Encode.
//
// Version 0 has no start offset in the header. Versions 0 and 1 store one
// entity per record. Version 2 stores the entity list and the flag, tag and
// content type deltas.
const CurrentVersion = 2

const (
	versionMask uint64 = 0xFFFF00000000
	sizeMask    uint64 = 0x0000FFFFFFFF

	// startOffsetPos is the byte position of the start offset in the header.
	startOffsetPos = 8

	maxFieldLen = 16 << 20
)

// Header is the fixed prefix of a journal file.
type Header struct {
	Count       uint64
	Version     uint16
	StartOffset uint64
}

func (h Header) sizeAndVersion() uint64 {
	return (h.Count & sizeMask) | (uint64(h.Version)<<32)&versionMask
}

// Contents is a decoded journal.
type Contents struct {
	Header   Header
	Messages []notification.Message
	// NeedsFullSave is set when the file carries skipped records or an old
	// layout and should be rewritten on the next save.
	NeedsFullSave bool
}

// Decode reads a journal. Records before the start offset and records that
// do not validate are skipped. On a truncated or corrupt stream the records
// read so far are returned together with an error wrapping ErrCorrupt.
func Decode(r io.Reader) (Contents, error) {
	d := &decoder{r: bufio.NewReader(r)}

	var c Contents
	sv := d.u64()
	if d.err != nil {
		return c, fmt.Errorf("reading header: %w: %w", ErrCorrupt, d.err)
	}
	c.Header.Count = sv & sizeMask
	c.Header.Version = uint16((sv & versionMask) >> 32)
	if c.Header.Version > CurrentVersion {
		return c, fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.Header.Version)
	}
	if c.Header.Version >= 1 {
		c.Header.StartOffset = d.u64()
	}
	c.NeedsFullSave = c.Header.StartOffset > 0 || c.Header.Version < CurrentVersion

	for i := uint64(0); i < c.Header.Count; i++ {
		var msg notification.Message
		if c.Header.Version >= 2 {
			msg = d.record()
		} else {
			msg = d.legacyRecord()
		}
		if d.err != nil {
			c.NeedsFullSave = true
			return c, fmt.Errorf("reading record %d: %w: %w", i, ErrCorrupt, d.err)
		}
		if i < c.Header.StartOffset {
			continue
		}
		if msg.Validate() != nil {
			c.NeedsFullSave = true
			continue
		}
		c.Messages = append(c.Messages, msg)
	}
	return c, nil
}

// Encode writes msgs as a current-version journal with a zero start offset.
func Encode(w io.Writer, msgs []notification.Message) error {
	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}

	e.u64(Header{Count: uint64(len(msgs)), Version: CurrentVersion}.sizeAndVersion())
	e.u64(0)
	for _, msg := range msgs {
		e.record(msg)
	}
	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

func (d *decoder) record() notification.Message {
	var msg notification.Message
	msg.SessionID = d.str()
	msg.Type = notification.Type(d.i32())
	msg.Operation = notification.Operation(d.i32())

	n := d.count()
	for range n {
		if d.err != nil {
			break
		}
		msg.Entities = append(msg.Entities, notification.Entity{
			ID:             d.i64(),
			RemoteID:       d.str(),
			RemoteRevision: d.str(),
			MimeType:       d.str(),
		})
	}

	msg.Resource = d.str()
	msg.DestinationResource = d.str()
	msg.ParentCollection = d.i64()
	msg.ParentDestCollection = d.i64()
	msg.ItemParts = d.strs()
	msg.AddedFlags = d.strs()
	msg.RemovedFlags = d.strs()
	msg.AddedTags = d.i64s()
	msg.RemovedTags = d.i64s()
	msg.ContentMimeTypes = d.strs()
	return msg
}

func (e *encoder) record(msg notification.Message) {
	e.str(msg.SessionID)
	e.i32(int32(msg.Type))
	e.i32(int32(msg.Operation))

	e.u32(uint32(len(msg.Entities)))
	for _, ent := range msg.Entities {
		e.i64(ent.ID)
		e.str(ent.RemoteID)
		e.str(ent.RemoteRevision)
		e.str(ent.MimeType)
	}

	e.str(msg.Resource)
	e.str(msg.DestinationResource)
	e.i64(msg.ParentCollection)
	e.i64(msg.ParentDestCollection)
	e.strs(msg.ItemParts)
	e.strs(msg.AddedFlags)
	e.strs(msg.RemovedFlags)
	e.i64s(msg.AddedTags)
	e.i64s(msg.RemovedTags)
	e.strs(msg.ContentMimeTypes)
}

// Legacy records use their own type and operation numbering.
const (
	legacyItem       int32 = 1
	legacyCollection int32 = 2
)

var legacyOperations = map[int32]notification.Operation{
	1:  notification.OpAdd,
	2:  notification.OpModify,
	3:  notification.OpMove,
	4:  notification.OpRemove,
	5:  notification.OpLink,
	6:  notification.OpUnlink,
	7:  notification.OpSubscribe,
	8:  notification.OpUnsubscribe,
	9:  notification.OpModifyFlags,
	10: notification.OpModifyTags,
}

func legacyType(code int32) notification.Type {
	switch code {
	case legacyItem:
		return notification.TypeItem
	case legacyCollection:
		return notification.TypeCollection
	}
	return notification.TypeInvalid
}

// legacyOperation maps a legacy operation code, rejecting operations the
// type never carried.
func legacyOperation(t notification.Type, code int32) notification.Operation {
	op, ok := legacyOperations[code]
	if !ok {
		return notification.OpInvalid
	}
	switch t {
	case notification.TypeItem:
		if op == notification.OpSubscribe || op == notification.OpUnsubscribe {
			return notification.OpInvalid
		}
	case notification.TypeCollection:
		switch op {
		case notification.OpModifyFlags, notification.OpModifyTags, notification.OpLink, notification.OpUnlink:
			return notification.OpInvalid
		}
	}
	return op
}

func (d *decoder) legacyRecord() notification.Message {
	var msg notification.Message
	msg.SessionID = d.str()
	msg.Type = legacyType(d.i32())
	msg.Operation = legacyOperation(msg.Type, d.i32())

	ent := notification.Entity{ID: d.i64(), RemoteID: d.str()}
	msg.Resource = d.str()
	msg.ParentCollection = d.i64()
	msg.ParentDestCollection = d.i64()
	ent.MimeType = d.str()
	msg.Entities = []notification.Entity{ent}
	msg.ItemParts = d.strs()
	return msg
}

// decoder reads big-endian fields and keeps the first error.
type decoder struct {
	r   *bufio.Reader
	err error
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = err
		return nil
	}
	return buf
}

func (d *decoder) u64() uint64 {
	b := d.read(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) u32() uint32 {
	b := d.read(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) i64() int64 { return int64(d.u64()) }
func (d *decoder) i32() int32 { return int32(d.u32()) }

func (d *decoder) count() int {
	n := d.u32()
	if n > maxFieldLen {
		d.err = fmt.Errorf("length %d out of range", n)
		return 0
	}
	return int(n)
}

func (d *decoder) str() string {
	n := d.count()
	if n == 0 {
		return ""
	}
	return string(d.read(n))
}

func (d *decoder) strs() []string {
	n := d.count()
	var out []string
	for range n {
		if d.err != nil {
			return nil
		}
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) i64s() []int64 {
	n := d.count()
	var out []int64
	for range n {
		if d.err != nil {
			return nil
		}
		out = append(out, d.i64())
	}
	return out
}

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) u64(v uint64) { e.write(binary.BigEndian.AppendUint64(nil, v)) }
func (e *encoder) u32(v uint32) { e.write(binary.BigEndian.AppendUint32(nil, v)) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.write([]byte(s))
}

func (e *encoder) strs(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}

func (e *encoder) i64s(vs []int64) {
	e.u32(uint32(len(vs)))
	for _, v := range vs {
		e.i64(v)
	}
}
