package journal

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

func sampleMessages() []notification.Message {
	return []notification.Message{
		{
			Type:             notification.TypeItem,
			Operation:        notification.OpAdd,
			SessionID:        "kmail",
			Entities:         []notification.Entity{{ID: 1, RemoteID: "A", RemoteRevision: "r1", MimeType: "message/rfc822"}},
			Resource:         "akonadi_imap_resource_0",
			ParentCollection: 5,
		},
		{
			Type:      notification.TypeItem,
			Operation: notification.OpModifyFlags,
			Entities: []notification.Entity{
				{ID: 2, MimeType: "message/rfc822"},
				{ID: 3, MimeType: "message/rfc822"},
			},
			ParentCollection: 5,
			AddedFlags:       []string{"\\SEEN"},
			RemovedFlags:     []string{"\\FLAGGED"},
		},
		{
			Type:                 notification.TypeCollection,
			Operation:            notification.OpMove,
			Entities:             []notification.Entity{{ID: 9, MimeType: "inode/directory"}},
			Resource:             "akonadi_imap_resource_0",
			DestinationResource:  "akonadi_maildir_resource_0",
			ParentCollection:     1,
			ParentDestCollection: 8,
			ContentMimeTypes:     []string{"message/rfc822"},
		},
		{
			Type:             notification.TypeItem,
			Operation:        notification.OpModifyTags,
			Entities:         []notification.Entity{{ID: 4}},
			ParentCollection: 6,
			AddedTags:        []int64{1, 2},
			RemovedTags:      []int64{7},
			ItemParts:        []string{"TAGS"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := sampleMessages()

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, msgs))

	c, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(CurrentVersion), c.Header.Version)
	assert.Equal(t, uint64(len(msgs)), c.Header.Count)
	assert.False(t, c.NeedsFullSave)
	assert.Equal(t, msgs, c.Messages)
}

func TestDecodeSkipsProcessedRecords(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleMessages()))

	raw := buf.Bytes()
	copy(raw[startOffsetPos:], []byte{0, 0, 0, 0, 0, 0, 0, 2})

	c, err := Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.Header.StartOffset)
	assert.True(t, c.NeedsFullSave)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, int64(9), c.Messages[0].Entities[0].ID)
}

func TestDecodeTruncatedKeepsPrefix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleMessages()))
	raw := buf.Bytes()[:buf.Len()-3]

	c, err := Decode(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Len(t, c.Messages, 3)
	assert.True(t, c.NeedsFullSave)
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	hdr := Header{Count: 0, Version: CurrentVersion + 1}
	var buf bytes.Buffer
	e := &encoder{w: &buf}
	e.u64(hdr.sizeAndVersion())
	e.u64(0)

	_, err := Decode(&buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func writeLegacyRecord(e *encoder, session string, typ, op int32, uid int64, rid, resource string, parent, dest int64, mime string, parts []string) {
	e.str(session)
	e.i32(typ)
	e.i32(op)
	e.i64(uid)
	e.str(rid)
	e.str(resource)
	e.i64(parent)
	e.i64(dest)
	e.str(mime)
	e.strs(parts)
}

func TestDecodeVersionOne(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	e := &encoder{w: bw}
	e.u64(Header{Count: 2, Version: 1}.sizeAndVersion())
	e.u64(0)
	writeLegacyRecord(e, "kmail", legacyItem, 2, 10, "rid10", "akonadi_imap_resource_0", 5, 0, "message/rfc822", []string{"PLD:RFC822"})
	writeLegacyRecord(e, "", legacyCollection, 4, 6, "trash", "akonadi_imap_resource_0", 1, 0, "", nil)
	require.NoError(t, e.err)
	require.NoError(t, bw.Flush())

	c, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, c.NeedsFullSave, "old layouts are rewritten")
	require.Len(t, c.Messages, 2)

	item := c.Messages[0]
	assert.Equal(t, notification.TypeItem, item.Type)
	assert.Equal(t, notification.OpModify, item.Operation)
	assert.Equal(t, []int64{10}, item.UIDs())
	assert.Equal(t, "message/rfc822", item.Entities[0].MimeType)
	assert.Equal(t, []string{"PLD:RFC822"}, item.ItemParts)

	col := c.Messages[1]
	assert.Equal(t, notification.TypeCollection, col.Type)
	assert.Equal(t, notification.OpRemove, col.Operation)
}

func TestDecodeVersionZeroHasNoStartOffset(t *testing.T) {
	var buf bytes.Buffer
	e := &encoder{w: &buf}
	e.u64(1)
	writeLegacyRecord(e, "s", legacyItem, 1, 3, "r", "res", 2, 0, "text/plain", nil)
	require.NoError(t, e.err)

	c, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), c.Header.Version)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, notification.OpAdd, c.Messages[0].Operation)
}

func openJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := Open(dir, "agent", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSaveLoadAndStartOffset(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir)

	msgs := sampleMessages()
	require.NoError(t, j.Save(msgs))
	assert.Equal(t, filepath.Join(dir, "agent_changes.dat"), j.Path())

	require.NoError(t, j.SetStartOffset(1))
	c, err := j.Load()
	require.NoError(t, err)
	assert.Equal(t, msgs[1:], c.Messages)
	assert.True(t, c.NeedsFullSave)

	require.NoError(t, j.Save(nil))
	c, err = j.Load()
	require.NoError(t, err)
	assert.Empty(t, c.Messages)
	assert.Equal(t, uint64(0), c.Header.Count)

	_, err = os.Stat(j.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a save")
}

func TestLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir)

	_, err := Open(dir, "agent", nil)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, j.Close())
	again, err := Open(dir, "agent", nil)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestStaleLockIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent_changes.dat.lock"), []byte("not-a-pid"), 0600))

	j, err := Open(dir, "agent", nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())
}

const legacySettings = `[General]
lastSync=2019-04-01

[ChangeRecorder]
change\size=3
change\1\type=1
change\1\op=1
change\1\sessionId=@ByteArray(kmail)
change\1\uid=42
change\1\rid=imap-42
change\1\mimeType=message/rfc822
change\1\resource=@ByteArray(akonadi_imap_resource_0)
change\1\parentCol=5
change\1\parentDestCol=0
change\1\itemParts=
change\2\type=2
change\2\op=2
change\2\uid=5
change\2\rid=INBOX
change\2\resource=akonadi_imap_resource_0
change\2\parentCol=1
change\2\parentDestCol=0
change\2\itemParts="NAME, CACHEPOLICY"
change\3\type=1
change\3\op=3
change\3\uid=43
change\3\rid=imap-43
change\3\mimeType=message/rfc822
change\3\resource=akonadi_imap_resource_0
change\3\parentCol=5
change\3\parentDestCol=6
`

func TestLegacyMigrationHappensOnce(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "agent.ini")
	require.NoError(t, os.WriteFile(legacy, []byte(legacySettings), 0600))

	j := openJournal(t, dir)
	c, err := j.Load()
	require.NoError(t, err)
	require.Len(t, c.Messages, 3)

	first := c.Messages[0]
	assert.Equal(t, "kmail", first.SessionID)
	assert.Equal(t, "akonadi_imap_resource_0", first.Resource)
	assert.Equal(t, notification.OpAdd, first.Operation)
	assert.Equal(t, int64(42), first.Entities[0].ID)

	assert.Equal(t, []string{"CACHEPOLICY", "NAME"}, c.Messages[1].ItemParts)
	assert.Equal(t, notification.OpMove, c.Messages[2].Operation)
	assert.Equal(t, int64(6), c.Messages[2].ParentDestCollection)

	_, err = os.Stat(j.Path())
	require.NoError(t, err, "migration writes the journal")

	_, err = ReadLegacy(legacy)
	assert.ErrorIs(t, err, ErrNoLegacyData, "legacy section removed")
	rest, err := os.ReadFile(legacy)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "lastSync", "unrelated settings are kept")

	again, err := j.Load()
	require.NoError(t, err)
	assert.Equal(t, c.Messages, again.Messages)
}

func TestLegacyFileRemovedWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "agent.ini")
	require.NoError(t, os.WriteFile(legacy, []byte("[ChangeRecorder]\nchange\\size=0\n"), 0600))

	j := openJournal(t, dir)
	c, err := j.Load()
	require.NoError(t, err)
	assert.Empty(t, c.Messages)

	_, err = os.Stat(legacy)
	assert.True(t, os.IsNotExist(err))
}

func TestBrokenLegacyStoreLeftUntouched(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "agent.ini")
	broken := "[ChangeRecorder]\nchange\\size=2\nchange\\1\\type=one\n"
	require.NoError(t, os.WriteFile(legacy, []byte(broken), 0600))

	j := openJournal(t, dir)
	c, err := j.Load()
	require.NoError(t, err)
	assert.Empty(t, c.Messages)

	data, err := os.ReadFile(legacy)
	require.NoError(t, err)
	assert.Equal(t, broken, string(data))

	_, err = os.Stat(j.Path())
	assert.True(t, os.IsNotExist(err), "no journal is written for a failed migration")
}
