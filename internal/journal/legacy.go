package journal

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// LegacySection holds the queue inside a legacy settings file.
const LegacySection = "ChangeRecorder"

func legacyKey(i int, field string) string {
	return fmt.Sprintf(`change\%d\%s`, i, field)
}

func loadLegacyFile(path string) (*ini.File, error) {
	return ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, path)
}

// ReadLegacy reads the queue kept in a legacy settings file. Arrays are
// 1-based, as written by the old settings backend. It returns
// ErrNoLegacyData when the file or section does not exist.
func ReadLegacy(path string) ([]notification.Message, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoLegacyData
	}
	cfg, err := loadLegacyFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading legacy settings: %w", err)
	}
	sec, err := cfg.GetSection(LegacySection)
	if err != nil {
		return nil, ErrNoLegacyData
	}

	size, err := sec.Key(`change\size`).Int()
	if err != nil {
		return nil, fmt.Errorf("%w: bad change count: %w", ErrCorrupt, err)
	}

	msgs := make([]notification.Message, 0, size)
	for i := 1; i <= size; i++ {
		msg, err := readLegacyEntry(sec, i)
		if err != nil {
			return nil, fmt.Errorf("legacy change %d: %w", i, err)
		}
		if msg.Validate() != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func readLegacyEntry(sec *ini.Section, i int) (notification.Message, error) {
	var msg notification.Message

	typ, err := sec.Key(legacyKey(i, "type")).Int()
	if err != nil {
		return msg, fmt.Errorf("%w: type: %w", ErrCorrupt, err)
	}
	op, err := sec.Key(legacyKey(i, "op")).Int()
	if err != nil {
		return msg, fmt.Errorf("%w: op: %w", ErrCorrupt, err)
	}
	uid, err := sec.Key(legacyKey(i, "uid")).Int64()
	if err != nil {
		return msg, fmt.Errorf("%w: uid: %w", ErrCorrupt, err)
	}

	msg.Type = legacyType(int32(typ))
	msg.Operation = legacyOperation(msg.Type, int32(op))
	msg.SessionID = legacyValue(sec, legacyKey(i, "sessionId"))
	msg.Resource = legacyValue(sec, legacyKey(i, "resource"))
	msg.ParentCollection = sec.Key(legacyKey(i, "parentCol")).MustInt64(0)
	msg.ParentDestCollection = sec.Key(legacyKey(i, "parentDestCol")).MustInt64(0)

	ent := notification.Entity{
		ID:       uid,
		RemoteID: legacyValue(sec, legacyKey(i, "rid")),
	}
	if msg.Type == notification.TypeItem {
		ent.MimeType = legacyValue(sec, legacyKey(i, "mimeType"))
	}
	msg.Entities = []notification.Entity{ent}

	for _, part := range strings.Split(legacyValue(sec, legacyKey(i, "itemParts")), ",") {
		if part = strings.TrimSpace(part); part != "" {
			msg.ItemParts = append(msg.ItemParts, part)
		}
	}
	msg.ItemParts = notification.SortedSet(msg.ItemParts)
	return msg, nil
}

// legacyValue unwraps the @ByteArray(...) form the old backend used for
// binary values.
func legacyValue(sec *ini.Section, key string) string {
	v := sec.Key(key).String()
	if strings.HasPrefix(v, "@ByteArray(") && strings.HasSuffix(v, ")") {
		return v[len("@ByteArray(") : len(v)-1]
	}
	return v
}

// RemoveLegacy deletes the legacy section, and the file once nothing else
// is left in it.
func RemoveLegacy(path string) error {
	cfg, err := loadLegacyFile(path)
	if err != nil {
		return fmt.Errorf("loading legacy settings: %w", err)
	}
	cfg.DeleteSection(LegacySection)

	empty := true
	for _, sec := range cfg.Sections() {
		if len(sec.Keys()) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return os.Remove(path)
	}
	return cfg.SaveTo(path)
}
