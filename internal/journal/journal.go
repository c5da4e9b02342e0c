// Package journal persists the change recorder's pending notification
// queue.
package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// Journal is the on-disk queue of one change recorder. A Journal holds an
// exclusive lock file for as long as it is open.
type Journal struct {
	dir    string
	name   string
	logger *zap.Logger
	locked bool
}

// Open acquires the journal called name in dir, creating dir if needed.
func Open(dir, name string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		return nil, errors.New("journal name is empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	j := &Journal{dir: dir, name: name, logger: logger.With(zap.String("journal", name))}
	if err := j.lock(); err != nil {
		return nil, err
	}
	return j, nil
}

// Path is the journal file.
func (j *Journal) Path() string {
	return FilePath(j.dir, j.name)
}

// FilePath is where the journal called name in dir is stored.
func FilePath(dir, name string) string {
	return filepath.Join(dir, name+"_changes.dat")
}

// LegacyPath is the settings file older recorders kept their queue in.
func (j *Journal) LegacyPath() string {
	return filepath.Join(j.dir, j.name+".ini")
}

func (j *Journal) lockPath() string {
	return j.Path() + ".lock"
}

// Load reads the queue. When no journal exists yet, a legacy settings store
// is migrated into a new journal and removed. A failed migration leaves the
// legacy store alone and yields an empty queue.
func (j *Journal) Load() (Contents, error) {
	data, err := os.ReadFile(j.Path())
	if errors.Is(err, os.ErrNotExist) {
		return j.migrate(), nil
	}
	if err != nil {
		return Contents{}, fmt.Errorf("reading journal: %w", err)
	}

	c, err := Decode(bytes.NewReader(data))
	if err != nil {
		j.logger.Warn("journal damaged, keeping readable records",
			zap.Int("records", len(c.Messages)),
			zap.Error(err),
		)
		return c, nil
	}
	j.logger.Debug("journal loaded",
		zap.Int("records", len(c.Messages)),
		zap.Uint64("start_offset", c.Header.StartOffset),
		zap.Uint16("version", c.Header.Version),
	)
	return c, nil
}

func (j *Journal) migrate() Contents {
	msgs, err := ReadLegacy(j.LegacyPath())
	if errors.Is(err, ErrNoLegacyData) {
		return Contents{}
	}
	if err != nil {
		j.logger.Warn("legacy change store unreadable, starting empty",
			zap.String("path", j.LegacyPath()),
			zap.Error(err),
		)
		return Contents{}
	}

	if err := j.Save(msgs); err != nil {
		j.logger.Warn("migrating legacy change store failed", zap.Error(err))
		return Contents{Messages: msgs}
	}
	if err := RemoveLegacy(j.LegacyPath()); err != nil {
		j.logger.Warn("removing legacy change store failed", zap.Error(err))
	}
	j.logger.Info("migrated legacy change store", zap.Int("records", len(msgs)))
	return Contents{Header: Header{Count: uint64(len(msgs)), Version: CurrentVersion}, Messages: msgs}
}

// Save rewrites the whole journal atomically.
func (j *Journal) Save(msgs []notification.Message) error {
	dest := j.Path()
	tmpPath := dest + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	err = Encode(f, msgs)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing journal: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// SetStartOffset marks the first offset records of the journal as
// processed without rewriting them.
func (j *Journal) SetStartOffset(offset uint64) error {
	f, err := os.OpenFile(j.Path(), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteAt(binary.BigEndian.AppendUint64(nil, offset), startOffsetPos); err != nil {
		return fmt.Errorf("writing start offset: %w", err)
	}
	return f.Sync()
}

// Close releases the lock.
func (j *Journal) Close() error {
	if !j.locked {
		return nil
	}
	j.locked = false
	if err := os.Remove(j.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

func (j *Journal) lock() error {
	path := j.lockPath()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, err = f.WriteString(strconv.Itoa(os.Getpid()))
			if closeErr := f.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
			if err != nil {
				_ = os.Remove(path)
				return fmt.Errorf("writing lock file: %w", err)
			}
			j.locked = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating lock file: %w", err)
		}
		if !staleLock(path) {
			return ErrLocked
		}
		j.logger.Warn("removing stale journal lock", zap.String("path", path))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale lock file: %w", err)
		}
	}
	return ErrLocked
}

// staleLock reports whether the process that wrote the lock is gone.
func staleLock(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return p.Signal(syscall.Signal(0)) != nil
}
