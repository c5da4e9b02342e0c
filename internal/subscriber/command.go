package subscriber

import (
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// Command changes a subscription. Empty lists leave that axis untouched.
type Command struct {
	StartCollections []int64 `json:"startCollections,omitempty"`
	StopCollections  []int64 `json:"stopCollections,omitempty"`
	StartItems       []int64 `json:"startItems,omitempty"`
	StopItems        []int64 `json:"stopItems,omitempty"`
	StartTags        []int64 `json:"startTags,omitempty"`
	StopTags         []int64 `json:"stopTags,omitempty"`

	StartTypes []notification.Type `json:"startTypes,omitempty"`
	StopTypes  []notification.Type `json:"stopTypes,omitempty"`

	StartResources []string `json:"startResources,omitempty"`
	StopResources  []string `json:"stopResources,omitempty"`
	StartMimeTypes []string `json:"startMimeTypes,omitempty"`
	StopMimeTypes  []string `json:"stopMimeTypes,omitempty"`
	StartSessions  []string `json:"startSessions,omitempty"`
	StopSessions   []string `json:"stopSessions,omitempty"`

	AllMonitored *bool `json:"allMonitored,omitempty"`
}

// IsEmpty is true when applying the command cannot change anything.
func (c Command) IsEmpty() bool {
	return len(c.StartCollections)+len(c.StopCollections)+
		len(c.StartItems)+len(c.StopItems)+
		len(c.StartTags)+len(c.StopTags)+
		len(c.StartTypes)+len(c.StopTypes)+
		len(c.StartResources)+len(c.StopResources)+
		len(c.StartMimeTypes)+len(c.StopMimeTypes)+
		len(c.StartSessions)+len(c.StopSessions) == 0 && c.AllMonitored == nil
}

// CommandFromSnapshot builds a command that turns an empty State into snap.
func CommandFromSnapshot(snap Snapshot) Command {
	all := snap.AllMonitored
	return Command{
		StartCollections: snap.Collections,
		StartItems:       snap.Items,
		StartTags:        snap.Tags,
		StartTypes:       snap.Types,
		StartResources:   snap.Resources,
		StartMimeTypes:   snap.MimeTypes,
		StartSessions:    snap.IgnoredSessions,
		AllMonitored:     &all,
	}
}

// Modify applies cmd and reports whether the state changed.
func (s *State) Modify(cmd Command, logger *zap.Logger) bool {
	if logger == nil {
		logger = zap.NewNop()
	}
	changed := false

	apply := func(ids []int64, on bool, set func(int64, bool) bool) {
		for _, id := range ids {
			if set(id, on) {
				changed = true
			}
		}
	}
	applyStr := func(vals []string, on bool, set func(string, bool) bool) {
		for _, v := range vals {
			if set(v, on) {
				changed = true
			}
		}
	}

	apply(cmd.StartCollections, true, s.SetCollectionMonitored)
	apply(cmd.StopCollections, false, s.SetCollectionMonitored)
	apply(cmd.StartItems, true, s.SetItemMonitored)
	apply(cmd.StopItems, false, s.SetItemMonitored)
	apply(cmd.StartTags, true, s.SetTagMonitored)
	apply(cmd.StopTags, false, s.SetTagMonitored)
	for _, t := range cmd.StartTypes {
		if s.SetTypeMonitored(t, true) {
			changed = true
		}
	}
	for _, t := range cmd.StopTypes {
		if s.SetTypeMonitored(t, false) {
			changed = true
		}
	}
	applyStr(cmd.StartResources, true, s.SetResourceMonitored)
	applyStr(cmd.StopResources, false, s.SetResourceMonitored)
	applyStr(cmd.StartMimeTypes, true, s.SetMimeTypeMonitored)
	applyStr(cmd.StopMimeTypes, false, s.SetMimeTypeMonitored)
	applyStr(cmd.StartSessions, true, s.SetSessionIgnored)
	applyStr(cmd.StopSessions, false, s.SetSessionIgnored)

	if cmd.AllMonitored != nil && s.SetAllMonitored(*cmd.AllMonitored) {
		changed = true
	}

	if changed {
		snap := s.Snapshot()
		logger.Debug("subscription modified",
			zap.Bool("allMonitored", snap.AllMonitored),
			zap.Int64s("collections", snap.Collections),
			zap.Int64s("items", snap.Items),
			zap.Int64s("tags", snap.Tags),
			zap.Strings("resources", snap.Resources),
			zap.Strings("mimeTypes", snap.MimeTypes),
			zap.Strings("ignoredSessions", snap.IgnoredSessions),
		)
	}
	return changed
}
