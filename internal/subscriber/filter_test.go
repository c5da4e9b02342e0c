package subscriber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

type setup struct {
	allMonitored bool
	collections  []int64
	items        []int64
	resources    []string
	mimeTypes    []string
	sessions     []string
}

func (c setup) state() *State {
	s := NewState()
	s.SetAllMonitored(c.allMonitored)
	for _, id := range c.collections {
		s.SetCollectionMonitored(id, true)
	}
	for _, id := range c.items {
		s.SetItemMonitored(id, true)
	}
	for _, r := range c.resources {
		s.SetResourceMonitored(r, true)
	}
	for _, mt := range c.mimeTypes {
		s.SetMimeTypeMonitored(mt, true)
	}
	for _, sess := range c.sessions {
		s.SetSessionIgnored(sess, true)
	}
	return s
}

func mail(id int64) notification.Entity {
	return notification.Entity{ID: id, RemoteID: "123", MimeType: "message/rfc822"}
}

func TestAcceptsFixtures(t *testing.T) {
	itemAddNoItems := notification.Message{
		Type:             notification.TypeItem,
		Operation:        notification.OpAdd,
		ParentCollection: 1,
	}
	itemAdd := itemAddNoItems.WithEntities(notification.Entity{ID: 1, MimeType: "message/rfc822"})
	itemAddEchoed := itemAdd.Clone()
	itemAddEchoed.SessionID = "testSession"

	newRoot := notification.Message{
		Type:             notification.TypeCollection,
		Operation:        notification.OpAdd,
		Entities:         []notification.Entity{{ID: 1, RemoteID: "imap://user@some.domain/"}},
		ParentCollection: 0,
		SessionID:        "akonadi_imap_resource_0",
		Resource:         "akonadi_imap_resource_0",
	}

	interMove := notification.Message{
		Type:                 notification.TypeItem,
		Operation:            notification.OpMove,
		Entities:             []notification.Entity{mail(10)},
		Resource:             "akonadi_resource_1",
		DestinationResource:  "akonadi_resource_2",
		ParentCollection:     1,
		ParentDestCollection: 2,
		SessionID:            "kmail",
	}

	intraMove := notification.Message{
		Type:                 notification.TypeItem,
		Operation:            notification.OpMove,
		Entities:             []notification.Entity{mail(10), mail(11)},
		Resource:             "akonadi_resource_0",
		DestinationResource:  "akonadi_resource_0",
		ParentCollection:     1,
		ParentDestCollection: 2,
		SessionID:            "kmail",
	}

	newSubfolder := notification.Message{
		Type:             notification.TypeCollection,
		Operation:        notification.OpAdd,
		SessionID:        "kmail",
		Resource:         "akonadi_resource_1",
		ParentCollection: 1,
	}

	newMail := notification.Message{
		Type:             notification.TypeItem,
		Operation:        notification.OpAdd,
		SessionID:        "randomSession",
		Resource:         "randomResource",
		ParentCollection: 1,
		Entities:         []notification.Entity{{ID: 10, MimeType: "message/rfc822"}},
	}

	resourceTagRemove := notification.Message{
		Type:      notification.TypeTag,
		Operation: notification.OpRemove,
		SessionID: "randomSession",
		Resource:  "akonadi_random_resource_0",
		Entities:  []notification.Entity{{ID: 1, RemoteID: "TAG"}},
	}
	clientTagRemove := resourceTagRemove.Clone()
	clientTagRemove.Resource = ""

	tests := []struct {
		name     string
		setup    setup
		msg      notification.Message
		accepted bool
	}{
		{"monitorAll vs notification without items", setup{allMonitored: true}, itemAddNoItems, false},
		{"monitorAll vs notification with one item", setup{allMonitored: true}, itemAdd, true},
		{"item monitored but different mimetype", setup{items: []int64{1, 2}, mimeTypes: []string{"random/mimetype"}}, itemAdd, false},
		{"item not monitored, but mimetype matches", setup{mimeTypes: []string{"message/rfc822"}}, itemAdd, true},
		{"item monitored but session ignored", setup{items: []int64{1}, sessions: []string{"testSession"}}, itemAddEchoed, false},
		{"new root collection in non-monitored resource", setup{
			collections: []int64{0},
			resources:   []string{"akonadi_search_resource"},
			mimeTypes:   []string{"message/rfc822"},
		}, newRoot, true},
		{"inter-resource move, source source", setup{
			resources: []string{"akonadi_resource_1"},
			mimeTypes: []string{"message/rfc822"},
			sessions:  []string{"akonadi_resource_1"},
		}, interMove, true},
		{"inter-resource move, destination source", setup{
			resources: []string{"akonadi_resource_2"},
			mimeTypes: []string{"message/rfc822"},
			sessions:  []string{"akonadi_resource_2"},
		}, interMove, true},
		{"inter-resource move, uninterested party", setup{
			collections: []int64{12},
			mimeTypes:   []string{"inode/directory"},
		}, interMove, false},
		{"intra-resource move, owning resource", setup{
			resources: []string{"akonadi_imap_resource_0"},
			mimeTypes: []string{"message/rfc822"},
			sessions:  []string{"akonadi_imap_resource_0"},
		}, intraMove, true},
		{"new subfolder", setup{collections: []int64{0}, mimeTypes: []string{"message/rfc822"}}, newSubfolder, false},
		{"new mail for mailfilter or maildispatcher", setup{collections: []int64{0}, mimeTypes: []string{"message/rfc822"}}, newMail, true},
		{"tag removal, resource notification, matching resource source", setup{sessions: []string{"akonadi_random_resource_0"}}, resourceTagRemove, true},
		{"tag removal, resource notification, monitored resource", setup{resources: []string{"akonadi_random_resource_0"}}, resourceTagRemove, true},
		{"tag removal, resource notification, wrong resource source", setup{sessions: []string{"akonadi_another_resource_1"}}, resourceTagRemove, false},
		{"tag removal, client notification, client source", setup{}, clientTagRemove, true},
		{"tag removal, client notification, resource source", setup{sessions: []string{"akonadi_some_resource_0"}}, clientTagRemove, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.accepted, tt.setup.state().Accepts(tt.msg))
		})
	}
}

func TestSelfEchoOverride(t *testing.T) {
	s := setup{sessions: []string{"S"}, resources: []string{"R"}}.state()

	msg := notification.Message{
		Type:             notification.TypeItem,
		Operation:        notification.OpModify,
		SessionID:        "S",
		Resource:         "R",
		ParentCollection: 4,
		Entities:         []notification.Entity{{ID: 7, MimeType: "text/directory"}},
	}
	assert.True(t, s.Accepts(msg), "resource interest must override session suppression")

	msg.Resource = "other"
	assert.False(t, s.Accepts(msg), "echo for an unmonitored resource must be suppressed")

	msg.DestinationResource = "R"
	msg.Operation = notification.OpMove
	msg.ParentDestCollection = 5
	assert.True(t, s.Accepts(msg), "move into a monitored resource overrides suppression")
}

func TestTopLevelCollectionAnnouncedByContentType(t *testing.T) {
	s := setup{mimeTypes: []string{"text/calendar"}, resources: []string{"akonadi_maildir_resource_0"}}.state()

	msg := notification.Message{
		Type:             notification.TypeCollection,
		Operation:        notification.OpAdd,
		Entities:         []notification.Entity{{ID: 40, MimeType: "inode/directory"}},
		ParentCollection: 0,
		Resource:         "akonadi_ical_resource_3",
		ContentMimeTypes: []string{"text/calendar", "application/x-vnd.akonadi.calendar.event"},
	}
	assert.True(t, s.Accepts(msg))

	msg.ParentCollection = 12
	assert.False(t, s.Accepts(msg), "only top-level collections are announced")
}

func TestTypeFilter(t *testing.T) {
	s := setup{allMonitored: true}.state()
	s.SetTypeMonitored(notification.TypeCollection, true)

	item := notification.Message{Type: notification.TypeItem, Operation: notification.OpAdd, Entities: []notification.Entity{{ID: 1}}}
	col := notification.Message{Type: notification.TypeCollection, Operation: notification.OpAdd, Entities: []notification.Entity{{ID: 2}}, ParentCollection: 1}
	sub := notification.Message{Type: notification.TypeSubscription, Operation: notification.OpUnsubscribe, SessionID: "gone"}

	assert.False(t, s.Accepts(item))
	assert.True(t, s.Accepts(col))
	assert.False(t, s.Accepts(sub), "subscription changes need explicit interest")

	s.SetTypeMonitored(notification.TypeSubscription, true)
	assert.True(t, s.Accepts(sub))
}

func TestUnknownTypesRejected(t *testing.T) {
	s := setup{allMonitored: true}.state()
	assert.False(t, s.Accepts(notification.Message{Type: notification.Type(42), Operation: notification.OpAdd, Entities: []notification.Entity{{ID: 1}}}))
	assert.False(t, s.Accepts(notification.Message{Type: notification.TypeItem, Operation: notification.Operation(99), Entities: []notification.Entity{{ID: 1}}}))
}

func TestMonitoredTags(t *testing.T) {
	s := NewState()
	tag := notification.Message{Type: notification.TypeTag, Operation: notification.OpAdd, Entities: []notification.Entity{{ID: 3}}}
	assert.True(t, s.Accepts(tag), "no tag filter means all tags")

	s.SetTagMonitored(4, true)
	assert.False(t, s.Accepts(tag))
	s.SetTagMonitored(3, true)
	assert.True(t, s.Accepts(tag))
}

func TestModifyCommand(t *testing.T) {
	s := NewState()
	all := true
	changed := s.Modify(Command{
		StartCollections: []int64{1, 2},
		StartMimeTypes:   []string{"message/rfc822"},
		StartSessions:    []string{"kmail"},
		AllMonitored:     &all,
	}, zap.NewNop())
	require.True(t, changed)

	snap := s.Snapshot()
	assert.Equal(t, []int64{1, 2}, snap.Collections)
	assert.Equal(t, []string{"message/rfc822"}, snap.MimeTypes)
	assert.True(t, snap.AllMonitored)

	assert.False(t, s.Modify(Command{StartCollections: []int64{1}}, nil), "re-adding is not a change")

	require.True(t, s.Modify(Command{StopCollections: []int64{1}, StopSessions: []string{"kmail"}}, nil))
	snap = s.Snapshot()
	assert.Equal(t, []int64{2}, snap.Collections)
	assert.Empty(t, snap.IgnoredSessions)

	rebuilt := FromSnapshot(snap)
	assert.Equal(t, snap, rebuilt.Snapshot())

	fresh := NewState()
	fresh.Modify(CommandFromSnapshot(snap), nil)
	assert.Equal(t, snap, fresh.Snapshot())
}

func TestMoveEnds(t *testing.T) {
	move := notification.Message{
		Type:                 notification.TypeItem,
		Operation:            notification.OpMove,
		Entities:             []notification.Entity{mail(1)},
		Resource:             "res1",
		DestinationResource:  "res2",
		ParentCollection:     5,
		ParentDestCollection: 9,
	}

	s := setup{collections: []int64{5}}.state()
	assert.True(t, s.WatchesLocations())
	src, dst := s.MoveEnds(move)
	assert.True(t, src)
	assert.False(t, dst)

	s = setup{resources: []string{"res2"}}.state()
	src, dst = s.MoveEnds(move)
	assert.False(t, src)
	assert.True(t, dst)

	s = setup{collections: []int64{0}}.state()
	src, dst = s.MoveEnds(move)
	assert.True(t, src && dst, "root watches both ends")

	assert.False(t, setup{allMonitored: true, collections: []int64{5}}.state().WatchesLocations())
	assert.False(t, setup{mimeTypes: []string{"message/rfc822"}}.state().WatchesLocations())
}
