package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startBus(t *testing.T) *Bus {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := New(nil)
	go b.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-b.Done()
	})
	return b
}

func itemAdd(parent int64, ids ...int64) notification.Message {
	msg := notification.Message{
		Type:             notification.TypeItem,
		Operation:        notification.OpAdd,
		ParentCollection: parent,
		Resource:         "akonadi_imap_resource_0",
	}
	for _, id := range ids {
		msg.Entities = append(msg.Entities, notification.Entity{ID: id, MimeType: "message/rfc822"})
	}
	return msg
}

func watching(collections ...int64) *subscriber.State {
	s := subscriber.NewState()
	for _, id := range collections {
		s.SetCollectionMonitored(id, true)
	}
	return s
}

func receive(t *testing.T, s *Subscriber) notification.Message {
	t.Helper()
	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "subscriber channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return notification.Message{}
}

func TestDeliversOnlyAcceptedInOrder(t *testing.T) {
	b := startBus(t)
	ctx := context.Background()

	inbox, err := b.Subscribe(ctx, watching(5), Options{Session: "kmail"})
	require.NoError(t, err)
	trash, err := b.Subscribe(ctx, watching(6), Options{Session: "akregator"})
	require.NoError(t, err)

	b.Publish([]notification.Message{itemAdd(5, 1), itemAdd(6, 2), itemAdd(5, 3)})

	assert.Equal(t, []int64{1}, receive(t, inbox).UIDs())
	assert.Equal(t, []int64{3}, receive(t, inbox).UIDs())
	assert.Equal(t, []int64{2}, receive(t, trash).UIDs())
}

func TestModifyChangesInterest(t *testing.T) {
	b := startBus(t)
	ctx := context.Background()

	s, err := b.Subscribe(ctx, watching(5), Options{})
	require.NoError(t, err)

	require.NoError(t, b.Modify(ctx, s.ID(), subscriber.Command{
		StartCollections: []int64{6},
		StopCollections:  []int64{5},
	}))

	b.Publish([]notification.Message{itemAdd(5, 1), itemAdd(6, 2)})
	assert.Equal(t, []int64{2}, receive(t, s).UIDs())

	infos := b.Subscribers()
	require.Len(t, infos, 1)
	assert.Equal(t, []int64{6}, infos[0].Subscription.Collections)

	assert.ErrorIs(t, b.Modify(ctx, "nope", subscriber.Command{}), ErrUnknownSubscriber)
}

func TestSubscriptionChangesBroadcast(t *testing.T) {
	b := startBus(t)
	ctx := context.Background()

	observerState := subscriber.NewState()
	observerState.SetTypeMonitored(notification.TypeSubscription, true)
	observer, err := b.Subscribe(ctx, observerState, Options{Session: "console"})
	require.NoError(t, err)
	assert.Equal(t, notification.OpSubscribe, receive(t, observer).Operation, "observer sees its own registration")

	other, err := b.Subscribe(ctx, watching(5), Options{Session: "kmail"})
	require.NoError(t, err)
	msg := receive(t, observer)
	assert.Equal(t, notification.OpSubscribe, msg.Operation)
	assert.Equal(t, "kmail", msg.SessionID)

	b.Unsubscribe(other)
	msg = receive(t, observer)
	assert.Equal(t, notification.OpUnsubscribe, msg.Operation)
	assert.Equal(t, "kmail", msg.SessionID)

	_, ok := <-other.C()
	assert.False(t, ok, "unsubscribed channel must be closed")
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	b := startBus(t)
	ctx := context.Background()

	slow, err := b.Subscribe(ctx, watching(5), Options{BufferSize: 2})
	require.NoError(t, err)
	fast, err := b.Subscribe(ctx, watching(5), Options{BufferSize: 16})
	require.NoError(t, err)

	b.Publish([]notification.Message{itemAdd(5, 1), itemAdd(5, 2), itemAdd(5, 3)})

	for want := int64(1); want <= 3; want++ {
		assert.Equal(t, []int64{want}, receive(t, fast).UIDs())
	}

	var got []int64
	for msg := range slow.C() {
		got = append(got, msg.UIDs()...)
	}
	assert.Equal(t, []int64{1, 2}, got, "queued notifications are drained before close")
	assert.Len(t, b.Subscribers(), 1)
}

func TestDropOldestKeepsNewest(t *testing.T) {
	b := startBus(t)
	ctx := context.Background()

	s, err := b.Subscribe(ctx, watching(5), Options{BufferSize: 2, Policy: OverflowDropOldest})
	require.NoError(t, err)

	b.Publish([]notification.Message{itemAdd(5, 1), itemAdd(5, 2), itemAdd(5, 3), itemAdd(5, 4)})

	// Modify round-trips through the loop, so the publish has been handled.
	require.NoError(t, b.Modify(ctx, s.ID(), subscriber.Command{}))

	assert.Equal(t, []int64{3}, receive(t, s).UIDs())
	assert.Equal(t, []int64{4}, receive(t, s).UIDs())
	assert.Equal(t, uint64(2), s.Dropped())
}

func TestSubscribeAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := New(nil)
	go b.Run(ctx)

	s, err := b.Subscribe(context.Background(), watching(1), Options{})
	require.NoError(t, err)

	cancel()
	<-b.Done()

	_, ok := <-s.C()
	assert.False(t, ok)

	_, err = b.Subscribe(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrClosed)
	b.Publish([]notification.Message{itemAdd(1, 1)})
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("drop-oldest")
	require.NoError(t, err)
	assert.Equal(t, OverflowDropOldest, p)

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverflowDisconnect, p)

	_, err = ParseOverflowPolicy("explode")
	assert.Error(t, err)
}
