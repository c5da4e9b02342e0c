package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dgnsrekt/pimnotify/internal/bus"
	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/monitor"
	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
	"github.com/dgnsrekt/pimnotify/internal/wire"
)

const waitTimeout = 2 * time.Second

var _ monitor.Source = (*Client)(nil)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type broker struct {
	bus *bus.Bus
	hub *Hub
	url string
}

func startBroker(t *testing.T) *broker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := bus.New(nil)
	go b.Run(ctx)

	hub := NewHub("test-broker", b, HubOptions{PingInterval: time.Second}, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		cancel()
		<-b.Done()
	})
	return &broker{bus: b, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (br *broker) connect(t *testing.T, opts ClientOptions, interest *subscriber.State) (*Client, <-chan notification.Message) {
	t.Helper()
	c := NewClient(br.url, opts)
	msgs, err := c.Subscribe(context.Background(), interest.Snapshot())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, msgs
}

func watching(collections ...int64) *subscriber.State {
	s := subscriber.NewState()
	for _, id := range collections {
		s.SetCollectionMonitored(id, true)
	}
	return s
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

func receive(t *testing.T, msgs <-chan notification.Message) notification.Message {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		require.True(t, ok, "notification channel closed")
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for notification")
	}
	return notification.Message{}
}

func TestDeliversOverEachSubprotocol(t *testing.T) {
	for _, proto := range []string{wire.SubprotocolBinary, wire.SubprotocolJSON, ""} {
		t.Run("protocol="+proto, func(t *testing.T) {
			br := startBroker(t)
			client, msgs := br.connect(t, ClientOptions{Subprotocol: proto, Session: "agent"}, watching(5))
			assert.NotEmpty(t, client.ConnectionID())

			br.bus.Publish([]notification.Message{itemAdd(5, 1, 2), itemAdd(6, 3), itemAdd(5, 4)})
			assert.Equal(t, []int64{1, 2}, receive(t, msgs).UIDs())
			assert.Equal(t, []int64{4}, receive(t, msgs).UIDs())

			conns := br.hub.Connections()
			require.Len(t, conns, 1)
			assert.Equal(t, client.ConnectionID(), conns[0].ID)
			assert.Equal(t, "agent", conns[0].Session)
			assert.NotEmpty(t, conns[0].SubscriberID)
			if proto == "" {
				assert.Equal(t, wire.SubprotocolJSON, conns[0].Subprotocol)
			} else {
				assert.Equal(t, proto, conns[0].Subprotocol)
			}
		})
	}
}

func TestModifyIsAcknowledged(t *testing.T) {
	br := startBroker(t)
	client, msgs := br.connect(t, ClientOptions{Subprotocol: wire.SubprotocolBinary}, watching(5))

	err := client.Modify(context.Background(), subscriber.Command{
		StartCollections: []int64{6},
		StopCollections:  []int64{5},
	})
	require.NoError(t, err)

	infos := br.bus.Subscribers()
	require.Len(t, infos, 1)
	assert.Equal(t, []int64{6}, infos[0].Subscription.Collections)

	br.bus.Publish([]notification.Message{itemAdd(5, 1), itemAdd(6, 2)})
	assert.Equal(t, []int64{2}, receive(t, msgs).UIDs())
}

func TestHandshakeRequiresHello(t *testing.T) {
	br := startBroker(t)

	conn, _, err := websocket.DefaultDialer.Dial(br.url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	data, err := wire.JSONCodec{}.Encode(wire.NewModify(1, subscriber.Command{StartItems: []int64{1}}))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
	assert.Empty(t, br.bus.Subscribers())
}

func TestClientGivesUpWhenBrokerCloses(t *testing.T) {
	br := startBroker(t)
	_, msgs := br.connect(t, ClientOptions{RetryCount: 0}, watching(5))

	br.hub.Close()

	select {
	case _, ok := <-msgs:
		assert.False(t, ok, "expected channel to close")
	case <-time.After(waitTimeout):
		t.Fatal("channel not closed after broker shutdown")
	}
}

func TestClientReconnectsWithCurrentInterest(t *testing.T) {
	br := startBroker(t)
	client, msgs := br.connect(t, ClientOptions{RetryCount: -1, RetryDelay: 20 * time.Millisecond}, watching(5))
	require.NoError(t, client.Modify(context.Background(), subscriber.Command{StartCollections: []int64{6}}))
	oldID := client.ConnectionID()

	// Drop the connection from the broker side.
	br.hub.mu.RLock()
	for _, c := range br.hub.conns {
		_ = c.ws.Close()
	}
	br.hub.mu.RUnlock()

	require.Eventually(t, func() bool {
		id := client.ConnectionID()
		if id == oldID {
			return false
		}
		infos := br.bus.Subscribers()
		for _, c := range br.hub.Connections() {
			if c.ID == id {
				return len(infos) == 1 && infos[0].ID == c.SubscriberID
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)

	infos := br.bus.Subscribers()
	require.Len(t, infos, 1)
	assert.Equal(t, []int64{5, 6}, infos[0].Subscription.Collections, "reconnect declares the modified interest")

	br.bus.Publish([]notification.Message{itemAdd(6, 9)})
	assert.Equal(t, []int64{9}, receive(t, msgs).UIDs())
}

func TestClientFeedsMonitor(t *testing.T) {
	br := startBroker(t)
	client := NewClient(br.url, ClientOptions{Subprotocol: wire.SubprotocolBinary})

	added := make(chan int64, 4)
	m := monitor.New(client, monitor.Fetchers{}, monitor.Options{Name: "ws", Interest: watching(5)})
	m.AddHandlers(monitor.Handlers{ItemAdded: func(item entity.Item, _ entity.Collection) {
		added <- item.ID
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return len(br.bus.Subscribers()) == 1 }, waitTimeout, 10*time.Millisecond)
	br.bus.Publish([]notification.Message{itemAdd(5, 7), itemAdd(5, 8)})

	for _, want := range []int64{7, 8} {
		select {
		case got := <-added:
			assert.Equal(t, want, got)
		case <-time.After(waitTimeout):
			t.Fatalf("item %d not delivered", want)
		}
	}
}
