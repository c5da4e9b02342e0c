package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/bus"
	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
	"github.com/dgnsrekt/pimnotify/internal/wire"
)

var errExpectedHello = errors.New("first frame must be hello")

// conn is one broker-side websocket subscriber.
type conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	codec  wire.Codec
	acks   chan wire.Frame
	done   chan struct{}
	remote string
	since  time.Time
	logger *zap.Logger

	mu      sync.Mutex
	sub     *bus.Subscriber
	session string
}

func (c *conn) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

func (c *conn) info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ConnInfo{
		ID:          c.id,
		Session:     c.session,
		Subprotocol: c.codec.Subprotocol(),
		Remote:      c.remote,
		Since:       c.since,
	}
	if c.sub != nil {
		info.SubscriberID = c.sub.ID()
	}
	return info
}

// serve runs the handshake and both pumps. It returns once the connection
// is closed and the read pump has exited.
func (c *conn) serve(ctx context.Context) {
	defer c.codec.Close()
	defer func() { _ = c.ws.Close() }()

	hello, err := c.readHello()
	if err != nil {
		c.logger.Debug("handshake failed", zap.Error(err))
		c.writeClose(websocket.CloseProtocolError, err.Error())
		return
	}

	opts := bus.Options{
		Session:    hello.Session,
		BufferSize: c.hub.opts.BufferSize,
		Policy:     c.hub.opts.Policy,
	}
	sub, err := c.hub.bus.Subscribe(ctx, subscriber.FromSnapshot(hello.Subscription), opts)
	if err != nil {
		c.logger.Warn("subscribing to bus failed", zap.Error(err))
		c.writeClose(websocket.CloseTryAgainLater, "broker unavailable")
		return
	}
	c.mu.Lock()
	c.sub = sub
	c.session = hello.Session
	c.mu.Unlock()

	c.logger.Info("subscriber connected",
		zap.String("subscriber", sub.ID()),
		zap.String("session", hello.Session),
		zap.String("protocol", c.codec.Subprotocol()),
	)

	reply := wire.NewHello(wire.Hello{
		ConnectionID: c.id,
		Broker:       c.hub.name,
		Session:      hello.Session,
		Subscription: hello.Subscription,
	})
	if err := c.write(reply); err != nil {
		c.hub.bus.Unsubscribe(sub)
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readPump(ctx)
	}()

	c.writePump(ctx)
	close(c.done)
	_ = c.ws.Close()
	<-readDone
}

func (c *conn) readHello() (wire.Hello, error) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.HelloTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Hello{}, fmt.Errorf("reading hello: %w", err)
	}
	f, err := c.codec.Decode(data)
	if err != nil {
		return wire.Hello{}, err
	}
	if f.Kind != wire.KindHello {
		return wire.Hello{}, fmt.Errorf("%w, got %s", errExpectedHello, f.Kind)
	}
	return *f.Hello, nil
}

// readPump reads subscription changes from the peer.
func (c *conn) readPump(ctx context.Context) {
	defer c.hub.bus.Unsubscribe(c.sub)

	pongWait := c.hub.opts.PingInterval * 10 / 9
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Debug("failed to parse upstream frame", zap.Error(err))
			continue
		}

		switch f.Kind {
		case wire.KindModify:
			err := c.hub.bus.Modify(ctx, c.sub.ID(), *f.Modify)
			if err != nil {
				c.logger.Debug("modify failed", zap.Uint64("seq", f.Seq), zap.Error(err))
			}
			select {
			case c.acks <- wire.NewAck(f.Seq, err):
			case <-c.done:
				return
			}
		default:
			c.logger.Debug("unexpected upstream frame", zap.Stringer("kind", f.Kind))
		}
	}
}

// writePump is the only writer once the handshake is done.
func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "broker shutting down")
			return

		case msg, ok := <-c.sub.C():
			if !ok {
				c.writeClose(websocket.CloseTryAgainLater, "subscription dropped")
				return
			}
			batch, open := c.drain(msg)
			if err := c.write(wire.NewNotifications(batch)); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}
			if !open {
				c.writeClose(websocket.CloseTryAgainLater, "subscription dropped")
				return
			}

		case f := <-c.acks:
			if err := c.write(f); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain collects whatever is already queued behind first, up to maxBatch.
// open is false when the subscription channel was closed meanwhile.
func (c *conn) drain(first notification.Message) (batch []notification.Message, open bool) {
	batch = append(batch, first)
	for len(batch) < maxBatch {
		select {
		case msg, ok := <-c.sub.C():
			if !ok {
				return batch, false
			}
			batch = append(batch, msg)
		default:
			return batch, true
		}
	}
	return batch, true
}

func (c *conn) write(f wire.Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
	return c.ws.WriteMessage(msgType, data)
}

func (c *conn) writeClose(code int, text string) {
	// Control frames carry at most 125 bytes.
	if len(text) > 120 {
		text = text[:120]
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.opts.WriteTimeout))
}
