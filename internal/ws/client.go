package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
	"github.com/dgnsrekt/pimnotify/internal/wire"
)

var (
	ErrClientClosed   = errors.New("websocket client closed")
	ErrNotConnected   = errors.New("websocket client not connected")
	ErrConnectionLost = errors.New("broker connection lost")
	ErrModifyRejected = errors.New("broker rejected subscription change")
)

// ClientOptions configure a Client.
type ClientOptions struct {
	// Subprotocol selects the frame encoding; empty means JSON.
	Subprotocol string
	Session     string
	Token       string
	// Buffer is the length of the notification channel.
	Buffer int
	// RetryCount bounds reconnect attempts after the connection drops.
	// Negative retries forever.
	RetryCount int
	RetryDelay time.Duration
	// HandshakeTimeout bounds dialing plus the Hello exchange.
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Client subscribes to a broker over a websocket. It implements the monitor
// Source interface and reconnects with the current interest when the
// connection drops.
type Client struct {
	url    string
	opts   ClientOptions
	logger *zap.Logger

	mu     sync.Mutex
	state  *subscriber.State
	ws     *websocket.Conn
	codec  wire.Codec
	connID string

	writeMu sync.Mutex
	seq     atomic.Uint64
	pending map[uint64]chan error

	out       chan notification.Message
	closing   chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
}

// NewClient creates a client for the broker websocket at url.
func NewClient(url string, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		url:     url,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("broker", url)),
		pending: make(map[uint64]chan error),
		out:     make(chan notification.Message, opts.Buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ConnectionID is the id the broker assigned to the current connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Subscribe connects, declares interest and starts delivering notifications.
// The returned channel is closed when the client is closed or gives up
// reconnecting.
func (c *Client) Subscribe(ctx context.Context, interest subscriber.Snapshot) (<-chan notification.Message, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, errors.New("websocket client already subscribed")
	}
	c.mu.Lock()
	c.state = subscriber.FromSnapshot(interest)
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		close(c.out)
		close(c.done)
		return nil, err
	}
	go c.run()
	return c.out, nil
}

func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		Subprotocols:     []string{c.opts.Subprotocol},
	}
	if c.opts.Subprotocol == "" {
		dialer.Subprotocols = nil
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}

	codec, err := wire.ForSubprotocol(conn.Subprotocol())
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	snap := c.state.Snapshot()
	c.mu.Unlock()

	reply, err := handshake(ctx, conn, codec, wire.Hello{Session: c.opts.Session, Subscription: snap})
	if err != nil {
		codec.Close()
		_ = conn.Close()
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	old := c.codec
	c.ws = conn
	c.codec = codec
	c.connID = reply.ConnectionID
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.logger.Info("connected to broker",
		zap.String("connID", reply.ConnectionID),
		zap.String("brokerName", reply.Broker),
		zap.String("protocol", codec.Subprotocol()),
	)
	return nil
}

func handshake(ctx context.Context, conn *websocket.Conn, codec wire.Codec, hello wire.Hello) (wire.Hello, error) {
	deadline, _ := ctx.Deadline()
	data, err := codec.Encode(wire.NewHello(hello))
	if err != nil {
		return wire.Hello{}, err
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(messageType(codec), data); err != nil {
		return wire.Hello{}, fmt.Errorf("sending hello: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	_, data, err = conn.ReadMessage()
	if err != nil {
		return wire.Hello{}, fmt.Errorf("reading hello: %w", err)
	}
	f, err := codec.Decode(data)
	if err != nil {
		return wire.Hello{}, err
	}
	if f.Kind != wire.KindHello {
		return wire.Hello{}, fmt.Errorf("%w, got %s", errExpectedHello, f.Kind)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return *f.Hello, nil
}

func (c *Client) run() {
	defer close(c.done)
	defer close(c.out)
	defer func() {
		c.mu.Lock()
		if c.codec != nil {
			c.codec.Close()
		}
		c.mu.Unlock()
	}()

	for {
		err := c.readLoop()
		c.failPending()
		select {
		case <-c.closing:
			return
		default:
		}
		c.logger.Warn("broker connection lost", zap.Error(err))
		if !c.reconnect() {
			return
		}
	}
}

func (c *Client) readLoop() error {
	c.mu.Lock()
	conn, codec := c.ws, c.codec
	c.mu.Unlock()
	defer func() { _ = conn.Close() }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := codec.Decode(data)
		if err != nil {
			c.logger.Debug("failed to parse downstream frame", zap.Error(err))
			continue
		}

		switch f.Kind {
		case wire.KindNotifications:
			for _, msg := range f.Notifications {
				select {
				case c.out <- msg:
				case <-c.closing:
					return ErrClientClosed
				}
			}
		case wire.KindAck:
			c.resolve(f.Seq, f.Ack)
		default:
			c.logger.Debug("unexpected downstream frame", zap.Stringer("kind", f.Kind))
		}
	}
}

func (c *Client) reconnect() bool {
	for attempt := 1; c.opts.RetryCount < 0 || attempt <= c.opts.RetryCount; attempt++ {
		timer := time.NewTimer(c.opts.RetryDelay)
		select {
		case <-c.closing:
			timer.Stop()
			return false
		case <-timer.C:
		}

		err := c.connect(context.Background())
		if err == nil {
			select {
			case <-c.closing:
				c.mu.Lock()
				_ = c.ws.Close()
				c.mu.Unlock()
				return false
			default:
			}
			c.logger.Info("reconnected to broker", zap.Int("attempt", attempt))
			return true
		}
		c.logger.Warn("reconnect failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	c.logger.Error("giving up on broker", zap.Int("attempts", c.opts.RetryCount))
	return false
}

// Modify forwards a subscription change and waits for the broker's ack. The
// change is also kept locally so that reconnects declare it.
func (c *Client) Modify(ctx context.Context, cmd subscriber.Command) error {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state.Modify(cmd, c.logger)
	conn, codec := c.ws, c.codec
	c.mu.Unlock()

	seq := c.seq.Add(1)
	reply := make(chan error, 1)
	c.mu.Lock()
	c.pending[seq] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	data, err := codec.Encode(wire.NewModify(seq, cmd))
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(messageType(codec), data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sending modify: %w", err)
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return ErrClientClosed
	}
}

func (c *Client) resolve(seq uint64, ack *wire.Ack) {
	c.mu.Lock()
	reply, ok := c.pending[seq]
	c.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if !ack.Success {
		err = fmt.Errorf("%w: %s", ErrModifyRejected, ack.Error)
	}
	reply <- err
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, reply := range c.pending {
		select {
		case reply <- ErrConnectionLost:
		default:
		}
		delete(c.pending, seq)
	}
}

// Close disconnects and waits for the reader to stop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		conn := c.ws
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	if c.started.Load() {
		<-c.done
	}
	return nil
}

func messageType(codec wire.Codec) int {
	if codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
