// Package bus fans committed notifications out to the subscribers that
// want them.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

var (
	ErrClosed            = errors.New("bus closed")
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 256

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// OverflowDisconnect drops the subscriber.
	OverflowDisconnect OverflowPolicy = iota
	// OverflowDropOldest discards the oldest queued notification.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	if p == OverflowDropOldest {
		return "drop-oldest"
	}
	return "disconnect"
}

// ParseOverflowPolicy accepts "disconnect" or "drop-oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "disconnect":
		return OverflowDisconnect, nil
	case "drop-oldest":
		return OverflowDropOldest, nil
	}
	return OverflowDisconnect, errors.New("unknown overflow policy " + s)
}

// Options configure a subscription.
type Options struct {
	Session    string
	BufferSize int
	Policy     OverflowPolicy
}

// Subscriber is one registered consumer of the bus.
type Subscriber struct {
	id      string
	session string
	policy  OverflowPolicy
	state   *subscriber.State
	send    chan notification.Message
	dropped atomic.Uint64
}

func (s *Subscriber) ID() string      { return s.id }
func (s *Subscriber) Session() string { return s.session }

// C delivers accepted notifications in publish order. It is closed when the
// subscriber is removed.
func (s *Subscriber) C() <-chan notification.Message { return s.send }

// Dropped counts notifications discarded by the overflow policy.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Info describes a subscriber for diagnostics.
type Info struct {
	ID           string              `json:"id"`
	Session      string              `json:"session"`
	Policy       string              `json:"policy"`
	Queued       int                 `json:"queued"`
	Dropped      uint64              `json:"dropped"`
	Subscription subscriber.Snapshot `json:"subscription"`
}

type modifyRequest struct {
	id    string
	cmd   subscriber.Command
	reply chan error
}

// Bus owns all subscriber states. Every mutation runs on the Run goroutine.
type Bus struct {
	subscribers map[string]*Subscriber
	order       []string
	register    chan *Subscriber
	unregister  chan *Subscriber
	publish     chan []notification.Message
	modify      chan modifyRequest
	done        chan struct{}
	mu          sync.RWMutex
	logger      *zap.Logger
}

// New creates a Bus. Call Run before publishing.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		publish:     make(chan []notification.Message, 256),
		modify:      make(chan modifyRequest),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run processes bus events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bus shutting down", zap.Int("subscribers", len(b.subscribers)))
			b.shutdown()
			return

		case s := <-b.register:
			b.mu.Lock()
			b.subscribers[s.id] = s
			b.order = append(b.order, s.id)
			b.mu.Unlock()
			b.logger.Debug("subscriber registered",
				zap.String("id", s.id),
				zap.String("session", s.session),
			)
			b.fanout([]notification.Message{subscriptionNotice(notification.OpSubscribe, s.session)})

		case s := <-b.unregister:
			b.remove(s)

		case req := <-b.modify:
			req.reply <- b.applyModify(req)

		case batch := <-b.publish:
			b.fanout(batch)
		}
	}
}

// Done is closed once Run has returned.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Publish queues a committed batch for delivery. It implements
// collector.Publisher.
func (b *Bus) Publish(batch []notification.Message) {
	if len(batch) == 0 {
		return
	}
	select {
	case b.publish <- batch:
	case <-b.done:
		b.logger.Warn("publish after bus shutdown", zap.Int("notifications", len(batch)))
	}
}

// Subscribe registers a subscriber with the given initial interest.
func (b *Bus) Subscribe(ctx context.Context, state *subscriber.State, opts Options) (*Subscriber, error) {
	if state == nil {
		state = subscriber.NewState()
	}
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	s := &Subscriber{
		id:      ulid.Make().String(),
		session: opts.Session,
		policy:  opts.Policy,
		state:   state.Clone(),
		send:    make(chan notification.Message, size),
	}
	select {
	case b.register <- s:
		return s, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe removes s and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	select {
	case b.unregister <- s:
	case <-b.done:
	}
}

// Modify applies a subscription change for the subscriber with id.
func (b *Bus) Modify(ctx context.Context, id string, cmd subscriber.Command) error {
	req := modifyRequest{id: id, cmd: cmd, reply: make(chan error, 1)}
	select {
	case b.modify <- req:
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribers lists the live subscribers in registration order.
func (b *Bus) Subscribers() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]Info, 0, len(b.order))
	for _, id := range b.order {
		s := b.subscribers[id]
		infos = append(infos, Info{
			ID:           s.id,
			Session:      s.session,
			Policy:       s.policy.String(),
			Queued:       len(s.send),
			Dropped:      s.Dropped(),
			Subscription: s.state.Snapshot(),
		})
	}
	return infos
}

func (b *Bus) applyModify(req modifyRequest) error {
	s, ok := b.subscribers[req.id]
	if !ok {
		return ErrUnknownSubscriber
	}
	b.mu.Lock()
	changed := s.state.Modify(req.cmd, b.logger.With(zap.String("id", s.id)))
	b.mu.Unlock()
	if changed {
		b.fanout([]notification.Message{subscriptionNotice(notification.OpModify, s.session)})
	}
	return nil
}

// fanout delivers batch to every interested subscriber. A subscriber that
// cannot keep up is handled by its overflow policy.
func (b *Bus) fanout(batch []notification.Message) {
	var slow []*Subscriber
	for _, id := range b.order {
		s := b.subscribers[id]
		for _, msg := range batch {
			if !s.state.Accepts(msg) {
				continue
			}
			if !b.enqueue(s, msg) {
				slow = append(slow, s)
				break
			}
		}
	}
	for _, s := range slow {
		b.logger.Warn("subscriber too slow, disconnecting",
			zap.String("id", s.id),
			zap.String("session", s.session),
		)
		b.remove(s)
	}
}

func (b *Bus) enqueue(s *Subscriber, msg notification.Message) bool {
	select {
	case s.send <- msg:
		return true
	default:
	}
	if s.policy != OverflowDropOldest {
		return false
	}
	select {
	case <-s.send:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.send <- msg:
	default:
		s.dropped.Add(1)
	}
	return true
}

func (b *Bus) remove(s *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[s.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, s.id)
	for i, id := range b.order {
		if id == s.id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	close(s.send)
	persistent := !s.state.IsEmpty()
	b.mu.Unlock()

	b.logger.Debug("subscriber unregistered",
		zap.String("id", s.id),
		zap.String("session", s.session),
	)
	if persistent {
		b.fanout([]notification.Message{subscriptionNotice(notification.OpUnsubscribe, s.session)})
	}
}

func (b *Bus) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		close(s.send)
	}
	b.subscribers = make(map[string]*Subscriber)
	b.order = nil
}

func subscriptionNotice(op notification.Operation, session string) notification.Message {
	return notification.Message{
		Type:      notification.TypeSubscription,
		Operation: op,
		SessionID: session,
	}
}
