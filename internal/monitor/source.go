package monitor

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dgnsrekt/pimnotify/internal/bus"
	"github.com/dgnsrekt/pimnotify/internal/notification"
	"github.com/dgnsrekt/pimnotify/internal/subscriber"
)

// Source delivers the notifications a monitor is subscribed to. Subscribe is
// called once per Run; Modify forwards later interest changes so that the
// source can narrow what it sends.
type Source interface {
	Subscribe(ctx context.Context, interest subscriber.Snapshot) (<-chan notification.Message, error)
	Modify(ctx context.Context, cmd subscriber.Command) error
	Close() error
}

// BusSource subscribes a monitor to an in-process bus.
type BusSource struct {
	bus  *bus.Bus
	opts bus.Options

	mu  sync.Mutex
	sub *bus.Subscriber
}

func NewBusSource(b *bus.Bus, opts bus.Options) *BusSource {
	return &BusSource{bus: b, opts: opts}
}

func (s *BusSource) Subscribe(ctx context.Context, interest subscriber.Snapshot) (<-chan notification.Message, error) {
	sub, err := s.bus.Subscribe(ctx, subscriber.FromSnapshot(interest), s.opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return sub.C(), nil
}

func (s *BusSource) Modify(ctx context.Context, cmd subscriber.Command) error {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return errors.New("bus source not subscribed")
	}
	return s.bus.Modify(ctx, sub.ID(), cmd)
}

func (s *BusSource) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		s.bus.Unsubscribe(sub)
	}
	return nil
}

// ChannelSource is a Source fed by hand. It records the interest it was
// given and every forwarded command.
type ChannelSource struct {
	C chan notification.Message

	mu       sync.Mutex
	interest subscriber.Snapshot
	commands []subscriber.Command
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{C: make(chan notification.Message, buffer)}
}

func (s *ChannelSource) Subscribe(_ context.Context, interest subscriber.Snapshot) (<-chan notification.Message, error) {
	s.mu.Lock()
	s.interest = interest
	s.mu.Unlock()
	return s.C, nil
}

func (s *ChannelSource) Modify(_ context.Context, cmd subscriber.Command) error {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
	return nil
}

func (s *ChannelSource) Close() error { return nil }

// Interest is the snapshot passed to the last Subscribe.
func (s *ChannelSource) Interest() subscriber.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interest
}

// Commands returns the forwarded commands in order.
func (s *ChannelSource) Commands() []subscriber.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}
