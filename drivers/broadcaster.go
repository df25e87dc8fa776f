package drivers

import (
	"sync"

	"socquery/canbus"
	"socquery/logging"
)

const subscriberBufferSize = 128

type CanFrameBroadcaster struct {
	subscribers map[chan *canbus.CanFrame]struct{}
	lock        sync.RWMutex
	l           *logging.Logger
}

// NewCanFrameBroadcaster creates a new CanFrameBroadcaster.
func NewCanFrameBroadcaster(l *logging.Logger) *CanFrameBroadcaster {
	return &CanFrameBroadcaster{
		subscribers: make(map[chan *canbus.CanFrame]struct{}),
		l:           l,
	}
}

// Subscribe adds a new subscriber and returns a channel to receive frames.
func (b *CanFrameBroadcaster) Subscribe() chan *canbus.CanFrame {
	ch := make(chan *canbus.CanFrame, subscriberBufferSize)
	b.lock.Lock()
	b.subscribers[ch] = struct{}{}
	b.lock.Unlock()
	return ch
}

// Unsubscribe removes a subscriber. Channels already closed by Cleanup are left alone.
func (b *CanFrameBroadcaster) Unsubscribe(ch chan *canbus.CanFrame) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast sends a frame to all subscribers.
func (b *CanFrameBroadcaster) Broadcast(frame *canbus.CanFrame) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			b.l.Warn().Str("frame", frame.String()).Msg("slow subscriber, frame channel is full. dropping frame")
		}
	}
}

// Cleanup closes every subscriber channel.
func (b *CanFrameBroadcaster) Cleanup() {
	b.lock.Lock()
	for channel := range b.subscribers {
		delete(b.subscribers, channel)
		close(channel)
	}
	b.lock.Unlock()
}
