package events

import "sync"

// Bus is a non-blocking broadcast of emitted records to live
// subscribers such as the event stream endpoint. Slow subscribers miss
// records rather than blocking [Store.Emit]. Publish on a nil *Bus is a
// no-op, so a Store can run without one.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Record]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the channel stored in subs, so Unsubscribe can take the
	// caller's view of it.
	recvToSend map[<-chan Record]chan Record
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Record]struct{}),
		recvToSend: make(map[<-chan Record]chan Record),
	}
}

// Publish delivers r to every subscriber with buffer room.
func (b *Bus) Publish(r Record) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Subscribe returns a channel of published records. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Record {
	ch := make(chan Record, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Calling
// it again for the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
