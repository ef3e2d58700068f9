package mqtt

import "sync"

// inbox is an unbounded FIFO between paho's router and the receive loop.
//
// push never blocks, so paho keeps reading acknowledgments (including the
// SUBACKs of a resubscribe) while the receive loop is held back.
type inbox struct {
	mu     sync.Mutex
	items  []Message
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(m Message) {
	b.mu.Lock()
	b.items = append(b.items, m)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// next blocks until a message is available or done is closed.
func (b *inbox) next(done <-chan struct{}) (Message, bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			m := b.items[0]
			b.items[0] = Message{}
			b.items = b.items[1:]
			b.mu.Unlock()
			return m, true
		}
		b.mu.Unlock()

		select {
		case <-b.signal:
		case <-done:
			return Message{}, false
		}
	}
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
