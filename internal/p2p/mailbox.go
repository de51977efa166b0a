package p2p

import (
	"context"
	"sync"
)

type envelope struct {
	from int
	body []byte
}

// mailbox is a node's inbox: one queue per channel, matched on sender.
type mailbox struct {
	mu      sync.Mutex
	queues  [channelCount][]envelope
	changed chan struct{}
	closed  bool
	failure error
}

func newMailbox() *mailbox {
	return &mailbox{changed: make(chan struct{})}
}

func (m *mailbox) put(ch Channel, e envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queues[ch] = append(m.queues[ch], e)
	m.wake()
	return nil
}

// wake must be called with mu held.
func (m *mailbox) wake() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *mailbox) take(ctx context.Context, ch Channel, from int) (envelope, error) {
	for {
		m.mu.Lock()
		q := m.queues[ch]
		for i, e := range q {
			if from == AnySource || e.from == from {
				m.queues[ch] = append(q[:i:i], q[i+1:]...)
				m.mu.Unlock()
				return e, nil
			}
		}
		if m.failure != nil {
			err := m.failure
			m.mu.Unlock()
			return envelope{}, err
		}
		if m.closed {
			m.mu.Unlock()
			return envelope{}, ErrClosed
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		}
	}
}

// fail makes every receive that finds no matching frame return err.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure == nil {
		m.failure = err
	}
	m.wake()
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.wake()
}
