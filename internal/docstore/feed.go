package docstore

import (
	"sync"
)

// Feed is a Subscription implementation shared by the backends. Producers
// call Push, which never blocks; a pump goroutine forwards pending changes to
// the consumer in order.
type Feed struct {
	out    chan Change
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending []Change
	err     error
	closed  bool

	onClose   func()
	closeOnce sync.Once
}

// NewFeed starts a feed. onClose runs exactly once when the feed ends.
func NewFeed(onClose func()) *Feed {
	f := &Feed{
		out:     make(chan Change),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go f.pump()
	return f
}

// Changes returns the consumer channel.
func (f *Feed) Changes() <-chan Change {
	return f.out
}

// Err reports the error that ended the feed, if any.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Push enqueues a change for delivery.
func (f *Feed) Push(change Change) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.pending = append(f.pending, change)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Fail ends the feed with err.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	_ = f.Close()
}

// Done is closed once the feed has been closed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close ends the feed and releases the producer.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.pending = nil
		f.mu.Unlock()
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

func (f *Feed) pump() {
	defer close(f.out)
	for {
		select {
		case <-f.done:
			return
		case <-f.notify:
		}
		for {
			f.mu.Lock()
			if len(f.pending) == 0 {
				f.mu.Unlock()
				break
			}
			next := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			select {
			case f.out <- next:
			case <-f.done:
				return
			}
		}
	}
}
