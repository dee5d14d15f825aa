package store

import (
	"sync"
)

// Feed fans change batches out to registered handlers.
//
// A provider reserves a delivery while it still holds the lock that guards the
// mutation being announced, then sends after releasing it. Deliveries are sent
// in reservation order, so handlers see batches in commit order. Handlers may
// read from the provider, but must not write to it synchronously.
type Feed struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]Handler

	seqMu    sync.Mutex
	seqOnce  sync.Once
	turn     *sync.Cond
	issued   uint64
	finished uint64
}

// Subscribe .
func (f *Feed) Subscribe(h Handler) UnsubscribeFunc {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handlers == nil {
		f.handlers = make(map[uint64]Handler)
	}

	id := f.next
	f.next++
	f.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.mu.Unlock()
		})
	}
}

// Len returns the number of registered handlers.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.handlers)
}

// Reserve returns the next slot in delivery order. It never blocks.
// Every Delivery must be finished with Send or Cancel, or later deliveries stall.
func (f *Feed) Reserve() *Delivery {
	f.seqOnce.Do(func() {
		f.turn = sync.NewCond(&f.seqMu)
	})

	f.seqMu.Lock()
	defer f.seqMu.Unlock()

	d := &Delivery{feed: f, ticket: f.issued}
	f.issued++
	return d
}

// Publish reserves and sends in one step.
func (f *Feed) Publish(changes Changes, area string) {
	f.Reserve().Send(changes, area)
}

// Delivery is a reserved slot in a Feed's delivery order.
type Delivery struct {
	feed   *Feed
	ticket uint64
	once   sync.Once
}

// Send waits for every earlier delivery to finish, then delivers changes to
// every handler registered at that point. Empty batches are not delivered.
func (d *Delivery) Send(changes Changes, area string) {
	d.once.Do(func() {
		d.wait()
		defer d.finish()

		if len(changes) == 0 {
			return
		}

		d.feed.mu.RLock()
		handlers := make([]Handler, 0, len(d.feed.handlers))
		for _, h := range d.feed.handlers {
			handlers = append(handlers, h)
		}
		d.feed.mu.RUnlock()

		for _, h := range handlers {
			h(changes, area)
		}
	})
}

// Cancel gives up the slot without delivering anything.
func (d *Delivery) Cancel() {
	d.once.Do(func() {
		d.wait()
		d.finish()
	})
}

func (d *Delivery) wait() {
	f := d.feed

	f.seqMu.Lock()
	for f.finished != d.ticket {
		f.turn.Wait()
	}
	f.seqMu.Unlock()
}

func (d *Delivery) finish() {
	f := d.feed

	f.seqMu.Lock()
	f.finished++
	f.turn.Broadcast()
	f.seqMu.Unlock()
}
