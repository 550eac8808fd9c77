package scheduler

import (
	"fmt"
	"sync"

	"ttexport/internal/export"
	appLog "ttexport/internal/log"
)

// Update is delivered to a tenant's subscribers after a successful run.
type Update struct {
	TenantID string
	Snapshot export.Snapshot
}

// Handler receives updates. It runs on the tenant's run goroutine while the
// run lock is held, so it must return quickly; slow work belongs in a
// goroutine of its own.
type Handler func(Update)

// bus is a tenant-scoped observer list. Delivery is at most once per
// publish; subscribers added later only see later publishes.
type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]Handler
}

func newBus() *bus {
	return &bus{subs: make(map[int]Handler)}
}

func (b *bus) subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(u Update) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs))
	for i := 0; i < b.next; i++ {
		if h, ok := b.subs[i]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		deliver(h, u)
	}
}

func (b *bus) close() {
	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()
}

func deliver(h Handler, u Update) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("subscriber panicked", fmt.Errorf("%v", r), "tenant", u.TenantID)
		}
	}()
	h(u)
}
