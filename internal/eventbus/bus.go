// Package eventbus carries delivery and result events between the poller and
// the sender.
//
// Contract:
//   - Publish MUST be non-blocking; it reports false when the event was dropped.
//   - Delivery is at-most-once. Nothing is acknowledged or redelivered.
//   - Slow subscribers drop events (bounded backpressure).
package eventbus

import (
	"sync"
	"sync/atomic"

	"msgsched/internal/domain"
)

type Transport interface {
	PublishDelivery(e domain.DeliveryEvent) bool
	PublishResult(e domain.ResultEvent) bool
	Deliveries(buffer int) (ch <-chan domain.DeliveryEvent, unsubscribe func())
	Results(buffer int) (ch <-chan domain.ResultEvent, unsubscribe func())
	Close() error
}

// fanout is a simple in-memory broadcaster. It does not own any goroutines.
type fanout[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan T
	seq  atomic.Uint64
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: map[uint64]chan T{}}
}

// publish returns true if at least one subscriber accepted the event.
func (f *fanout[T]) publish(v T) bool {
	f.mu.RLock()
	chs := make([]chan T, 0, len(f.subs))
	for _, ch := range f.subs {
		chs = append(chs, ch)
	}
	f.mu.RUnlock()

	delivered := false
	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- v:
				delivered = true
			default:
			}
		}()
	}
	return delivered
}

func (f *fanout[T]) subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan T, buffer)
	id := f.seq.Add(1)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			_, live := f.subs[id]
			delete(f.subs, id)
			f.mu.Unlock()
			// closeAll may have closed it already.
			if live {
				close(ch)
			}
		})
	}
}

func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// Memory is the in-process transport used when poller and sender share a process.
type Memory struct {
	deliveries *fanout[domain.DeliveryEvent]
	results    *fanout[domain.ResultEvent]
}

func NewMemory() *Memory {
	return &Memory{
		deliveries: newFanout[domain.DeliveryEvent](),
		results:    newFanout[domain.ResultEvent](),
	}
}

func (m *Memory) PublishDelivery(e domain.DeliveryEvent) bool { return m.deliveries.publish(e) }

func (m *Memory) PublishResult(e domain.ResultEvent) bool { return m.results.publish(e) }

func (m *Memory) Deliveries(buffer int) (<-chan domain.DeliveryEvent, func()) {
	return m.deliveries.subscribe(buffer)
}

func (m *Memory) Results(buffer int) (<-chan domain.ResultEvent, func()) {
	return m.results.subscribe(buffer)
}

func (m *Memory) Close() error {
	m.deliveries.closeAll()
	m.results.closeAll()
	return nil
}
