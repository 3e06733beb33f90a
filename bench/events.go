package bench

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"leakbench/types"
)

// Bus fans values out to subscribers. A subscriber that is not keeping up
// misses values; publishers never block.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[chan T]struct{}
	last    T
	hasLast bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[chan T]struct{})}
}

// Subscribe returns a channel of published values and a cancel func that
// unsubscribes and closes it.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last, b.hasLast = v, true
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Last returns the most recently published value.
func (b *Bus[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.hasLast
}

func newEvent(kind types.EventKind, msg string, m *types.Measurement) types.Event {
	return types.Event{ID: uuid.NewString(), Kind: kind, Time: time.Now(), Message: msg, Measurement: m}
}
