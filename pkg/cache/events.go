package cache

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// LowDiskSpaceInfo is handed to low-space listeners when the usable
// space of the storage directory, minus pages booked but not yet
// written, drops under the configured limit.
type LowDiskSpaceInfo struct {
	FreeBytes  int64
	LimitBytes int64
}

// listenerList is a registry of callbacks keyed by registration handle.
// Unregister replaces the weak references the design calls for: a holder
// that goes away unregisters itself, and dead entries never accumulate.
type listenerList[T any] struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]func(T)
}

func newListenerList[T any]() *listenerList[T] {
	return &listenerList[T]{listeners: make(map[uuid.UUID]func(T))}
}

func (l *listenerList[T]) register(fn func(T)) uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.New()
	l.listeners[id] = fn
	return id
}

func (l *listenerList[T]) unregister(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.listeners, id)
}

func (l *listenerList[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fns := make([]func(T), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// notify calls every registered listener in the calling goroutine.
// Listener panics are logged, never propagated.
func (l *listenerList[T]) notify(value T) {
	for _, fn := range l.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("listener panicked")
				}
			}()
			fn(value)
		}()
	}
}

// publisher fans events out on dedicated goroutines so producers are
// never blocked by slow listeners.
type publisher struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (p *publisher) publish(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// close waits for in-flight deliveries and rejects new ones.
func (p *publisher) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
