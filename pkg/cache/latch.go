package cache

import "sync"

// Latch is a one-shot gate handed to producers when the exclusive write
// cache overflows. Producers await it before issuing further stores; the
// flusher opens it once the pressure is gone.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns a closed gate.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// CountDown opens the gate. Safe to call more than once.
func (l *Latch) CountDown() {
	l.once.Do(func() { close(l.ch) })
}

// Await blocks until the gate is open.
func (l *Latch) Await() {
	<-l.ch
}

// Done exposes the gate for select-based waiting.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}
