package vm

import "sync"

// barrier is a reusable rendezvous for the threads of one block. A thread
// that finishes or faults leaves, so the remaining threads are not held
// waiting for it.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	gen     uint64
}

func newBarrier(n int) *barrier {
	b := &barrier{parties: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.waiting++
	if b.waiting >= b.parties {
		b.release()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}

func (b *barrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parties--
	if b.waiting > 0 && b.waiting >= b.parties {
		b.release()
	}
}

func (b *barrier) release() {
	b.waiting = 0
	b.gen++
	b.cond.Broadcast()
}
