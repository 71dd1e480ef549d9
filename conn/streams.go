package conn

import (
	"context"
	"math/bits"
	"sync"

	"golang.org/x/sync/semaphore"
)

// streamPool hands out the stream ids of one connection. Ids are 0..limit-1;
// acquiring suspends while every id is in use.
type streamPool struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	free  []uint64 // bit set = id free
	next  int      // word to start the search at
	limit int
	inUse int
}

func newStreamPool(limit int) *streamPool {
	words := (limit + 63) / 64
	p := &streamPool{
		sem:   semaphore.NewWeighted(int64(limit)),
		free:  make([]uint64, words),
		limit: limit,
	}
	for i := range p.free {
		p.free[i] = ^uint64(0)
	}
	if rem := limit % 64; rem != 0 {
		p.free[words-1] = (uint64(1) << rem) - 1
	}

	return p
}

// acquire returns a free id, waiting for one to be released if needed.
func (p *streamPool) acquire(ctx context.Context) (int16, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The semaphore guarantees at least one set bit.
	for i := range p.free {
		w := (p.next + i) % len(p.free)
		if p.free[w] == 0 {
			continue
		}
		bit := bits.TrailingZeros64(p.free[w])
		p.free[w] &^= uint64(1) << bit
		p.next = w
		p.inUse++

		return int16(w*64 + bit), nil
	}

	panic("cqlwire: stream pool accounting is broken")
}

// release returns an id to the pool. Releasing a free id is a no-op.
func (p *streamPool) release(id int16) {
	if id < 0 || int(id) >= p.limit {
		return
	}

	w, bit := int(id)/64, uint(id)%64
	p.mu.Lock()
	if p.free[w]&(uint64(1)<<bit) != 0 {
		p.mu.Unlock()
		return
	}
	p.free[w] |= uint64(1) << bit
	p.inUse--
	p.mu.Unlock()

	p.sem.Release(1)
}

func (p *streamPool) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inUse
}
