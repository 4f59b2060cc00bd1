package mac

import "sync"

// bufferPool holds receive sized buffers handed back by the transmit side, so
// a forwarding workload does not allocate a fresh receive buffer per frame.
type bufferPool struct {
	mu      sync.Mutex
	size    int
	limit   int
	buffers [][]byte
}

func newBufferPool(size, limit int) *bufferPool {
	return &bufferPool{
		size:    size,
		limit:   limit,
		buffers: make([][]byte, 0, limit),
	}
}

// get returns a recycled buffer or nil.
func (p *bufferPool) get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.buffers)
	if n == 0 {
		return nil
	}

	b := p.buffers[n-1]
	p.buffers[n-1] = nil
	p.buffers = p.buffers[:n-1]
	return b
}

// put offers b to the pool. It is refused when the pool is full or b can not
// hold a receive buffer.
func (p *bufferPool) put(b []byte) bool {
	if cap(b) < p.size {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffers) >= p.limit {
		return false
	}

	p.buffers = append(p.buffers, b[:p.size])
	return true
}

func (p *bufferPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}
