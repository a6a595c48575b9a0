package forward

import "sync"

// DefaultChunkSize bounds a single read on either side of a relay pair.
const DefaultChunkSize = 16 * 1024

type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = DefaultChunkSize
	}
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}

var defaultPool = newBufferPool(DefaultChunkSize)

func poolFor(size int) *bufferPool {
	if size <= 0 || size == DefaultChunkSize {
		return defaultPool
	}
	return newBufferPool(size)
}
