package sandbox

import (
	"sync"

	appErr "github.com/Frohrer/codux/pkg/errors"
)

const defaultMaxBoxID = 999

// BoxPool issues isolate box ids. An id is never reissued while in use.
type BoxPool struct {
	mu    sync.Mutex
	max   int
	next  int
	inUse map[int]struct{}
}

// NewBoxPool creates a pool of ids below max, issued in increasing order and wrapping at max.
func NewBoxPool(max int) *BoxPool {
	if max <= 1 {
		max = defaultMaxBoxID
	}
	return &BoxPool{max: max, inUse: make(map[int]struct{})}
}

// Acquire reserves the next free id.
func (p *BoxPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.max; i++ {
		p.next = (p.next + 1) % p.max
		if _, busy := p.inUse[p.next]; busy {
			continue
		}
		p.inUse[p.next] = struct{}{}
		return p.next, nil
	}
	return 0, appErr.New(appErr.BoxPoolExhausted)
}

// Release returns an id to the pool.
func (p *BoxPool) Release(id int) {
	p.mu.Lock()
	delete(p.inUse, id)
	p.mu.Unlock()
}

// InUse reports whether id is currently reserved.
func (p *BoxPool) InUse(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[id]
	return ok
}

// Len returns the number of reserved ids.
func (p *BoxPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
