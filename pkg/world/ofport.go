package world

import "fmt"

// OFPortMax is the highest forwarding port number handed out.
const OFPortMax = 0xfeff

// OFPortPool allocates forwarding port numbers within one bridge. The cursor
// only moves forward, so a number freed by a delete is not handed out again
// until the pool wraps.
type OFPortPool struct {
	Allocated map[string]int // interface name -> ofport
	Next      int
}

// NewOFPortPool returns a pool starting at 1.
func NewOFPortPool() *OFPortPool {
	return &OFPortPool{
		Allocated: make(map[string]int),
		Next:      1,
	}
}

// Allocate picks the next free number and records it under key. A key that
// already holds a number keeps it.
func (p *OFPortPool) Allocate(key string) (int, error) {
	if n, ok := p.Allocated[key]; ok {
		return n, nil
	}

	for attempts := 0; attempts < OFPortMax; attempts++ {
		candidate := p.Next

		p.Next++
		if p.Next > OFPortMax {
			p.Next = 1
		}

		if p.owner(candidate) == "" {
			p.Allocated[key] = candidate
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("ofport: no free port numbers (all %d allocated)", OFPortMax)
}

// AllocateStatic reserves a requested number for key.
func (p *OFPortPool) AllocateStatic(key string, n int) error {
	if n < 1 || n > OFPortMax {
		return fmt.Errorf("ofport %d out of range 1..%d", n, OFPortMax)
	}
	if owner := p.owner(n); owner != "" && owner != key {
		return fmt.Errorf("ofport %d already allocated to %s", n, owner)
	}
	p.Allocated[key] = n
	return nil
}

// Release frees the number held by key.
func (p *OFPortPool) Release(key string) {
	delete(p.Allocated, key)
}

// Get returns the number held by key, or 0.
func (p *OFPortPool) Get(key string) int {
	return p.Allocated[key]
}

func (p *OFPortPool) owner(n int) string {
	for k, v := range p.Allocated {
		if v == n {
			return k
		}
	}
	return ""
}
