package session

import "sync"

// portPool hands out localhost ports for terminal processes. A port is
// released only after its process is confirmed dead, so two sessions can
// never contend for the same listener.
type portPool struct {
	mu   sync.Mutex
	base int
	span int
	used map[int]bool
}

func newPortPool(base, span int) *portPool {
	return &portPool{base: base, span: span, used: make(map[int]bool)}
}

func (p *portPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.base; port < p.base+p.span; port++ {
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, ErrPortExhausted
}

func (p *portPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

func (p *portPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
