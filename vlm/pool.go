package vlm

import "sync"

// ModelPool hands out model names round-robin to concurrent workers.
// Rotation is the retry strategy: a model that returned garbage is simply
// not the next one asked.
type ModelPool struct {
	mu     sync.Mutex
	models []string
	next   int
}

// NewModelPool creates a pool over the given models. The order is the
// rotation order; the pool wraps indefinitely.
func NewModelPool(models []string) *ModelPool {
	return &ModelPool{models: models}
}

// Next returns the next model in rotation, or "" for an empty pool.
func (p *ModelPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.models) == 0 {
		return ""
	}
	m := p.models[p.next]
	p.next = (p.next + 1) % len(p.models)
	return m
}

// Size returns the number of models in the pool.
func (p *ModelPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.models)
}
