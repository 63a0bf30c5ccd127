package rpcfetch

import (
	"context"
	"sync"
	"time"
)

// Endpoint represents an RPC endpoint with health tracking.
type Endpoint struct {
	URL         string
	Healthy     bool
	LastError   error
	LastSuccess time.Time
	Latency     time.Duration
}

// Pool hands out RPC endpoints and learns from request outcomes.
type Pool interface {
	// GetEndpoint returns an endpoint for the next request.
	GetEndpoint(ctx context.Context) (*Endpoint, error)

	// MarkUnhealthy records a failed request.
	MarkUnhealthy(url string, err error)

	// MarkHealthy records a successful request.
	MarkHealthy(url string, latency time.Duration)

	// HealthyCount returns the number of endpoints currently healthy.
	HealthyCount() int
}

// SimplePool rotates through a fixed endpoint list, skipping endpoints
// whose last request failed.
type SimplePool struct {
	endpoints []*Endpoint
	mu        sync.RWMutex
	idx       int
}

// NewSimplePool creates a new SimplePool with the given endpoints.
func NewSimplePool(urls []string) *SimplePool {
	endpoints := make([]*Endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = &Endpoint{
			URL:     url,
			Healthy: true,
		}
	}
	return &SimplePool{
		endpoints: endpoints,
	}
}

// GetEndpoint returns the next healthy endpoint in round-robin order.
// When every endpoint failed it keeps rotating over all of them, since a
// one-shot fetch has no background checker to revive them.
func (p *SimplePool) GetEndpoint(ctx context.Context) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	if n == 0 {
		return nil, ErrNoEndpoints
	}
	for i := 0; i < n; i++ {
		idx := (p.idx + i) % n
		if p.endpoints[idx].Healthy {
			p.idx = (idx + 1) % n
			return p.snapshot(idx), nil
		}
	}

	idx := p.idx
	p.idx = (idx + 1) % n
	return p.snapshot(idx), nil
}

// snapshot copies an endpoint so callers never race with health updates.
func (p *SimplePool) snapshot(idx int) *Endpoint {
	ep := *p.endpoints[idx]
	return &ep
}

// MarkUnhealthy marks an endpoint as unhealthy.
func (p *SimplePool) MarkUnhealthy(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.URL == url {
			ep.Healthy = false
			ep.LastError = err
			return
		}
	}
}

// MarkHealthy marks an endpoint as healthy.
func (p *SimplePool) MarkHealthy(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.URL == url {
			ep.Healthy = true
			ep.LastSuccess = time.Now()
			ep.Latency = latency
			ep.LastError = nil
			return
		}
	}
}

// HealthyCount returns the number of healthy endpoints.
func (p *SimplePool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.Healthy {
			count++
		}
	}
	return count
}

// Endpoints returns a copy of the endpoint states.
func (p *SimplePool) Endpoints() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Endpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
	}
	return out
}
