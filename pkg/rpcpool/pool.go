// Package rpcpool picks RPC endpoints whose slot keeps up with the rest
// of the set.
//
// Fetching a snapshot from several endpoints only yields a consistent
// account set when they serve roughly the same slot. The pool asks every
// endpoint for its slot, takes the highest answer as the reference and
// excludes endpoints more than a threshold behind it.
//
// Usage:
//
//	pool, err := rpcpool.New(urls, rpcpool.DefaultConfig())
//	if err := pool.Check(ctx); err != nil {
//	    // no endpoint answered, or all are lagging
//	}
//	fetcher, err := rpcfetch.NewSnapshotFetcher(pool, cfg)
package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/svmsim/pkg/rpcfetch"
)

// Pool errors.
var (
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints available")
	ErrPoolClosed         = errors.New("pool is closed")
	ErrNoEndpoints        = errors.New("endpoint list cannot be empty")
)

// Default configuration values.
const (
	DefaultSlotThreshold     = uint64(50)
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second

	// maxFailures is the number of consecutive failed requests after
	// which an endpoint is excluded until the next successful check.
	maxFailures = 3
)

// Config configures a Pool.
type Config struct {
	// SlotThreshold is how many slots an endpoint may trail the reference.
	SlotThreshold uint64

	// HealthCheckPeriod is the interval of the background loop.
	HealthCheckPeriod time.Duration

	// RequestTimeout bounds each getSlot request.
	RequestTimeout time.Duration

	// Commitment is sent with getSlot; empty uses the node default.
	Commitment string

	// OnHealthChange, when set, is called whenever an endpoint flips.
	OnHealthChange func(url string, healthy bool, slot uint64)

	Logger *slog.Logger
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		SlotThreshold:     DefaultSlotThreshold,
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		RequestTimeout:    DefaultRequestTimeout,
		Logger:            slog.Default(),
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SlotThreshold == 0 {
		c.SlotThreshold = d.SlotThreshold
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = d.HealthCheckPeriod
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// endpointState represents the health state of an endpoint.
type endpointState struct {
	url       string
	healthy   atomic.Bool
	lastSlot  atomic.Uint64
	lastCheck atomic.Int64 // Unix nano timestamp
	failCount atomic.Int32

	mu          sync.Mutex
	lastError   error
	lastSuccess time.Time
	latency     time.Duration
}

func (ep *endpointState) snapshot() *rpcfetch.Endpoint {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return &rpcfetch.Endpoint{
		URL:         ep.url,
		Healthy:     ep.healthy.Load(),
		LastError:   ep.lastError,
		LastSuccess: ep.lastSuccess,
		Latency:     ep.latency,
	}
}

// Pool is a slot-aware rpcfetch.Pool.
type Pool struct {
	config    Config
	endpoints []*endpointState

	// Round-robin selection
	nextIndex atomic.Uint64

	// Highest slot seen by the last check
	referenceSlot atomic.Uint64

	client *http.Client

	// Lifecycle management
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

var _ rpcfetch.Pool = (*Pool)(nil)

// New creates a pool over urls. Duplicates are dropped. Every endpoint
// starts healthy; call Check to measure them.
func New(urls []string, config Config) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	config = config.WithDefaults()

	p := &Pool{
		config: config,
		client: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	seen := make(map[string]bool, len(urls))
	for _, url := range urls {
		if seen[url] {
			continue
		}
		seen[url] = true
		ep := &endpointState{url: url}
		ep.healthy.Store(true)
		p.endpoints = append(p.endpoints, ep)
	}
	return p, nil
}

// GetEndpoint returns a healthy endpoint using round-robin selection.
func (p *Pool) GetEndpoint(ctx context.Context) (*rpcfetch.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	var healthy []*endpointState
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyEndpoints
	}

	idx := (p.nextIndex.Add(1) - 1) % uint64(len(healthy))
	return healthy[idx].snapshot(), nil
}

// MarkUnhealthy records a failed request. The endpoint is excluded after
// maxFailures consecutive failures.
func (p *Pool) MarkUnhealthy(url string, err error) {
	ep := p.find(url)
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.lastError = err
	ep.mu.Unlock()

	if ep.failCount.Add(1) >= maxFailures {
		p.setHealthy(ep, false)
	}
}

// MarkHealthy records a successful request.
func (p *Pool) MarkHealthy(url string, latency time.Duration) {
	ep := p.find(url)
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.lastError = nil
	ep.lastSuccess = time.Now()
	ep.latency = latency
	ep.mu.Unlock()
	ep.failCount.Store(0)
}

// HealthyCount returns the number of currently healthy endpoints.
func (p *Pool) HealthyCount() int {
	count := 0
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			count++
		}
	}
	return count
}

// TotalCount returns the total number of endpoints in the pool.
func (p *Pool) TotalCount() int { return len(p.endpoints) }

// ReferenceSlot returns the highest slot seen by the last check.
func (p *Pool) ReferenceSlot() uint64 { return p.referenceSlot.Load() }

func (p *Pool) find(url string) *endpointState {
	for _, ep := range p.endpoints {
		if ep.url == url {
			return ep
		}
	}
	return nil
}

func (p *Pool) setHealthy(ep *endpointState, healthy bool) {
	if ep.healthy.Swap(healthy) == healthy {
		return
	}
	p.config.Logger.Debug("endpoint health changed", "url", ep.url, "healthy", healthy, "slot", ep.lastSlot.Load())
	if p.config.OnHealthChange != nil {
		p.config.OnHealthChange(ep.url, healthy, ep.lastSlot.Load())
	}
}

// Check queries every endpoint's slot and marks those more than the
// threshold behind the highest as unhealthy. Endpoints that do not answer
// are unhealthy too. It returns ErrNoHealthyEndpoints when none remain.
func (p *Pool) Check(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	slots := make([]uint64, len(p.endpoints))
	errs := make([]error, len(p.endpoints))

	var g errgroup.Group
	for i, ep := range p.endpoints {
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
			defer cancel()
			slots[i], errs[i] = p.fetchSlot(reqCtx, ep.url)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	var refSlot uint64
	var lastErr error
	answered := 0
	for i := range p.endpoints {
		if errs[i] != nil {
			lastErr = errs[i]
			continue
		}
		answered++
		refSlot = max(refSlot, slots[i])
	}
	if answered == 0 {
		for _, ep := range p.endpoints {
			p.setHealthy(ep, false)
		}
		return fmt.Errorf("%w: %v", ErrNoHealthyEndpoints, lastErr)
	}
	p.referenceSlot.Store(refSlot)

	now := time.Now().UnixNano()
	for i, ep := range p.endpoints {
		ep.lastCheck.Store(now)
		if errs[i] != nil {
			ep.mu.Lock()
			ep.lastError = errs[i]
			ep.mu.Unlock()
			ep.failCount.Add(1)
			p.setHealthy(ep, false)
			continue
		}
		ep.failCount.Store(0)
		ep.lastSlot.Store(slots[i])
		p.setHealthy(ep, refSlot-slots[i] <= p.config.SlotThreshold)
	}

	if p.HealthyCount() == 0 {
		return ErrNoHealthyEndpoints
	}
	return nil
}

// Start runs Check every HealthCheckPeriod until ctx is done or Stop is
// called. It does not run an initial check.
func (p *Pool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.healthCheckLoop(ctx)
}

// Stop stops the health check loop. The pool hands out no endpoints
// afterwards.
func (p *Pool) Stop() {
	if p.closed.Swap(true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) healthCheckLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Check(ctx); err != nil && ctx.Err() == nil {
				p.config.Logger.Warn("endpoint health check failed", "err", err)
			}
		}
	}
}

// fetchSlot fetches the current slot from an RPC endpoint.
func (p *Pool) fetchSlot(ctx context.Context, url string) (uint64, error) {
	reqBody := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSlot",
	}
	if p.config.Commitment != "" {
		reqBody.Params = []interface{}{map[string]string{"commitment": p.config.Commitment}}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return 0, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return 0, fmt.Errorf("RPC error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return 0, errors.New("missing result")
	}
	return *rpcResp.Result, nil
}

// EndpointStatus returns the status of all endpoints in the pool.
func (p *Pool) EndpointStatus() []EndpointInfo {
	infos := make([]EndpointInfo, len(p.endpoints))
	for i, ep := range p.endpoints {
		infos[i] = EndpointInfo{
			URL:       ep.url,
			Healthy:   ep.healthy.Load(),
			Slot:      ep.lastSlot.Load(),
			LastCheck: time.Unix(0, ep.lastCheck.Load()),
			FailCount: int(ep.failCount.Load()),
		}
	}
	return infos
}

// EndpointInfo contains status information about an endpoint.
type EndpointInfo struct {
	URL       string
	Healthy   bool
	Slot      uint64
	LastCheck time.Time
	FailCount int
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  *uint64       `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
