package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default pool behavior.
const (
	DefaultSweepInterval = 10 * time.Minute
)

// Key identifies one pooled client: one user session talking to one
// brand.
type Key struct {
	SessionID string
	ClientIP  string
	BrandID   string
}

func (k Key) String() string {
	return k.SessionID + "-" + k.BrandID
}

// ClientFactory builds an unconnected client for a key. Wiring supplies
// the transport per brand.
type ClientFactory func(key Key) (*Client, error)

// PoolConfig configures the client pool.
type PoolConfig struct {
	Factory ClientFactory
	// SweepInterval is how often idle clients are reaped.
	SweepInterval time.Duration
	Logger        *zap.Logger
	Metrics       *Metrics
}

// Pool holds one connector client per (user session, brand) pair.
// Clients are created lazily on first use and reaped after their idle
// window by a background sweep owned by Start/Shutdown.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	clients map[string]*Client
	started bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a pool. The sweep does not run until Start is called.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Pool{
		cfg:     cfg,
		clients: make(map[string]*Client),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the background sweep. Safe to call once.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go p.sweepLoop()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.evictExpired(now)
		}
	}
}

// evictExpired closes and removes clients idle past their window. The
// transport is closed before the map entry is dropped, so a Get for the
// same key never dials a replacement while the old session is open.
func (p *Pool) evictExpired(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, client := range p.clients {
		if !client.Expired(now) {
			continue
		}
		if err := client.Close(); err != nil {
			p.cfg.Logger.Debug("closing expired client", zap.Error(err))
		}
		delete(p.clients, key)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.PoolClientRemoved(context.Background(), true)
		}
		p.cfg.Logger.Info("evicted idle connector client",
			zap.String("key", key))
	}
}

// Get returns the pooled client for a key, creating and connecting one
// if none exists. Concurrent callers with the same key share one client.
func (p *Pool) Get(ctx context.Context, key Key) (*Client, error) {
	p.mu.Lock()
	if client, ok := p.clients[key.String()]; ok {
		p.mu.Unlock()
		return client, nil
	}

	client, err := p.cfg.Factory(key)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("create client for %s: %w", key.String(), err)
	}
	p.clients[key.String()] = client
	p.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		p.Remove(key)
		return nil, fmt.Errorf("connect client for %s: %w", key.String(), err)
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PoolClientAdded(ctx)
	}
	p.cfg.Logger.Info("created connector client",
		zap.String("session_id", key.SessionID),
		zap.String("brand_id", key.BrandID))
	return client, nil
}

// Remove closes and drops the client for a key, if present. As with
// eviction, the close happens before the entry goes away.
func (p *Pool) Remove(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[key.String()]
	if !ok {
		return
	}
	if err := client.Close(); err != nil {
		p.cfg.Logger.Debug("closing removed client", zap.Error(err))
	}
	delete(p.clients, key.String())
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PoolClientRemoved(context.Background(), false)
	}
}

// Size returns the number of pooled clients.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Shutdown stops the sweep and closes every pooled client. The context
// bounds how long to wait for the sweep goroutine.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.started = false
		close(p.done)
	}
	for key, client := range p.clients {
		if err := client.Close(); err != nil {
			p.cfg.Logger.Debug("closing client during shutdown", zap.Error(err))
		}
		delete(p.clients, key)
	}
	p.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}
