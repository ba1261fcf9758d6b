package signin

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/gatherd/internal/brand"
	"github.com/fyrsmithlabs/gatherd/internal/purchases"
)

// FlowBuilder creates a flow for a brand, wired to a session's
// connector client.
type FlowBuilder func(b brand.Config) (*Flow, error)

// Coordinator owns the connection attempts of one user session, one
// flow per brand. Re-opening a brand whose attempt is still running
// joins the in-flight flow instead of re-initiating; opening a
// different brand starts fresh per-attempt state. Brands run
// independently of each other.
type Coordinator struct {
	build FlowBuilder

	mu          sync.Mutex
	flows       map[string]*Flow
	lastBrandID string
}

// NewCoordinator creates a coordinator over a flow builder.
func NewCoordinator(build FlowBuilder) *Coordinator {
	return &Coordinator{
		build: build,
		flows: make(map[string]*Flow),
	}
}

// Open starts (or joins) the attempt for a brand. When a new run
// starts, it proceeds on its own goroutine and reports through onDone;
// joining an in-flight run returns started=false and does not call
// onDone. ctx must outlive the request that triggered the open.
func (c *Coordinator) Open(ctx context.Context, b brand.Config, onDone func([]purchases.PurchaseHistory, error)) (flow *Flow, started bool, err error) {
	c.mu.Lock()
	flow, ok := c.flows[b.BrandID]
	if ok && flow.Busy() {
		c.mu.Unlock()
		return flow, false, nil
	}
	if !ok || c.lastBrandID != b.BrandID {
		flow, err = c.build(b)
		if err != nil {
			c.mu.Unlock()
			return nil, false, fmt.Errorf("build flow for %s: %w", b.BrandID, err)
		}
		c.flows[b.BrandID] = flow
	}
	c.lastBrandID = b.BrandID
	c.mu.Unlock()

	go func() {
		orders, runErr := flow.Run(ctx)
		if onDone != nil {
			onDone(orders, runErr)
		}
	}()
	return flow, true, nil
}

// Flow returns the attempt for a brand, if one was opened.
func (c *Coordinator) Flow(brandID string) (*Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[brandID]
	return flow, ok
}

// Busy reports whether any attempt is in flight.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, flow := range c.flows {
		if flow.Busy() {
			return true
		}
	}
	return false
}
