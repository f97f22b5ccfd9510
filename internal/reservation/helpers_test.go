package reservation

import (
	"context"
	"sync"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/ariefcatur/order-reservations/internal/orders"
)

// countingLedger wraps a ledger and records every Release call.
type countingLedger struct {
	inventory.Ledger
	mu       sync.Mutex
	releases map[string]int
}

func newCountingLedger(l inventory.Ledger) *countingLedger {
	return &countingLedger{Ledger: l, releases: make(map[string]int)}
}

func (c *countingLedger) Release(ctx context.Context, orderID string, lines []inventory.Line) error {
	c.mu.Lock()
	c.releases[orderID]++
	c.mu.Unlock()
	return c.Ledger.Release(ctx, orderID, lines)
}

func (c *countingLedger) Releases(orderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases[orderID]
}

// recordingPublisher keeps every published envelope.
type recordingPublisher struct {
	mu     sync.Mutex
	events []orders.Envelope
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, env orders.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return p.err
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

// memCache is an in-process StatusCache. Put fails while putErr is set.
type memCache struct {
	mu     sync.Mutex
	m      map[string]*orders.Order
	putErr error
}

func newMemCache() *memCache { return &memCache{m: make(map[string]*orders.Order)} }

func (c *memCache) Get(_ context.Context, id string) (*orders.Order, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.m[id]
	return o, ok, nil
}

func (c *memCache) Put(_ context.Context, o *orders.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.m[o.ID] = o
	return nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
	return nil
}

func (c *memCache) failPuts(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putErr = err
}

func testProducts() []inventory.Product {
	return []inventory.Product{
		{ID: "p1", Name: "Mug", PriceCents: 1500, Stock: 2},
		{ID: "p2", Name: "Tote", PriceCents: 2500, Stock: 10},
	}
}
