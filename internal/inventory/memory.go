package inventory

import (
	"context"
	"fmt"
	"sync"
)

// Product is the ledger-relevant slice of a catalog product.
type Product struct {
	ID         string
	Name       string
	PriceCents int64
	Stock      int
}

type markerStatus int

const (
	markerReserved markerStatus = iota
	markerCommitted
	markerReleased
)

type marker struct {
	qty    int
	status markerStatus
}

// MemoryLedger is an in-process Ledger with the same marker semantics as PGLedger.
type MemoryLedger struct {
	mu       sync.Mutex
	products map[string]*Product
	markers  map[string]map[string]*marker // order -> product
	credits  map[string]int                // order -> credited items
}

func NewMemoryLedger(products ...Product) *MemoryLedger {
	l := &MemoryLedger{
		products: make(map[string]*Product),
		markers:  make(map[string]map[string]*marker),
		credits:  make(map[string]int),
	}
	for _, p := range products {
		l.Put(p)
	}
	return l
}

// Put inserts or replaces a product.
func (l *MemoryLedger) Put(p Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := p
	l.products[p.ID] = &cp
}

// Delete removes a product, as external catalog management may do.
func (l *MemoryLedger) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.products, id)
}

func (l *MemoryLedger) Stock(id string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[id]
	if !ok {
		return 0, false
	}
	return p.Stock, true
}

// Credits returns how many items of an order have been credited back.
func (l *MemoryLedger) Credits(orderID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credits[orderID]
}

func (l *MemoryLedger) Reserve(_ context.Context, orderID string, lines []Line) ([]Reserved, error) {
	lines, err := Normalize(lines)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// check everything first; nothing is decremented on a shortfall
	for _, ln := range lines {
		p, ok := l.products[ln.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, ln.ProductID)
		}
		if p.Stock < ln.Qty {
			return nil, &InsufficientStockError{ProductID: ln.ProductID, Requested: ln.Qty, Available: p.Stock}
		}
	}

	out := make([]Reserved, 0, len(lines))
	m := l.markers[orderID]
	if m == nil {
		m = make(map[string]*marker, len(lines))
		l.markers[orderID] = m
	}
	for _, ln := range lines {
		p := l.products[ln.ProductID]
		p.Stock -= ln.Qty
		m[ln.ProductID] = &marker{qty: ln.Qty}
		out = append(out, Reserved{ProductID: p.ID, Name: p.Name, UnitPriceCents: p.PriceCents, Qty: ln.Qty})
	}
	return out, nil
}

func (l *MemoryLedger) Release(_ context.Context, orderID string, lines []Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var failures []ItemFailure
	for _, ln := range lines {
		mk := l.markers[orderID][ln.ProductID]
		switch {
		case mk == nil || mk.status == markerCommitted:
			failures = append(failures, ItemFailure{ProductID: ln.ProductID, Qty: ln.Qty, Err: ErrNotReserved})
			continue
		case mk.status == markerReleased:
			continue
		}
		p, ok := l.products[ln.ProductID]
		if !ok {
			failures = append(failures, ItemFailure{ProductID: ln.ProductID, Qty: ln.Qty, Err: ErrProductNotFound})
			continue
		}
		p.Stock += mk.qty
		mk.status = markerReleased
		l.credits[orderID]++
	}
	if len(failures) > 0 {
		return &PartialFailureError{OrderID: orderID, Failures: failures}
	}
	return nil
}

func (l *MemoryLedger) Commit(_ context.Context, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, mk := range l.markers[orderID] {
		if mk.status == markerReserved {
			mk.status = markerCommitted
		}
	}
	return nil
}
