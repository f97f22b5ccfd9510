// Package inventory holds the stock ledger: all-or-nothing reservation at
// order creation and per-item, best-effort release at cancellation.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrNoLines           = errors.New("reservation must have at least one line")
	// ErrNotReserved means a release was asked for an item with no open reservation
	// (never reserved, or already committed by confirmation).
	ErrNotReserved = errors.New("no open reservation for item")
)

// Line is a requested quantity of one product.
type Line struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// Reserved is a line that was decremented from stock, with the catalog
// name and price captured at that moment.
type Reserved struct {
	ProductID      string
	Name           string
	UnitPriceCents int64
	Qty            int
}

type Ledger interface {
	// Reserve decrements stock for every line or for none of them.
	Reserve(ctx context.Context, orderID string, lines []Line) ([]Reserved, error)
	// Release credits back each line independently. Per-item failures are
	// collected into a *PartialFailureError; the remaining items are still released.
	// A second release of the same order credits nothing.
	Release(ctx context.Context, orderID string, lines []Line) error
	// Commit makes an order's reservations permanent; they can no longer be released.
	Commit(ctx context.Context, orderID string) error
}

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type ItemFailure struct {
	ProductID string
	Qty       int
	Err       error
}

// PartialFailureError reports the items of one release that could not be credited.
type PartialFailureError struct {
	OrderID  string
	Failures []ItemFailure
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, fmt.Sprintf("%s (%v)", f.ProductID, f.Err))
	}
	return fmt.Sprintf("release of order %s partially failed: %s", e.OrderID, strings.Join(ids, ", "))
}

func (e *PartialFailureError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Normalize validates lines and merges repeated products, keeping the
// position of the first occurrence.
func Normalize(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}
	out := make([]Line, 0, len(lines))
	pos := make(map[string]int, len(lines))
	for _, ln := range lines {
		if ln.ProductID == "" {
			return nil, fmt.Errorf("%w: empty product id", ErrProductNotFound)
		}
		if ln.Qty <= 0 {
			return nil, fmt.Errorf("%w: product %s qty %d", ErrInvalidQuantity, ln.ProductID, ln.Qty)
		}
		if i, ok := pos[ln.ProductID]; ok {
			out[i].Qty += ln.Qty
			continue
		}
		pos[ln.ProductID] = len(out)
		out = append(out, ln)
	}
	return out, nil
}

// lockOrder returns indexes of lines sorted by product id. Concurrent
// reservations touching the same products then lock rows in the same order.
func lockOrder(lines []Line) []int {
	idx := make([]int, len(lines))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return lines[idx[a]].ProductID < lines[idx[b]].ProductID })
	return idx
}
