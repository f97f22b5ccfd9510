package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Store backed by a Ledger, used by tests and
// single-node demos. The mutex plays the role of the row lock.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*Order
	ledger inventory.Ledger
	clock  clockwork.Clock
}

func NewMemoryStore(ledger inventory.Ledger, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{orders: make(map[string]*Order), ledger: ledger, clock: clock}
}

func (s *MemoryStore) Create(ctx context.Context, lines []inventory.Line, expiresIn time.Duration) (*Order, error) {
	if expiresIn <= 0 {
		return nil, ErrInvalidExpiry
	}
	id := uuid.NewString()
	reserved, err := s.ledger.Reserve(ctx, id, lines)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	items, total := itemsFrom(reserved)
	o := &Order{
		ID:            id,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		Items:         items,
		TotalCents:    total,
		ExpiresAt:     now.Add(expiresIn),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.mu.Lock()
	s.orders[id] = o
	s.mu.Unlock()
	return o.clone(), nil
}

func (s *MemoryStore) TransitionTo(_ context.Context, id string, from, to Status, reason string) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	applyTransition(o, to, reason, s.clock.Now().UTC())
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []string
	for _, o := range s.pending() {
		if len(out) == limit {
			break
		}
		if o.ExpiresAt.Before(now) {
			out = append(out, o.ID)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*Order, error) {
	if limit <= 0 {
		return nil, nil
	}
	p := s.pending()
	if len(p) > limit {
		p = p[:limit]
	}
	return p, nil
}

// pending returns clones of pending orders ordered by expiry.
func (s *MemoryStore) pending() []*Order {
	s.mu.Lock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == StatusPending {
			out = append(out, o.clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}
