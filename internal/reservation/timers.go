package reservation

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Timers schedules a local expiry callback per pending order. It is an
// optimization for responsive expiry only; the Sweeper is the backstop when
// no process holds a timer.
type Timers struct {
	mu     sync.Mutex
	active map[string]clockwork.Timer
	clock  clockwork.Clock
	log    *zap.Logger
}

func NewTimers(clock clockwork.Clock, log *zap.Logger) *Timers {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Timers{active: make(map[string]clockwork.Timer), clock: clock, log: log}
}

// Start arms a one-shot timer for orderID. A window already closed runs
// onExpire on the caller's goroutine before Start returns. If a timer for
// orderID is already armed the call is a no-op and reports false.
func (t *Timers) Start(orderID string, expiresAt time.Time, onExpire func(orderID string)) bool {
	remaining := expiresAt.Sub(t.clock.Now())

	t.mu.Lock()
	if _, ok := t.active[orderID]; ok {
		t.mu.Unlock()
		return false
	}
	if remaining <= 0 {
		t.mu.Unlock()
		t.log.Debug("reservation already expired", zap.String("order_id", orderID))
		onExpire(orderID)
		return true
	}

	var timer clockwork.Timer
	timer = t.clock.AfterFunc(remaining, func() {
		t.mu.Lock()
		// a Stop+Start pair may have replaced this entry
		if cur, ok := t.active[orderID]; !ok || cur != timer {
			t.mu.Unlock()
			return
		}
		delete(t.active, orderID)
		t.mu.Unlock()
		t.log.Debug("reservation timer fired", zap.String("order_id", orderID))
		onExpire(orderID)
	})
	t.active[orderID] = timer
	t.mu.Unlock()
	return true
}

// Stop disarms the timer for orderID. Safe when none is armed.
func (t *Timers) Stop(orderID string) {
	t.mu.Lock()
	timer, ok := t.active[orderID]
	delete(t.active, orderID)
	t.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (t *Timers) Active(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[orderID]
	return ok
}

// Len is the number of armed timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// StopAll disarms every timer, used when the process detaches.
func (t *Timers) StopAll() {
	t.mu.Lock()
	active := t.active
	t.active = make(map[string]clockwork.Timer)
	t.mu.Unlock()
	for _, timer := range active {
		timer.Stop()
	}
}
