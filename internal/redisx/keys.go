package redisx

import "time"

const (
	// Order snapshot cache: order_status:{order_id} -> hash{v: updated_at micros, order: json}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
