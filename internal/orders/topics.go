package orders

const (
	TopicOrderCreated       = "order.created"
	TopicOrderCancelled     = "order.cancelled"
	TopicOrderConfirmed     = "order.confirmed"
	TopicOrderStatusChanged = "order.status.changed"
	TopicPaymentAuthorized  = "order.payment.authorized"
	TopicPaymentFailed      = "order.payment.failed"
)

// TopicFor maps an order event type to its topic.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderCancelled:
		return TopicOrderCancelled
	case EventOrderConfirmed:
		return TopicOrderConfirmed
	case EventPaymentAuthorized:
		return TopicPaymentAuthorized
	case EventPaymentFailed:
		return TopicPaymentFailed
	default:
		return TopicOrderStatusChanged
	}
}

// Partition key = order id so every event of one order stays ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
