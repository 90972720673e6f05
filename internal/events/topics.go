package events

// Topic constants for domain events emitted by checkout and renewals.
const (
	TopicOrderCreated        = "order.created"
	TopicOrderRenewalCreated = "order.renewal_created"
	TopicOrderRetryLinked    = "order.retry_linked"
	TopicCouponRejected      = "coupon.rejected"
)

// DefaultTopics returns the canonical list of topics.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderRenewalCreated,
		TopicOrderRetryLinked,
		TopicCouponRejected,
	}
}
