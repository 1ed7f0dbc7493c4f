package events

// Published carries an application event into the subscription stream for Tag.
type Published struct {
	Tag     string
	Payload any
}

// SubscriptionDropped is emitted when a slow subscriber loses an event.
type SubscriptionDropped struct {
	Tag string
}
