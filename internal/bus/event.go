package bus

import "time"

// Event kinds published by the conversation core. Subscribers filter by
// namespace prefix ("session.", "message.", "presence.", "connection.").
const (
	SessionCreated = "session.created"
	SessionJoined  = "session.joined"
	SessionExpired = "session.expired"
	SessionLeft    = "session.left"
	SessionError   = "session.error"
	PartnerJoined  = "session.partner_joined"
	PartnerLeft    = "session.partner_left"

	ConnectionStatusChanged = "connection.status_changed"

	MessageQueued    = "message.queued"
	MessageReceived  = "message.received"
	MessageDelivered = "message.delivered"
	MessageFailed    = "message.failed"
	MessageUpdated   = "message.updated"

	PresenceChanged = "presence.changed"
	ActivityChanged = "presence.activity_changed"

	HistoryReconciled = "sync.history_reconciled"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
