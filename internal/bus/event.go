package bus

import "time"

// Event is a domain event delivered on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "outbox." receives every outbox transition.
const (
	KindOutboxQueued  = "outbox.queued"
	KindOutboxSending = "outbox.sending"
	KindOutboxSent    = "outbox.sent"
	KindOutboxFailed  = "outbox.failed"

	KindSyncPassStarted  = "sync.pass_started"
	KindSyncPassFinished = "sync.pass_finished"

	KindMessageSent         = "message.sent"
	KindConversationUpdated = "conversation.updated"

	KindPresenceChanged = "presence.status_changed"
	KindProfileSynced   = "profile.synced"

	// Inbound signals published by the host application.
	KindNetStatus    = "net.status"    // payload: bool (connected)
	KindAppLifecycle = "app.lifecycle" // payload: lifecycle phase string
)

// Lifecycle phases carried by KindAppLifecycle events.
const (
	PhaseForeground = "foreground"
	PhaseBackground = "background"
	PhaseInactive   = "inactive"
)

// Now builds an event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
