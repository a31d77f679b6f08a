package hub

// Event is the closed set of registry lifecycle events consumed by the
// broadcast router.
type Event interface{ isHubEvent() }

type baseEvent struct{}

func (baseEvent) isHubEvent() {}

// Connected is emitted after a connection is registered.
type Connected struct {
	baseEvent
	ConnID string
	UserID string
}

// Disconnected is emitted after a connection is fully deregistered.
type Disconnected struct {
	baseEvent
	ConnID string
	UserID string
}
