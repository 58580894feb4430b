package libstem

// EventType is a connection lifecycle event of a hub client.
type EventType byte

const (
	EventConnect EventType = iota + 1
	EventClose
	EventReconnect
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}
