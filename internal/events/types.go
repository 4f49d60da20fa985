package events

// Event type constants for kelindar/event.
const (
	TypeHotplug uint32 = iota + 1
	TypeLinkStatus
	TypeRefreshRequest
	TypeCommitFailed
	TypeVsync
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// Hotplug actions.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
	ActionChanged = "changed"
)

// HotplugEvent is published when a display is bound, unbound or rescanned.
type HotplugEvent struct {
	Connector   string `json:"connector"`
	ConnectorID uint32 `json:"connector_id"`
	Action      string `json:"action"`
	Mode        string `json:"mode,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// Type returns the event type identifier for HotplugEvent.
func (e HotplugEvent) Type() uint32 { return TypeHotplug }

// LinkStatusEvent is published when the kernel marks a connector's link
// as failed, and again once the mode has been re-committed.
type LinkStatusEvent struct {
	Connector string `json:"connector"`
	Good      bool   `json:"good"`
	Retrained bool   `json:"retrained"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for LinkStatusEvent.
func (e LinkStatusEvent) Type() uint32 { return TypeLinkStatus }

// RefreshRequestEvent asks the client to submit a new frame for a display,
// which the compositor will flatten.
type RefreshRequestEvent struct {
	Display   string `json:"display"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for RefreshRequestEvent.
func (e RefreshRequestEvent) Type() uint32 { return TypeRefreshRequest }

// CommitFailedEvent is published when the kernel rejects a frame.
type CommitFailedEvent struct {
	Display   string `json:"display"`
	Error     string `json:"error"`
	Recovered bool   `json:"recovered"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for CommitFailedEvent.
func (e CommitFailedEvent) Type() uint32 { return TypeCommitFailed }

// VsyncEvent carries one frame timestamp of a display.
type VsyncEvent struct {
	Display   string `json:"display"`
	Timestamp int64  `json:"timestamp_ns"`
}

// Type returns the event type identifier for VsyncEvent.
func (e VsyncEvent) Type() uint32 { return TypeVsync }
