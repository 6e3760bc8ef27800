// Package events defines event types and payloads for the Lighthouse event
// system. The packet loop emits registration and query events; telemetry
// subscribers forward them off the hot path.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Registration events
	EventServerHeartbeat EventType = "server_heartbeat"
	EventServerVerified  EventType = "server_verified"

	// Query events
	EventQueryServed EventType = "query_served"

	// Notification events
	EventNotifyMQTT EventType = "notify_mqtt"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ServerHeartbeatPayload describes a heartbeat that produced or refreshed a
// registration.
type ServerHeartbeatPayload struct {
	Address string `json:"address"`
	Tag     string `json:"tag"`
}

// ServerVerifiedPayload describes a server that answered its getinfo probe
// and is now published.
type ServerVerifiedPayload struct {
	Address  string `json:"address"`
	Game     string `json:"game"`
	Protocol int32  `json:"protocol"`
	State    string `json:"state"`
	Map      string `json:"map,omitempty"`
	HostName string `json:"hostname,omitempty"`
}

// QueryServedPayload describes one answered getservers query.
type QueryServedPayload struct {
	Client   string `json:"client"`
	Game     string `json:"game"`
	Protocol int32  `json:"protocol"`
	Servers  int    `json:"servers"`
	Extended bool   `json:"extended"`
}

// StatusPayload is the periodic registry status pushed to telemetry.
type StatusPayload struct {
	Active     int            `json:"active"`
	Capacity   int            `json:"capacity"`
	IPv4       int            `json:"ipv4"`
	IPv6       int            `json:"ipv6"`
	PerGame    map[string]int `json:"per_game,omitempty"`
	Heartbeats uint64         `json:"heartbeats"`
	Queries    uint64         `json:"queries"`
	Evictions  uint64         `json:"evictions"`
}
