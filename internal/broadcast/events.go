// Package broadcast owns the serving side of the pipeline: the internal event
// channel fed by ingest, the single-consumer broadcaster that mutates the
// store, and the WebSocket hub fanning deltas out to subscribers.
package broadcast

import "meshmap-go/internal/classifier"

// Event types on the internal channel.
const (
	EventDevice       = "device"
	EventDeviceSeen   = "device_seen"
	EventDeviceName   = "device_name"
	EventDeviceRole   = "device_role"
	EventDeviceRemove = "device_remove"
	EventRoute        = "route"
)

// RouteEvent describes one route candidate synthesized from a packet.
type RouteEvent struct {
	RouteID     string
	RouteMode   string
	PathHashes  []string
	PayloadType *int
	RouteType   *int
	MessageHash string
	OriginID    string
	ReceiverID  string
	SNRValues   []float64
	Ts          float64
	Topic       string
}

// Event is one unit of work handed from the MQTT callback to the broadcaster.
type Event struct {
	Type       string
	Device     *classifier.DeviceUpdate
	DeviceID   string
	Name       string
	Role       string
	RoleSource string
	Ts         float64
	Route      *RouteEvent
}
