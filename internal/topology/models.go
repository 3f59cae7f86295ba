// Package topology owns the authoritative in-memory state of the mesh:
// devices, trails, transient routes, history edges, heat events, name/role
// tables, the node-hash index and the message-origin cache. All mutation goes
// through the store's mutex; the broadcaster is the sole mutator on the
// serving path.
package topology

// TrailPoint is one (lat, lon, ts) trail sample.
type TrailPoint [3]float64

// Device is the last known state of one mesh node.
type Device struct {
	DeviceID string   `json:"device_id"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Ts       float64  `json:"ts"`
	Heading  *float64 `json:"heading"`
	Speed    *float64 `json:"speed"`
	RSSI     *float64 `json:"rssi"`
	SNR      *float64 `json:"snr"`
	Name     string   `json:"name,omitempty"`
	Role     string   `json:"role,omitempty"`
	RawTopic string   `json:"raw_topic,omitempty"`
}

// Route is a transient polyline reconstructed from one packet's path.
type Route struct {
	ID          string       `json:"id"`
	Points      [][2]float64 `json:"points"`
	PointIDs    []string     `json:"point_ids,omitempty"`
	Hashes      []string     `json:"hashes"`
	RouteMode   string       `json:"route_mode"`
	Ts          float64      `json:"ts"`
	ExpiresAt   float64      `json:"expires_at"`
	OriginID    string       `json:"origin_id,omitempty"`
	ReceiverID  string       `json:"receiver_id,omitempty"`
	PayloadType *int         `json:"payload_type,omitempty"`
	MessageHash string       `json:"message_hash,omitempty"`
	SNRValues   []float64    `json:"snr_values,omitempty"`
	Topic       string       `json:"topic,omitempty"`
}

// EdgeSample is one recent contribution to a history edge.
type EdgeSample struct {
	Ts          float64 `json:"ts"`
	Mode        string  `json:"mode"`
	MessageHash string  `json:"message_hash,omitempty"`
}

// HistoryEdge is a long-lived undirected aggregation of routes between the
// same endpoint pair.
type HistoryEdge struct {
	ID     string       `json:"id"`
	A      [2]float64   `json:"a"`
	B      [2]float64   `json:"b"`
	AID    string       `json:"a_id"`
	BID    string       `json:"b_id"`
	Count  int          `json:"count"`
	LastTs float64      `json:"last_ts"`
	Recent []EdgeSample `json:"recent"`
}

// Segment is one directed hop observed inside a route; mirrored to the
// append-only history file.
type Segment struct {
	AID         string  `json:"a_id"`
	BID         string  `json:"b_id"`
	Ts          float64 `json:"ts"`
	Mode        string  `json:"mode"`
	MessageHash string  `json:"message_hash,omitempty"`
}

type heatEvent struct {
	Lat    float64
	Lon    float64
	Ts     float64
	Weight float64
}

type messageOrigin struct {
	originID  string
	firstRx   string
	receivers map[string]struct{}
	ts        float64
}

// SeenEntry pairs a device id with its presence timestamp.
type SeenEntry struct {
	DeviceID string  `json:"device_id"`
	Ts       float64 `json:"ts"`
}

// Snapshot is the full client-facing state sent to new subscribers.
type Snapshot struct {
	Devices              map[string]Device       `json:"devices"`
	Trails               map[string][]TrailPoint `json:"trails"`
	Routes               []Route                 `json:"routes"`
	HistoryEdges         []HistoryEdge           `json:"history_edges"`
	HistoryWindowSeconds float64                 `json:"history_window_seconds"`
	Heat                 [][4]float64            `json:"heat"`
}

// StateExport is the durable form of the store written to the state file.
type StateExport struct {
	Version           int                     `json:"version"`
	SavedAt           float64                 `json:"saved_at"`
	Devices           map[string]Device       `json:"devices"`
	Trails            map[string][]TrailPoint `json:"trails"`
	SeenDevices       map[string]float64      `json:"seen_devices"`
	DeviceNames       map[string]string       `json:"device_names"`
	DeviceRoles       map[string]string       `json:"device_roles"`
	DeviceRoleSources map[string]string       `json:"device_role_sources"`
}
