package broadcast

import (
	"context"
	"fmt"

	"meshmap-go/internal/common/config"
	"meshmap-go/internal/common/logging"
	"meshmap-go/internal/topology"
)

// Broadcaster is the only goroutine that mutates topology on the serving
// path. It drains the event channel, applies each event to the store and fans
// the resulting delta out through the hub.
type Broadcaster struct {
	cfg   *config.Config
	store *topology.Store
	hub   *Hub
}

func NewBroadcaster(cfg *config.Config, store *topology.Store, hub *Hub) *Broadcaster {
	return &Broadcaster{cfg: cfg, store: store, hub: hub}
}

// Run consumes events until the channel closes or the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handle(ev)
		}
	}
}

// handle applies one event; a panic in one handler must not kill the loop.
func (b *Broadcaster) handle(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log(logging.Error, "broadcaster recovered from %s event: %v", ev.Type, r)
		}
	}()

	switch ev.Type {
	case EventDevice:
		b.handleDevice(ev)
	case EventDeviceSeen:
		// The device may have been evicted since the event was queued.
		if _, ok := b.store.Device(ev.DeviceID); !ok {
			return
		}
		last, _ := b.store.LastSeen(ev.DeviceID)
		b.hub.Broadcast(map[string]any{
			"type":         "device_seen",
			"device_id":    ev.DeviceID,
			"last_seen_ts": last,
			"mqtt_seen_ts": ev.Ts,
		})
	case EventDeviceName:
		if changed, exists := b.store.SetName(ev.DeviceID, ev.Name); changed && exists {
			b.rebroadcastDevice(ev.DeviceID)
		}
	case EventDeviceRole:
		if changed, exists := b.store.SetRole(ev.DeviceID, ev.Role, ev.RoleSource); changed && exists {
			b.rebroadcastDevice(ev.DeviceID)
		}
	case EventDeviceRemove:
		b.store.EvictDevice(ev.DeviceID)
		b.hub.Broadcast(map[string]any{"type": "stale", "device_ids": []string{ev.DeviceID}})
	case EventRoute:
		if ev.Route != nil {
			b.handleRoute(*ev.Route)
		}
	}
}

func (b *Broadcaster) handleDevice(ev Event) {
	if ev.Device == nil {
		return
	}
	u := ev.Device
	d := topology.Device{
		DeviceID: u.DeviceID,
		Lat:      u.Lat,
		Lon:      u.Lon,
		Ts:       u.Ts,
		Heading:  u.Heading,
		Speed:    u.Speed,
		RSSI:     u.RSSI,
		SNR:      u.SNR,
		Name:     u.Name,
		Role:     u.Role,
		RawTopic: u.RawTopic,
	}
	stored, trail := b.store.UpsertDevice(d, ev.Ts)
	b.hub.Broadcast(map[string]any{"type": "update", "device": stored, "trail": trail})
}

func (b *Broadcaster) rebroadcastDevice(id string) {
	if d, trail, ok := b.store.ApplyNameRole(id); ok {
		b.hub.Broadcast(map[string]any{"type": "update", "device": d, "trail": trail})
	}
}

// handleRoute resolves a route candidate to coordinates: path hashes first,
// the origin→receiver pair otherwise. Routes touching points outside the map
// radius are dropped entirely.
func (b *Broadcaster) handleRoute(ev RouteEvent) {
	var (
		points   [][2]float64
		pointIDs []string
		hashes   []string
		mode     = ev.RouteMode
	)

	if len(ev.PathHashes) > 0 {
		points, pointIDs, hashes = b.store.ResolveRoutePoints(ev.PathHashes, ev.ReceiverID)
	}
	if len(points) < 2 {
		p, ids, ok := b.store.RoutePointsFromDevices(ev.OriginID, ev.ReceiverID)
		if !ok {
			return
		}
		points, pointIDs = p, ids
		hashes = nil
		if mode != "fanout" {
			mode = "direct"
		}
	}
	if mode == "" {
		mode = "path"
	}
	if !b.store.PointsInRadius(points) {
		return
	}

	id := ev.RouteID
	if id == "" {
		id = ev.MessageHash
	}
	if id == "" {
		base := ev.OriginID
		if base == "" {
			base = "route"
		}
		id = fmt.Sprintf("%s-%d", base, int64(ev.Ts*1000))
	}

	route := topology.Route{
		ID:          id,
		Points:      points,
		PointIDs:    pointIDs,
		Hashes:      hashes,
		RouteMode:   mode,
		Ts:          ev.Ts,
		ExpiresAt:   ev.Ts + b.cfg.RouteTTL.Seconds(),
		OriginID:    ev.OriginID,
		ReceiverID:  ev.ReceiverID,
		PayloadType: ev.PayloadType,
		MessageHash: ev.MessageHash,
		SNRValues:   ev.SNRValues,
		Topic:       ev.Topic,
	}
	b.store.RecordRoute(route)
	b.hub.Broadcast(map[string]any{"type": "route", "route": route})

	updated, removed := b.store.RecordHistorySegments(route, ev.Ts)
	if len(updated) > 0 {
		b.hub.Broadcast(map[string]any{
			"type":           "history_edges",
			"edges":          updated,
			"window_seconds": b.cfg.HistoryWindow.Seconds(),
		})
	}
	if len(removed) > 0 {
		b.hub.Broadcast(map[string]any{"type": "history_edges_remove", "edge_ids": removed})
	}
}
