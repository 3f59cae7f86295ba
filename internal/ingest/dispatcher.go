package ingest

import (
	"strings"
	"time"

	"meshmap-go/internal/broadcast"
	"meshmap-go/internal/classifier"
	"meshmap-go/internal/common/config"
	"meshmap-go/internal/common/logging"
	"meshmap-go/internal/geo"
	"meshmap-go/internal/topology"
)

// Dispatcher runs on the MQTT callback goroutine. It classifies each frame,
// performs the fast-path store updates (presence, origin cache) and enqueues
// everything else for the broadcaster. The enqueue never blocks; overflow is
// counted and dropped.
type Dispatcher struct {
	cfg    *config.Config
	cls    *classifier.Classifier
	store  *topology.Store
	stats  *Stats
	events chan<- broadcast.Event
	now    func() time.Time
}

func NewDispatcher(cfg *config.Config, cls *classifier.Classifier, store *topology.Store, stats *Stats, events chan<- broadcast.Event) *Dispatcher {
	return &Dispatcher{cfg: cfg, cls: cls, store: store, stats: stats, events: events, now: time.Now}
}

// SetClock overrides the timestamp source for tests.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

func (d *Dispatcher) nowTs() float64 {
	return float64(d.now().UnixNano()) / float64(time.Second)
}

// OnMessage processes one MQTT frame end to end.
func (d *Dispatcher) OnMessage(topic string, payload []byte) {
	d.stats.CountMessage(topic)
	now := d.nowTs()

	topicID := classifier.DeviceIDFromTopic(topic)
	if topicID != "" && d.cfg.OnlineSuffixMatch(topic) {
		d.store.MarkSeen(topicID, now)
		// Presence broadcasts only make sense for devices the clients can see.
		if _, known := d.store.Device(topicID); known && d.store.ShouldBroadcastSeen(topicID, now) {
			d.enqueue(broadcast.Event{Type: broadcast.EventDeviceSeen, DeviceID: topicID, Ts: now})
		}
	}

	upd, res := d.cls.Classify(topic, payload)
	d.stats.CountResult(res.Tag)
	d.recordRings(topic, payload, upd, res, now)

	targetID := d.targetID(topicID, upd, res)
	if res.DeviceName != "" && targetID != "" {
		d.enqueue(broadcast.Event{Type: broadcast.EventDeviceName, DeviceID: targetID, Name: res.DeviceName, Ts: now})
	}
	if res.DeviceRole != "" && targetID != "" {
		d.enqueue(broadcast.Event{Type: broadcast.EventDeviceRole, DeviceID: targetID, Role: res.DeviceRole, RoleSource: "explicit", Ts: now})
	}

	d.handleRouting(topic, topicID, res, now)

	if upd == nil {
		return
	}
	// A zero pair means "no fix" no matter which parse path produced it; a
	// device must never materialize at 0,0.
	if geo.Zero(upd.Lat, upd.Lon) {
		return
	}
	if !geo.WithinRadius(d.cfg.MapStartLat, d.cfg.MapStartLon, d.cfg.MapRadiusKM, upd.Lat, upd.Lon) {
		if _, known := d.store.Device(upd.DeviceID); known {
			d.enqueue(broadcast.Event{Type: broadcast.EventDeviceRemove, DeviceID: upd.DeviceID, Ts: now})
		}
		return
	}
	upd.RawTopic = topic
	d.enqueue(broadcast.Event{Type: broadcast.EventDevice, Device: upd, DeviceID: upd.DeviceID, Ts: now})
}

// targetID picks the device the name/role observations belong to: the decoded
// pubkey wins over the update's id, the topic id is the last resort.
func (d *Dispatcher) targetID(topicID string, upd *classifier.DeviceUpdate, res classifier.Result) string {
	if res.DecodedPubkey != "" {
		return res.DecodedPubkey
	}
	if upd != nil && upd.DeviceID != "" {
		return upd.DeviceID
	}
	return topicID
}

// handleRouting updates the message-origin cache and synthesizes a route
// event when the frame carries a usable path or a resolvable origin.
func (d *Dispatcher) handleRouting(topic, topicID string, res classifier.Result, now float64) {
	meta := res.DecoderMeta

	hash := res.PacketHash
	if hash == "" && meta != nil {
		hash = meta.MessageHash
	}
	direction := strings.ToLower(res.Direction)

	// The decoded sender pubkey beats everything the cache can offer.
	routeOrigin := res.DecodedPubkey
	if hash != "" {
		noted := d.store.NoteMessage(hash, direction, res.OriginID, topicID, now)
		if routeOrigin == "" {
			routeOrigin = noted
		}
	}
	if routeOrigin == "" {
		routeOrigin = res.OriginID
	}

	var (
		hashes      []string
		payloadType *int
		routeType   *int
		snrValues   []float64
	)
	if meta != nil && meta.Ok {
		payloadType = meta.PayloadType
		routeType = meta.RouteType
		snrValues = meta.SNRValues

		raw := meta.PathHashes
		// Transport headers of routed/flood frames double as a path when the
		// decoder found no explicit hash list. Adverts and traces carry
		// unrelated bytes there.
		if len(raw) == 0 && len(meta.Path) > 0 && routeType != nil && (*routeType == 0 || *routeType == 1) {
			if payloadType == nil || (*payloadType != 8 && *payloadType != 9) {
				raw = meta.Path
			}
		}
		for _, r := range raw {
			if h := topology.NormalizeNodeHash(r); h != "" {
				hashes = append(hashes, h)
			}
		}
	}

	inRouteSet := false
	if payloadType != nil {
		_, inRouteSet = d.cfg.RoutePayloadTypes[*payloadType]
	}

	switch {
	case len(hashes) > 0 && inRouteSet:
		d.enqueue(broadcast.Event{
			Type: broadcast.EventRoute,
			Ts:   now,
			Route: &broadcast.RouteEvent{
				PathHashes:  hashes,
				PayloadType: payloadType,
				RouteType:   routeType,
				MessageHash: hash,
				OriginID:    routeOrigin,
				ReceiverID:  topicID,
				SNRValues:   snrValues,
				Ts:          now,
				Topic:       topic,
			},
		})
	case hash != "" && routeOrigin != "" && topicID != "" &&
		direction == "rx" && strings.HasSuffix(topic, "/packets"):
		d.enqueue(broadcast.Event{
			Type: broadcast.EventRoute,
			Ts:   now,
			Route: &broadcast.RouteEvent{
				RouteID:     hash + "-" + topicID,
				RouteMode:   "fanout",
				PayloadType: payloadType,
				RouteType:   routeType,
				MessageHash: hash,
				OriginID:    routeOrigin,
				ReceiverID:  topicID,
				Ts:          now,
				Topic:       topic,
			},
		})
	}
}

func (d *Dispatcher) recordRings(topic string, payload []byte, upd *classifier.DeviceUpdate, res classifier.Result, now float64) {
	if d.cfg.DebugPayload {
		entry := DebugEntry{
			Ts:         now,
			Topic:      topic,
			Result:     res.Tag,
			FoundPath:  res.FoundPath,
			FoundHint:  res.FoundHint,
			ParseError: res.ParseError,
			JSONKeys:   res.JSONKeys,
			Preview:    classifier.SafePreview(payload, d.cfg.DebugPayloadMax),
		}
		if upd != nil {
			entry.DeviceID = upd.DeviceID
		}
		d.stats.AddDebug(entry)
	}
	if strings.HasSuffix(topic, "/status") {
		d.stats.AddStatus(StatusEntry{
			Ts:      now,
			Topic:   topic,
			Name:    res.DeviceName,
			Preview: classifier.SafePreview(payload, d.cfg.PayloadPreviewMax),
		})
	}
}

func (d *Dispatcher) enqueue(ev broadcast.Event) {
	select {
	case d.events <- ev:
	default:
		d.stats.CountDropped()
		logging.Log(logging.Debug, "event channel full, dropped %s event", ev.Type)
	}
}
