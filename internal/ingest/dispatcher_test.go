package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmap-go/internal/broadcast"
	"meshmap-go/internal/classifier"
	"meshmap-go/internal/common/config"
	"meshmap-go/internal/decoder"
	"meshmap-go/internal/topology"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	store      *topology.Store
	stats      *Stats
	events     chan broadcast.Event
}

func newFixture(t *testing.T, env map[string]string) *dispatcherFixture {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	if _, ok := env["DECODE_WITH_NODE"]; !ok {
		env["DECODE_WITH_NODE"] = "false"
	}
	cfg := config.LoadFrom(func(key string) string { return env[key] })
	store := topology.NewStore(cfg)
	stats := NewStats(cfg.DebugLastMax, cfg.DebugStatusMax)
	events := make(chan broadcast.Event, 64)
	cls := classifier.New(cfg, decoder.New(cfg))
	d := NewDispatcher(cfg, cls, store, stats, events)
	clock := time.Unix(1700000000, 0)
	d.SetClock(func() time.Time { return clock })
	cls.SetClock(func() time.Time { return clock })
	return &dispatcherFixture{dispatcher: d, store: store, stats: stats, events: events}
}

func (f *dispatcherFixture) drain() []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []broadcast.Event, typ string) []broadcast.Event {
	var out []broadcast.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestOnMessageDeviceUpdate(t *testing.T) {
	f := newFixture(t, nil)

	f.dispatcher.OnMessage("meshcore/boston/AB12/position",
		[]byte(`{"lat":42.3601,"lon":-71.0589}`))

	events := f.drain()
	devices := eventsOfType(events, broadcast.EventDevice)
	require.Len(t, devices, 1)
	assert.Equal(t, "AB12", devices[0].Device.DeviceID)
	assert.Equal(t, "meshcore/boston/AB12/position", devices[0].Device.RawTopic)

	assert.Equal(t, int64(1), f.stats.MessagesTotal())
	assert.Equal(t, int64(1), f.stats.ResultCounts()[classifier.TagDirectJSON])
}

func TestOnMessageZeroCoordsNeverMaterialize(t *testing.T) {
	// Even when the classifier is configured to pass zero pairs through, the
	// dispatcher drops them before they can reach the store.
	f := newFixture(t, map[string]string{"DIRECT_COORDS_ALLOW_ZERO": "true"})

	f.dispatcher.OnMessage("meshcore/boston/AB12/position",
		[]byte(`{"lat":0,"lon":0}`))

	events := f.drain()
	assert.Empty(t, eventsOfType(events, broadcast.EventDevice))
	assert.Empty(t, eventsOfType(events, broadcast.EventDeviceRemove))
}

func TestOnMessagePresence(t *testing.T) {
	f := newFixture(t, nil)
	f.store.UpsertDevice(topology.Device{DeviceID: "AB12", Lat: 42.36, Lon: -71.05, Ts: 1699999999}, 1699999999)

	f.dispatcher.OnMessage("meshcore/boston/AB12/status", []byte(`{"state":"online"}`))
	f.dispatcher.OnMessage("meshcore/boston/AB12/status", []byte(`{"state":"online"}`))

	_, ok := f.store.LastSeen("AB12")
	assert.True(t, ok)

	// The second message inside the rate-limit window produces no second
	// device_seen event.
	seen := eventsOfType(f.drain(), broadcast.EventDeviceSeen)
	require.Len(t, seen, 1)
	assert.Equal(t, "AB12", seen[0].DeviceID)
}

func TestOnMessagePresenceUnknownDeviceNotBroadcast(t *testing.T) {
	f := newFixture(t, nil)

	f.dispatcher.OnMessage("meshcore/boston/AB12/status", []byte(`{"state":"online"}`))

	// Presence is tracked but not announced until the device materializes.
	_, ok := f.store.LastSeen("AB12")
	assert.True(t, ok)
	assert.Empty(t, eventsOfType(f.drain(), broadcast.EventDeviceSeen))
}

func TestOnMessageNonStatusTopicNoPresence(t *testing.T) {
	f := newFixture(t, nil)

	f.dispatcher.OnMessage("meshcore/boston/AB12/packets", []byte(`{"battery":12}`))

	_, ok := f.store.LastSeen("AB12")
	assert.False(t, ok)
	assert.Empty(t, eventsOfType(f.drain(), broadcast.EventDeviceSeen))
}

func TestOnMessageNameAndRoleEvents(t *testing.T) {
	f := newFixture(t, nil)

	f.dispatcher.OnMessage("meshcore/boston/AB12/status",
		[]byte(`{"origin":"Hilltop","role":"repeater"}`))

	events := f.drain()
	names := eventsOfType(events, broadcast.EventDeviceName)
	require.Len(t, names, 1)
	assert.Equal(t, "AB12", names[0].DeviceID)
	assert.Equal(t, "Hilltop", names[0].Name)

	roles := eventsOfType(events, broadcast.EventDeviceRole)
	require.Len(t, roles, 1)
	assert.Equal(t, "repeater", roles[0].Role)
	assert.Equal(t, "explicit", roles[0].RoleSource)
}

func TestOnMessageFanoutRouteFromOriginCache(t *testing.T) {
	f := newFixture(t, nil)

	// The publisher announces the message, then a different gateway reports
	// receiving it.
	f.dispatcher.OnMessage("meshcore/boston/AA00/packets",
		[]byte(`{"hash":"HASH1","direction":"tx","origin_id":"AA00"}`))
	f.dispatcher.OnMessage("meshcore/boston/BB11/packets",
		[]byte(`{"hash":"HASH1","direction":"rx"}`))

	routes := eventsOfType(f.drain(), broadcast.EventRoute)
	require.Len(t, routes, 1)
	route := routes[0].Route
	assert.Equal(t, "fanout", route.RouteMode)
	assert.Equal(t, "AA00", route.OriginID)
	assert.Equal(t, "BB11", route.ReceiverID)
	assert.Equal(t, "HASH1", route.MessageHash)
	assert.Equal(t, "HASH1-BB11", route.RouteID)
}

func TestOnMessageFanoutPerReceiver(t *testing.T) {
	f := newFixture(t, nil)

	f.dispatcher.OnMessage("meshcore/boston/AA00/packets",
		[]byte(`{"hash":"HASH1","direction":"tx","origin_id":"AA00"}`))
	f.dispatcher.OnMessage("meshcore/boston/BB11/packets",
		[]byte(`{"hash":"HASH1","direction":"rx"}`))
	f.dispatcher.OnMessage("meshcore/boston/CC22/packets",
		[]byte(`{"hash":"HASH1","direction":"rx"}`))

	routes := eventsOfType(f.drain(), broadcast.EventRoute)
	require.Len(t, routes, 2)
	assert.Equal(t, "HASH1-BB11", routes[0].Route.RouteID)
	assert.Equal(t, "HASH1-CC22", routes[1].Route.RouteID)
	for _, r := range routes {
		assert.Equal(t, "fanout", r.Route.RouteMode)
		assert.Equal(t, "AA00", r.Route.OriginID)
	}
}

func TestOnMessageNoRouteWithoutDirection(t *testing.T) {
	f := newFixture(t, nil)

	f.dispatcher.OnMessage("meshcore/boston/AA00/packets",
		[]byte(`{"hash":"HASH1","direction":"tx","origin_id":"AA00"}`))
	// A report without an rx direction never fans out.
	f.dispatcher.OnMessage("meshcore/boston/BB11/packets",
		[]byte(`{"hash":"HASH1"}`))

	assert.Empty(t, eventsOfType(f.drain(), broadcast.EventRoute))
}

func TestOnMessageOutOfRadiusRemoves(t *testing.T) {
	f := newFixture(t, map[string]string{"MAP_RADIUS_KM": "100"})
	f.store.UpsertDevice(topology.Device{DeviceID: "FAR1", Lat: 42.36, Lon: -71.05, Ts: 900}, 900)

	f.dispatcher.OnMessage("meshcore/boston/FAR1/position",
		[]byte(`{"lat":-33.87,"lon":151.21}`))

	events := f.drain()
	assert.Empty(t, eventsOfType(events, broadcast.EventDevice))
	removes := eventsOfType(events, broadcast.EventDeviceRemove)
	require.Len(t, removes, 1)
	assert.Equal(t, "FAR1", removes[0].DeviceID)
}

func TestOnMessageOutOfRadiusUnknownDeviceDiscarded(t *testing.T) {
	f := newFixture(t, map[string]string{"MAP_RADIUS_KM": "100"})

	f.dispatcher.OnMessage("meshcore/boston/FAR1/position",
		[]byte(`{"lat":-33.87,"lon":151.21}`))

	events := f.drain()
	assert.Empty(t, eventsOfType(events, broadcast.EventDevice))
	assert.Empty(t, eventsOfType(events, broadcast.EventDeviceRemove))
}

func TestOnMessageDebugRing(t *testing.T) {
	f := newFixture(t, map[string]string{"DEBUG_PAYLOAD": "true"})

	f.dispatcher.OnMessage("meshcore/boston/AB12/position",
		[]byte(`{"lat":42.3601,"lon":-71.0589}`))

	entries := f.stats.DebugLast()
	require.Len(t, entries, 1)
	assert.Equal(t, classifier.TagDirectJSON, entries[0].Result)
	assert.Equal(t, "AB12", entries[0].DeviceID)
	assert.Contains(t, entries[0].Preview, "42.3601")
}

func TestOnMessageStatusRing(t *testing.T) {
	f := newFixture(t, nil)

	f.dispatcher.OnMessage("meshcore/boston/AB12/status",
		[]byte(`{"origin":"Hilltop"}`))

	entries := f.stats.StatusLast()
	require.Len(t, entries, 1)
	assert.Equal(t, "Hilltop", entries[0].Name)
}

func TestEnqueueDropsOnFullChannel(t *testing.T) {
	f := newFixture(t, nil)

	// Fill the channel, then force one more event through a device update.
	for len(f.events) < cap(f.events) {
		f.events <- broadcast.Event{Type: "filler"}
	}
	f.dispatcher.OnMessage("meshcore/boston/AB12/position",
		[]byte(`{"lat":42.3601,"lon":-71.0589}`))

	assert.Greater(t, f.stats.EventsDropped(), int64(0))
}
