package topology

import (
	"sort"
	"sync"

	"meshmap-go/internal/common/config"
	"meshmap-go/internal/geo"
)

const heatWeight = 0.7

// Store is the single owner of all topology state.
type Store struct {
	cfg *config.Config

	mu            sync.Mutex
	devices       map[string]Device
	trails        map[string][]TrailPoint
	routes        map[string]Route
	heat          []heatEvent
	names         map[string]string
	roles         map[string]string
	roleSources   map[string]string
	seen          map[string]float64
	seenBroadcast map[string]float64
	hashIndex     map[string][]string // prefix -> candidate ids, most recent last
	origins       map[string]*messageOrigin
	segments      []Segment
	edges         map[string]*HistoryEdge
	onSegment     func(Segment)
	dirty         bool
}

func NewStore(cfg *config.Config) *Store {
	return &Store{
		cfg:           cfg,
		devices:       map[string]Device{},
		trails:        map[string][]TrailPoint{},
		routes:        map[string]Route{},
		names:         map[string]string{},
		roles:         map[string]string{},
		roleSources:   map[string]string{},
		seen:          map[string]float64{},
		seenBroadcast: map[string]float64{},
		hashIndex:     map[string][]string{},
		origins:       map[string]*messageOrigin{},
		edges:         map[string]*HistoryEdge{},
	}
}

// SetSegmentSink registers the mirror callback for accepted history segments.
// Must be called before ingest starts.
func (s *Store) SetSegmentSink(fn func(Segment)) {
	s.onSegment = fn
}

// inRadius applies the configured map radius; zero radius passes everything.
func (s *Store) inRadius(lat, lon float64) bool {
	return geo.WithinRadius(s.cfg.MapStartLat, s.cfg.MapStartLon, s.cfg.MapRadiusKM, lat, lon)
}

// UpsertDevice inserts or replaces device state, appends a trail sample and
// refreshes the secondary tables. Returns the stored device and its trail.
func (s *Store) UpsertDevice(d Device, now float64) (Device, []TrailPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Name == "" {
		d.Name = s.names[d.DeviceID]
	}
	if d.Role == "" {
		d.Role = s.roles[d.DeviceID]
	}
	s.devices[d.DeviceID] = d
	s.seen[d.DeviceID] = now
	s.dirty = true

	s.indexAdd(d.DeviceID)
	if d.Name != "" {
		s.names[d.DeviceID] = d.Name
	}
	if d.Role != "" && s.roleSources[d.DeviceID] != "override" {
		s.roles[d.DeviceID] = d.Role
	}

	if s.cfg.TrailLen > 0 && !geo.Zero(d.Lat, d.Lon) {
		trail := append(s.trails[d.DeviceID], TrailPoint{d.Lat, d.Lon, d.Ts})
		if len(trail) > s.cfg.TrailLen {
			trail = trail[len(trail)-s.cfg.TrailLen:]
		}
		s.trails[d.DeviceID] = trail
	}
	return d, copyTrail(s.trails[d.DeviceID])
}

// EvictDevice removes a device and everything keyed by it.
func (s *Store) EvictDevice(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(id)
}

func (s *Store) evictLocked(id string) {
	delete(s.devices, id)
	delete(s.trails, id)
	delete(s.seen, id)
	delete(s.seenBroadcast, id)
	s.indexRemove(id)
	s.dirty = true
}

// Device returns a copy of the stored device state.
func (s *Store) Device(id string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, ok
}

// DeviceTrail returns the device together with its trail.
func (s *Store) DeviceTrail(id string) (Device, []TrailPoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, copyTrail(s.trails[id]), ok
}

// ApplyNameRole copies the name/role tables into the device state, returning
// the refreshed device for broadcasting.
func (s *Store) ApplyNameRole(id string) (Device, []TrailPoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, nil, false
	}
	if name, ok := s.names[id]; ok {
		d.Name = name
	}
	if role, ok := s.roles[id]; ok {
		d.Role = role
	}
	s.devices[id] = d
	return d, copyTrail(s.trails[id]), true
}

// SetName records an observed device name. Reports whether it changed and
// whether the device is currently materialized.
func (s *Store) SetName(id, name string) (changed, exists bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || name == "" {
		return false, false
	}
	_, exists = s.devices[id]
	if s.names[id] == name {
		return false, exists
	}
	s.names[id] = name
	s.dirty = true
	return true, exists
}

// SetRole records an observed or override role. Override entries are never
// downgraded by explicit observations.
func (s *Store) SetRole(id, role, source string) (changed, exists bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || role == "" {
		return false, false
	}
	_, exists = s.devices[id]
	if source == "explicit" && s.roleSources[id] == "override" {
		return false, exists
	}
	if s.roles[id] == role && s.roleSources[id] == source {
		return false, exists
	}
	s.roles[id] = role
	s.roleSources[id] = source
	s.dirty = true
	return true, exists
}

// Name returns the recorded display name for a device.
func (s *Store) Name(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[id]
}

// MarkSeen records presence for a device id.
func (s *Store) MarkSeen(id string, now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = now
	s.dirty = true
}

// LastSeen returns the presence timestamp for a device.
func (s *Store) LastSeen(id string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.seen[id]
	return ts, ok
}

// ShouldBroadcastSeen rate-limits device_seen events per device.
func (s *Store) ShouldBroadcastSeen(id string, now float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.seenBroadcast[id]; ok && now-last < s.cfg.SeenBroadcastMin.Seconds() {
		return false
	}
	s.seenBroadcast[id] = now
	return true
}

// PrunePresence forgets devices unseen for the retention window.
func (s *Store) PrunePresence(now float64) {
	after := 86400.0
	if ttl := s.cfg.DeviceTTL.Seconds(); ttl > 0 {
		after = ttl * 3
		if after < 900 {
			after = 900
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, last := range s.seen {
		if now-last > after {
			delete(s.seen, id)
			delete(s.seenBroadcast, id)
		}
	}
}

// SeenCount returns the number of devices with recorded presence.
func (s *Store) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// SeenRecent returns the n most recently seen devices, newest first.
func (s *Store) SeenRecent(n int) []SeenEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SeenEntry, 0, len(s.seen))
	for id, ts := range s.seen {
		out = append(out, SeenEntry{DeviceID: id, Ts: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts > out[j].Ts
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// NoteMessage updates the message-origin cache for one observed frame and
// returns the best-known origin for route synthesis: a tx publisher wins,
// otherwise the first receiver stands in once a second receiver reports.
func (s *Store) NoteMessage(hash, direction, originID, receiverID string, now float64) string {
	if hash == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, ok := s.origins[hash]
	if !ok {
		cache = &messageOrigin{receivers: map[string]struct{}{}}
		s.origins[hash] = cache
	}
	cache.ts = now

	if direction == "tx" {
		originForTx := originID
		if originForTx == "" {
			originForTx = receiverID
		}
		if originForTx != "" {
			cache.originID = originForTx
		}
	}
	if direction == "rx" && receiverID != "" {
		cache.receivers[receiverID] = struct{}{}
		if cache.firstRx == "" {
			cache.firstRx = receiverID
		}
	}

	if cache.originID != "" {
		return cache.originID
	}
	if direction == "rx" && cache.firstRx != "" && receiverID != "" && receiverID != cache.firstRx {
		return cache.firstRx
	}
	return ""
}

// ExpireOrigins drops cache entries past the TTL.
func (s *Store) ExpireOrigins(now float64) {
	ttl := s.cfg.MessageOriginTTL.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, info := range s.origins {
		if now-info.ts > ttl {
			delete(s.origins, hash)
		}
	}
}

// RecordRoute inserts a transient route and appends its heat contribution.
// Advert payloads (type 4) never contribute heat.
func (s *Store) RecordRoute(r Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.ID] = r
	if s.cfg.HeatTTL <= 0 {
		return
	}
	if r.PayloadType != nil && *r.PayloadType == 4 {
		return
	}
	for _, p := range r.Points {
		s.heat = append(s.heat, heatEvent{Lat: p[0], Lon: p[1], Ts: r.Ts, Weight: heatWeight})
	}
}

// RouteCount returns the number of live routes.
func (s *Store) RouteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

// RemoveZeroPointRoutes drops routes carrying a (0,0) point. Defensive; such
// routes should never be recorded in the first place.
func (s *Store) RemoveZeroPointRoutes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, r := range s.routes {
		for _, p := range r.Points {
			if geo.Zero(p[0], p[1]) {
				removed = append(removed, id)
				break
			}
		}
	}
	for _, id := range removed {
		delete(s.routes, id)
	}
	sort.Strings(removed)
	return removed
}

// ExpireRoutes drops routes past their expiry and returns the removed ids.
func (s *Store) ExpireRoutes(now float64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, r := range s.routes {
		if now > r.ExpiresAt {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(s.routes, id)
	}
	sort.Strings(removed)
	return removed
}

// TruncateHeat discards heat events older than the TTL window.
func (s *Store) TruncateHeat(now float64) {
	if s.cfg.HeatTTL <= 0 {
		return
	}
	cutoff := now - s.cfg.HeatTTL.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.heat[:0]
	for _, h := range s.heat {
		if h.Ts >= cutoff {
			kept = append(kept, h)
		}
	}
	s.heat = kept
}

// EvictExpired removes devices whose update timestamp is older than the TTL.
func (s *Store) EvictExpired(now float64) []string {
	ttl := s.cfg.DeviceTTL.Seconds()
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []string
	for id, d := range s.devices {
		if now-d.Ts > ttl {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		s.evictLocked(id)
	}
	sort.Strings(stale)
	return stale
}

// ResolveRoutePoints maps a path-hash list onto device coordinates. Hashes
// that resolve to nothing or would duplicate the previous point are skipped.
// When only one point resolves, a known distinct receiver coordinate is
// appended. The candidate matching receiverID is preferred on prefix
// collisions.
func (s *Store) ResolveRoutePoints(pathHashes []string, receiverID string) (points [][2]float64, pointIDs []string, usedHashes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max := s.cfg.RoutePathMaxLen; max > 0 && len(pathHashes) > max {
		pathHashes = pathHashes[:max]
	}

	for _, raw := range pathHashes {
		key := NormalizeNodeHash(raw)
		if key == "" {
			continue
		}
		id := s.resolveHashLocked(key, receiverID)
		if id == "" {
			continue
		}
		d, ok := s.devices[id]
		if !ok {
			continue
		}
		point := [2]float64{d.Lat, d.Lon}
		if len(points) > 0 && point == points[len(points)-1] {
			continue
		}
		points = append(points, point)
		pointIDs = append(pointIDs, id)
		usedHashes = append(usedHashes, key)
	}

	if len(points) < 2 {
		if len(points) == 1 && receiverID != "" {
			if recv, ok := s.devices[receiverID]; ok {
				point := [2]float64{recv.Lat, recv.Lon}
				if point != points[0] {
					points = append(points, point)
					pointIDs = append(pointIDs, receiverID)
					return points, pointIDs, usedHashes
				}
			}
		}
		return nil, nil, usedHashes
	}
	return points, pointIDs, usedHashes
}

// RoutePointsFromDevices builds the two-point origin→receiver fallback.
func (s *Store) RoutePointsFromDevices(originID, receiverID string) ([][2]float64, []string, bool) {
	if originID == "" || receiverID == "" || originID == receiverID {
		return nil, nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	origin, ok := s.devices[originID]
	if !ok {
		return nil, nil, false
	}
	recv, ok := s.devices[receiverID]
	if !ok {
		return nil, nil, false
	}
	a := [2]float64{origin.Lat, origin.Lon}
	b := [2]float64{recv.Lat, recv.Lon}
	if a == b {
		return nil, nil, false
	}
	return [][2]float64{a, b}, []string{originID, receiverID}, true
}

// PointsInRadius reports whether every point passes the map radius filter.
func (s *Store) PointsInRadius(points [][2]float64) bool {
	for _, p := range points {
		if !s.inRadius(p[0], p[1]) {
			return false
		}
	}
	return true
}

// resolveHashLocked picks among prefix collision candidates: exact receiver
// match first, otherwise the most recently seen candidate.
func (s *Store) resolveHashLocked(prefix, preferID string) string {
	candidates := s.hashIndex[prefix]
	if len(candidates) == 0 {
		return ""
	}
	for _, id := range candidates {
		if id == preferID {
			return id
		}
	}
	return candidates[len(candidates)-1]
}

func (s *Store) indexAdd(id string) {
	prefix := NodeHashFromDeviceID(id)
	if prefix == "" {
		return
	}
	candidates := s.hashIndex[prefix]
	for i, existing := range candidates {
		if existing == id {
			candidates = append(candidates[:i], candidates[i+1:]...)
			break
		}
	}
	s.hashIndex[prefix] = append(candidates, id)
}

func (s *Store) indexRemove(id string) {
	prefix := NodeHashFromDeviceID(id)
	if prefix == "" {
		return
	}
	candidates := s.hashIndex[prefix]
	for i, existing := range candidates {
		if existing == id {
			candidates = append(candidates[:i], candidates[i+1:]...)
			break
		}
	}
	if len(candidates) == 0 {
		delete(s.hashIndex, prefix)
	} else {
		s.hashIndex[prefix] = candidates
	}
}

// ResolveHash exposes hash lookup for tests and diagnostics.
func (s *Store) ResolveHash(prefix, preferID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveHashLocked(NormalizeNodeHash(prefix), preferID)
}

// DeviceCount returns the number of materialized devices.
func (s *Store) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// Devices returns a copy of the device table.
func (s *Store) Devices() map[string]Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Device, len(s.devices))
	for id, d := range s.devices {
		out[id] = d
	}
	return out
}

// Snapshot deep-copies everything a new subscriber needs.
func (s *Store) Snapshot(now float64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make(map[string]Device, len(s.devices))
	for id, d := range s.devices {
		devices[id] = d
	}
	trails := make(map[string][]TrailPoint, len(s.trails))
	for id, t := range s.trails {
		trails[id] = copyTrail(t)
	}
	routes := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })

	return Snapshot{
		Devices:              devices,
		Trails:               trails,
		Routes:               routes,
		HistoryEdges:         s.historyEdgesLocked(),
		HistoryWindowSeconds: s.cfg.HistoryWindow.Seconds(),
		Heat:                 s.heatLocked(now),
	}
}

// HeatSnapshot serializes heat events within the TTL window.
func (s *Store) HeatSnapshot(now float64) [][4]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heatLocked(now)
}

func (s *Store) heatLocked(now float64) [][4]float64 {
	out := [][4]float64{}
	if s.cfg.HeatTTL <= 0 {
		return out
	}
	cutoff := now - s.cfg.HeatTTL.Seconds()
	for _, h := range s.heat {
		if h.Ts >= cutoff {
			out = append(out, [4]float64{h.Lat, h.Lon, h.Ts, h.Weight})
		}
	}
	return out
}

// Dirty reports whether durable state changed since the last save.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// ClearDirty resets the dirty flag after a successful save.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// MarkDirty forces a save on the next tick.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// ExportState copies everything the state file persists.
func (s *Store) ExportState(now float64) StateExport {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make(map[string]Device, len(s.devices))
	for id, d := range s.devices {
		devices[id] = d
	}
	trails := make(map[string][]TrailPoint, len(s.trails))
	for id, t := range s.trails {
		trails[id] = copyTrail(t)
	}
	return StateExport{
		Version:           1,
		SavedAt:           now,
		Devices:           devices,
		Trails:            trails,
		SeenDevices:       copyStrFloat(s.seen),
		DeviceNames:       copyStrStr(s.names),
		DeviceRoles:       copyStrStr(s.roles),
		DeviceRoleSources: copyStrStr(s.roleSources),
	}
}

// ImportState replays a persisted state file, dropping devices and trail
// points with invalid, zero or out-of-radius coordinates, then merges role
// overrides (source=override wins).
func (s *Store) ImportState(st StateExport, roleOverrides map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = map[string]Device{}
	s.trails = map[string][]TrailPoint{}
	s.hashIndex = map[string][]string{}

	for id, d := range st.Devices {
		if !geo.Valid(d.Lat, d.Lon) || geo.Zero(d.Lat, d.Lon) || !s.inRadius(d.Lat, d.Lon) {
			continue
		}
		d.DeviceID = id
		s.devices[id] = d
		s.indexAdd(id)
	}
	// TRAIL_LEN=0 disables trails entirely, persisted ones included.
	if s.cfg.TrailLen > 0 {
		for id, trail := range st.Trails {
			if _, ok := s.devices[id]; !ok {
				continue
			}
			var kept []TrailPoint
			for _, p := range trail {
				if !geo.Valid(p[0], p[1]) || geo.Zero(p[0], p[1]) || !s.inRadius(p[0], p[1]) {
					continue
				}
				kept = append(kept, p)
			}
			if len(kept) > s.cfg.TrailLen {
				kept = kept[len(kept)-s.cfg.TrailLen:]
			}
			if len(kept) > 0 {
				s.trails[id] = kept
			}
		}
	}

	s.seen = map[string]float64{}
	for id, ts := range st.SeenDevices {
		s.seen[id] = ts
	}
	s.names = map[string]string{}
	for id, name := range st.DeviceNames {
		if name != "" {
			s.names[id] = name
		}
	}
	s.roleSources = map[string]string{}
	for id, src := range st.DeviceRoleSources {
		if src == "explicit" || src == "override" {
			s.roleSources[id] = src
		}
	}
	s.roles = map[string]string{}
	for id, role := range st.DeviceRoles {
		if role == "" {
			continue
		}
		if src := s.roleSources[id]; src == "explicit" || src == "override" {
			s.roles[id] = role
		}
	}
	for id, role := range roleOverrides {
		s.roles[id] = role
		s.roleSources[id] = "override"
	}

	for id, d := range s.devices {
		if d.Name == "" {
			d.Name = s.names[id]
		}
		d.Role = s.roles[id]
		s.devices[id] = d
	}
}

func copyTrail(t []TrailPoint) []TrailPoint {
	if t == nil {
		return nil
	}
	out := make([]TrailPoint, len(t))
	copy(out, t)
	return out
}

func copyStrStr(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStrFloat(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
