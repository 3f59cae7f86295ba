package topology

import (
	"sort"
	"strings"

	"meshmap-go/internal/common/config"
)

const edgeRecentCap = config.HistoryEdgeSampleLimit

// RecordHistorySegments folds a freshly recorded route into the history edge
// aggregation. Returns the edges that changed and the ids of edges evicted by
// the segment cap.
func (s *Store) RecordHistorySegments(r Route, now float64) (updated []HistoryEdge, removedIDs []string) {
	if !s.cfg.HistoryEnabled {
		return nil, nil
	}
	if len(s.cfg.HistoryAllowedModes) > 0 {
		if _, ok := s.cfg.HistoryAllowedModes[r.RouteMode]; !ok {
			return nil, nil
		}
	}
	if r.PayloadType != nil && len(s.cfg.HistoryPayloadTypes) > 0 {
		if _, ok := s.cfg.HistoryPayloadTypes[*r.PayloadType]; !ok {
			return nil, nil
		}
	}
	if len(r.PointIDs) < 2 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	touched := map[string]struct{}{}
	for i := 0; i+1 < len(r.PointIDs); i++ {
		a, b := r.PointIDs[i], r.PointIDs[i+1]
		if a == "" || b == "" || a == b {
			continue
		}
		seg := Segment{AID: a, BID: b, Ts: now, Mode: r.RouteMode, MessageHash: r.MessageHash}
		s.segments = append(s.segments, seg)
		if s.onSegment != nil {
			s.onSegment(seg)
		}
		touched[edgeKey(a, b)] = struct{}{}
		s.applySegmentLocked(seg)
	}

	if max := s.cfg.HistoryMaxSegments; max > 0 && len(s.segments) > max {
		dropped := s.segments[:len(s.segments)-max]
		s.segments = append([]Segment(nil), s.segments[len(s.segments)-max:]...)
		removedIDs = s.rebuildEdgesLocked(dropped)
	}

	for key := range touched {
		if edge, ok := s.edges[key]; ok {
			updated = append(updated, cloneEdge(edge))
		}
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].ID < updated[j].ID })
	return updated, removedIDs
}

// applySegmentLocked folds one segment into its undirected edge, refreshing
// endpoint coordinates from current device state when available.
func (s *Store) applySegmentLocked(seg Segment) {
	key := edgeKey(seg.AID, seg.BID)
	edge, ok := s.edges[key]
	if !ok {
		edge = &HistoryEdge{ID: key}
		lo, hi := orderedPair(seg.AID, seg.BID)
		edge.AID, edge.BID = lo, hi
		s.edges[key] = edge
	}
	if d, ok := s.devices[edge.AID]; ok {
		edge.A = [2]float64{d.Lat, d.Lon}
	}
	if d, ok := s.devices[edge.BID]; ok {
		edge.B = [2]float64{d.Lat, d.Lon}
	}
	edge.Count++
	if seg.Ts > edge.LastTs {
		edge.LastTs = seg.Ts
	}
	edge.Recent = append(edge.Recent, EdgeSample{Ts: seg.Ts, Mode: seg.Mode, MessageHash: seg.MessageHash})
	if len(edge.Recent) > edgeRecentCap {
		edge.Recent = edge.Recent[len(edge.Recent)-edgeRecentCap:]
	}
}

// rebuildEdgesLocked recomputes edges after segments fell off the cap.
// Returns ids of edges that disappeared entirely.
func (s *Store) rebuildEdgesLocked(dropped []Segment) []string {
	affected := map[string]struct{}{}
	for _, seg := range dropped {
		affected[edgeKey(seg.AID, seg.BID)] = struct{}{}
	}
	if len(affected) == 0 {
		return nil
	}

	rebuilt := map[string]*HistoryEdge{}
	for _, seg := range s.segments {
		key := edgeKey(seg.AID, seg.BID)
		if _, ok := affected[key]; !ok {
			continue
		}
		edge, ok := rebuilt[key]
		if !ok {
			lo, hi := orderedPair(seg.AID, seg.BID)
			edge = &HistoryEdge{ID: key, AID: lo, BID: hi}
			if prev, ok := s.edges[key]; ok {
				edge.A, edge.B = prev.A, prev.B
			}
			rebuilt[key] = edge
		}
		edge.Count++
		if seg.Ts > edge.LastTs {
			edge.LastTs = seg.Ts
		}
		edge.Recent = append(edge.Recent, EdgeSample{Ts: seg.Ts, Mode: seg.Mode, MessageHash: seg.MessageHash})
		if len(edge.Recent) > edgeRecentCap {
			edge.Recent = edge.Recent[len(edge.Recent)-edgeRecentCap:]
		}
	}

	var removed []string
	for key := range affected {
		if edge, ok := rebuilt[key]; ok {
			s.edges[key] = edge
		} else {
			delete(s.edges, key)
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// PruneHistory drops edges and segments older than the history window.
// Returns ids of removed edges.
func (s *Store) PruneHistory(now float64) []string {
	window := s.cfg.HistoryWindow.Seconds()
	if window <= 0 {
		return nil
	}
	cutoff := now - window

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.segments[:0]
	for _, seg := range s.segments {
		if seg.Ts >= cutoff {
			kept = append(kept, seg)
		}
	}
	s.segments = kept

	var removed []string
	for key, edge := range s.edges {
		if edge.LastTs < cutoff {
			delete(s.edges, key)
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// LoadSegments replays persisted segments through the edge aggregation at
// startup. Segments are assumed pre-filtered to the history window.
func (s *Store) LoadSegments(segments []Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range segments {
		if seg.AID == "" || seg.BID == "" || seg.AID == seg.BID {
			continue
		}
		s.segments = append(s.segments, seg)
		s.applySegmentLocked(seg)
	}
	if max := s.cfg.HistoryMaxSegments; max > 0 && len(s.segments) > max {
		dropped := s.segments[:len(s.segments)-max]
		s.segments = append([]Segment(nil), s.segments[len(s.segments)-max:]...)
		s.rebuildEdgesLocked(dropped)
	}
}

// SegmentsWithin returns a copy of segments newer than the cutoff, for
// history log compaction.
func (s *Store) SegmentsWithin(cutoff float64) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		if seg.Ts >= cutoff {
			out = append(out, seg)
		}
	}
	return out
}

// SegmentCount returns the number of retained segments.
func (s *Store) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// HistoryEdges returns the current edge aggregation sorted by id.
func (s *Store) HistoryEdges() []HistoryEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyEdgesLocked()
}

func (s *Store) historyEdgesLocked() []HistoryEdge {
	out := make([]HistoryEdge, 0, len(s.edges))
	for _, edge := range s.edges {
		out = append(out, cloneEdge(edge))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeerCounts returns, for one device, each history peer with the number of
// shared segments and the latest shared timestamp.
func (s *Store) PeerCounts(deviceID string) map[string]struct {
	Count  int
	LastTs float64
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]struct {
		Count  int
		LastTs float64
	}{}
	for _, edge := range s.edges {
		var peer string
		switch deviceID {
		case edge.AID:
			peer = edge.BID
		case edge.BID:
			peer = edge.AID
		default:
			continue
		}
		entry := out[peer]
		entry.Count += edge.Count
		if edge.LastTs > entry.LastTs {
			entry.LastTs = edge.LastTs
		}
		out[peer] = entry
	}
	return out
}

func edgeKey(a, b string) string {
	lo, hi := orderedPair(a, b)
	return lo + "|" + hi
}

func orderedPair(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func cloneEdge(e *HistoryEdge) HistoryEdge {
	out := *e
	out.Recent = append([]EdgeSample(nil), e.Recent...)
	return out
}
