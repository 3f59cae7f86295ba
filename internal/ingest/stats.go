// Package ingest owns the MQTT side of the pipeline: the broker client, the
// per-message dispatcher and the running counters exposed by /stats.
package ingest

import (
	"sort"
	"sync"
)

// topicTrackMax bounds the per-topic counter table against topic explosions.
const topicTrackMax = 500

// DebugEntry is one classified message kept in the debug ring.
type DebugEntry struct {
	Ts         float64  `json:"ts"`
	Topic      string   `json:"topic"`
	Result     string   `json:"result"`
	FoundPath  string   `json:"found_path,omitempty"`
	FoundHint  string   `json:"found_hint,omitempty"`
	ParseError string   `json:"parse_error,omitempty"`
	JSONKeys   []string `json:"json_keys,omitempty"`
	Preview    string   `json:"preview,omitempty"`
	DeviceID   string   `json:"device_id,omitempty"`
}

// StatusEntry is one status-topic message kept in the status ring.
type StatusEntry struct {
	Ts      float64 `json:"ts"`
	Topic   string  `json:"topic"`
	Name    string  `json:"name,omitempty"`
	Preview string  `json:"preview,omitempty"`
}

// TopicCount pairs a topic with its message count, for the top-topics report.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int64  `json:"count"`
}

// Stats aggregates ingest counters. Safe for concurrent use.
type Stats struct {
	mu            sync.Mutex
	messagesTotal int64
	eventsDropped int64
	results       map[string]int64
	topics        map[string]int64
	debugLast     []DebugEntry
	statusLast    []StatusEntry
	debugMax      int
	statusMax     int
}

func NewStats(debugMax, statusMax int) *Stats {
	if debugMax <= 0 {
		debugMax = 50
	}
	if statusMax <= 0 {
		statusMax = 50
	}
	return &Stats{
		results:   map[string]int64{},
		topics:    map[string]int64{},
		debugMax:  debugMax,
		statusMax: statusMax,
	}
}

// CountMessage records one received MQTT message.
func (s *Stats) CountMessage(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesTotal++
	if _, tracked := s.topics[topic]; tracked || len(s.topics) < topicTrackMax {
		s.topics[topic]++
	}
}

// CountResult records one classification outcome.
func (s *Stats) CountResult(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[tag]++
}

// CountDropped records one event lost to a full channel.
func (s *Stats) CountDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsDropped++
}

// AddDebug appends to the debug ring, evicting the oldest entry at capacity.
func (s *Stats) AddDebug(e DebugEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugLast = append(s.debugLast, e)
	if len(s.debugLast) > s.debugMax {
		s.debugLast = s.debugLast[len(s.debugLast)-s.debugMax:]
	}
}

// AddStatus appends to the status ring, evicting the oldest entry at capacity.
func (s *Stats) AddStatus(e StatusEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusLast = append(s.statusLast, e)
	if len(s.statusLast) > s.statusMax {
		s.statusLast = s.statusLast[len(s.statusLast)-s.statusMax:]
	}
}

// MessagesTotal returns the total message count.
func (s *Stats) MessagesTotal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesTotal
}

// EventsDropped returns the dropped-event count.
func (s *Stats) EventsDropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsDropped
}

// ResultCounts returns a copy of the per-result counters.
func (s *Stats) ResultCounts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// TopTopics returns the n busiest topics, count descending.
func (s *Stats) TopTopics(n int) []TopicCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TopicCount, 0, len(s.topics))
	for topic, count := range s.topics {
		out = append(out, TopicCount{Topic: topic, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Topic < out[j].Topic
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// DebugLast returns a copy of the debug ring, newest last.
func (s *Stats) DebugLast() []DebugEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DebugEntry(nil), s.debugLast...)
}

// StatusLast returns a copy of the status ring, newest last.
func (s *Stats) StatusLast() []StatusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusEntry(nil), s.statusLast...)
}
