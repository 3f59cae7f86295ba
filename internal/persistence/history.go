package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshmap-go/internal/common/config"
	"meshmap-go/internal/common/logging"
	"meshmap-go/internal/topology"
)

// HistoryLog mirrors accepted history segments to an append-only JSONL file.
type HistoryLog struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenHistoryLog opens (or creates) the log for appending.
func OpenHistoryLog(path string) (*HistoryLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening history log: %w", err)
	}
	return &HistoryLog{path: path, f: f}, nil
}

// Append writes one segment as a JSON line. Write errors are logged, not
// propagated; the in-memory aggregation stays authoritative.
func (l *HistoryLog) Append(seg topology.Segment) {
	raw, err := json.Marshal(seg)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err := l.f.Write(append(raw, '\n')); err != nil {
		logging.Log(logging.Error, "history append failed: %v", err)
	}
}

// Rewrite replaces the log with the given segments atomically and reopens the
// append handle.
func (l *HistoryLog) Rewrite(segments []topology.Segment) error {
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".history-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating temp history file: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, seg := range segments {
		raw, err := json.Marshal(seg)
		if err != nil {
			continue
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp history file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp history file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing history file: %w", err)
	}
	if l.f != nil {
		l.f.Close()
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.f = nil
		return fmt.Errorf("reopening history log: %w", err)
	}
	l.f = f
	return nil
}

// Close releases the append handle.
func (l *HistoryLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
}

// LoadSegments reads the log, skipping malformed lines and segments older
// than the cutoff.
func LoadSegments(path string, cutoff float64) ([]topology.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening history log: %w", err)
	}
	defer f.Close()

	var out []topology.Segment
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var seg topology.Segment
		if err := json.Unmarshal(line, &seg); err != nil {
			continue
		}
		if seg.Ts < cutoff {
			continue
		}
		out = append(out, seg)
	}
	return out, scanner.Err()
}

// Compactor periodically rewrites the history log down to the live window so
// the file does not grow without bound.
type Compactor struct {
	cfg   *config.Config
	store *topology.Store
	log   *HistoryLog
	now   func() time.Time
}

func NewCompactor(cfg *config.Config, store *topology.Store, log *HistoryLog) *Compactor {
	return &Compactor{cfg: cfg, store: store, log: log, now: time.Now}
}

// Run ticks on the compact interval until cancelled.
func (c *Compactor) Run(ctx context.Context) {
	interval := c.cfg.HistoryCompactInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Compact()
		}
	}
}

// Compact performs one rewrite pass.
func (c *Compactor) Compact() {
	now := float64(c.now().UnixNano()) / float64(time.Second)
	cutoff := now - c.cfg.HistoryWindow.Seconds()
	if err := c.log.Rewrite(c.store.SegmentsWithin(cutoff)); err != nil {
		logging.Log(logging.Error, "history compaction failed: %v", err)
	}
}
