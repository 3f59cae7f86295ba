// Package persistence handles the durable side of the store: the JSON state
// file written atomically on a timer and the append-only route history log
// with periodic compaction.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"meshmap-go/internal/common/config"
	"meshmap-go/internal/common/logging"
	"meshmap-go/internal/topology"
)

// SaveState writes the export atomically: temp file in the same directory,
// then rename.
func SaveState(path string, st topology.StateExport) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// LoadState reads a previously saved export. A missing file is not an error;
// the zero export is returned.
func LoadState(path string) (topology.StateExport, error) {
	var st topology.StateExport
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return topology.StateExport{}, fmt.Errorf("parsing state file: %w", err)
	}
	return st, nil
}

// Saver flushes the store to disk when dirty.
type Saver struct {
	cfg   *config.Config
	store *topology.Store
	now   func() time.Time
}

func NewSaver(cfg *config.Config, store *topology.Store) *Saver {
	return &Saver{cfg: cfg, store: store, now: time.Now}
}

// Run ticks on the save interval until cancelled, then performs a final save.
func (s *Saver) Run(ctx context.Context) {
	interval := s.cfg.StateSaveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.SaveNow()
			return
		case <-ticker.C:
			if s.store.Dirty() {
				s.SaveNow()
			}
		}
	}
}

// SaveNow performs one save pass regardless of the dirty flag.
func (s *Saver) SaveNow() {
	now := float64(s.now().UnixNano()) / float64(time.Second)
	if err := SaveState(s.cfg.StateFile, s.store.ExportState(now)); err != nil {
		logging.Log(logging.Error, "state save failed: %v", err)
		return
	}
	s.store.ClearDirty()
}
