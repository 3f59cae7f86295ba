package broadcast

import (
	"context"
	"time"

	"meshmap-go/internal/common/config"
	"meshmap-go/internal/topology"
)

const reapInterval = 5 * time.Second

// Reaper periodically expires devices, routes, history edges, heat and cache
// entries, broadcasting removals so clients stay consistent.
type Reaper struct {
	cfg   *config.Config
	store *topology.Store
	hub   *Hub
	now   func() time.Time
}

func NewReaper(cfg *config.Config, store *topology.Store, hub *Hub) *Reaper {
	return &Reaper{cfg: cfg, store: store, hub: hub, now: time.Now}
}

// Run ticks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one reap pass.
func (r *Reaper) Sweep() {
	now := float64(r.now().UnixNano()) / float64(time.Second)

	if stale := r.store.EvictExpired(now); len(stale) > 0 {
		r.hub.Broadcast(map[string]any{"type": "stale", "device_ids": stale})
	}
	if ids := r.store.RemoveZeroPointRoutes(); len(ids) > 0 {
		r.hub.Broadcast(map[string]any{"type": "route_remove", "route_ids": ids})
	}
	if ids := r.store.ExpireRoutes(now); len(ids) > 0 {
		r.hub.Broadcast(map[string]any{"type": "route_remove", "route_ids": ids})
	}
	if removed := r.store.PruneHistory(now); len(removed) > 0 {
		r.hub.Broadcast(map[string]any{"type": "history_edges_remove", "edge_ids": removed})
	}
	r.store.TruncateHeat(now)
	r.store.ExpireOrigins(now)
	r.store.PrunePresence(now)
}
