package session

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/task"
)

// MaintenanceReport summarizes a Maintain run.
type MaintenanceReport struct {
	Evicted          int64 `json:"evicted"`
	TombstonesPruned int64 `json:"tombstones_pruned"`
	Compacted        bool  `json:"compacted"`
}

// Maintain applies retention, prunes expired tombstones and compacts the
// database file.
func (s *Session) Maintain(ctx context.Context, p Policy) (MaintenanceReport, error) {
	var rep MaintenanceReport
	evicted, err := s.store.Evict(ctx, database.EvictPolicy{Retention: p.Retention, PerFeedCap: p.PerFeedCap})
	if err != nil {
		return rep, fmt.Errorf("evict: %w", err)
	}
	rep.Evicted = evicted

	if p.TombstoneRetention > 0 {
		pruned, err := s.store.PruneTombstones(ctx, p.TombstoneRetention)
		if err != nil {
			return rep, fmt.Errorf("prune tombstones: %w", err)
		}
		rep.TombstonesPruned = pruned
	}

	if err := s.store.Compact(ctx); err != nil {
		return rep, fmt.Errorf("compact: %w", err)
	}
	rep.Compacted = true
	s.logger.Info("maintenance finished", "evicted", rep.Evicted, "tombstones_pruned", rep.TombstonesPruned)
	return rep, nil
}

// MaintenanceOperation wraps Maintain for the coordinator.
func (s *Session) MaintenanceOperation(p Policy) task.Operation {
	return task.Operation{
		Kind: task.KindMaintenance,
		Name: "maintenance",
		Run: func(ctx context.Context, _ func(task.Progress)) (any, error) {
			return s.Maintain(ctx, p)
		},
	}
}
