package policy

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// SnapshotStore is the persistence seam the snapshotter depends on.
type SnapshotStore interface {
	ListActiveRules(ctx context.Context, associationID uuid.UUID) ([]Rule, error)
	InsertSnapshot(ctx context.Context, associationID uuid.UUID, rules []Rule) (Snapshot, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error)
}

// Snapshotter copies the live rule store into immutable season-scoped
// snapshots. Rule edits after a snapshot never change what a season
// already agreed to: seasons evaluate against their snapshot only.
type Snapshotter struct {
	store  SnapshotStore
	logger *slog.Logger
}

// NewSnapshotter constructs a Snapshotter.
func NewSnapshotter(store SnapshotStore, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{store: store, logger: logger}
}

// CreateSnapshot deep-copies the association's currently active rules
// into a new snapshot and returns its id. Called once at season
// creation; calling it again later is the explicit re-snapshot
// operation and never mutates an existing snapshot.
func (s *Snapshotter) CreateSnapshot(ctx context.Context, associationID uuid.UUID) (uuid.UUID, error) {
	rules, err := s.store.ListActiveRules(ctx, associationID)
	if err != nil {
		return uuid.Nil, err
	}
	snapshot, err := s.store.InsertSnapshot(ctx, associationID, rules)
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("policy snapshot created",
		slog.String("snapshot_id", snapshot.ID.String()),
		slog.String("association_id", associationID.String()),
		slog.Int("rules", len(rules)))
	return snapshot.ID, nil
}

// GetSnapshot returns a frozen snapshot by id.
func (s *Snapshotter) GetSnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	return s.store.GetSnapshot(ctx, id)
}
