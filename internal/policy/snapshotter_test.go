package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memorySnapshotStore struct {
	live      map[uuid.UUID][]Rule
	snapshots map[uuid.UUID]Snapshot
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{
		live:      make(map[uuid.UUID][]Rule),
		snapshots: make(map[uuid.UUID]Snapshot),
	}
}

func (m *memorySnapshotStore) ListActiveRules(_ context.Context, associationID uuid.UUID) ([]Rule, error) {
	var active []Rule
	for _, rule := range m.live[associationID] {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

func (m *memorySnapshotStore) InsertSnapshot(_ context.Context, associationID uuid.UUID, rules []Rule) (Snapshot, error) {
	// Freeze through the wire form the way the SQL store does, so the
	// snapshot cannot alias the live rule slice.
	raw, err := EncodeSnapshotRules(rules)
	if err != nil {
		return Snapshot{}, err
	}
	frozen, err := DecodeSnapshotRules(raw)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{
		ID:            uuid.New(),
		AssociationID: associationID,
		Rules:         frozen,
		CreatedAt:     time.Now(),
	}
	m.snapshots[snapshot.ID] = snapshot
	return snapshot, nil
}

func (m *memorySnapshotStore) GetSnapshot(_ context.Context, id uuid.UUID) (Snapshot, error) {
	snapshot, ok := m.snapshots[id]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snapshot, nil
}

func testSnapshotter(store SnapshotStore) *Snapshotter {
	return NewSnapshotter(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateSnapshotCopiesActiveRules(t *testing.T) {
	store := newMemorySnapshotStore()
	associationID := uuid.New()
	store.live[associationID] = []Rule{
		{ID: uuid.New(), Name: "budget cap", RuleType: RuleMaxBudget, Config: MaxBudgetConfig{MaxAmount: 20_000_00}, Active: true},
		{ID: uuid.New(), Name: "retired rule", RuleType: RuleMaxBuyout, Config: MaxBuyoutConfig{MaxAmount: 500_00}, Active: false},
	}
	snapshotter := testSnapshotter(store)

	snapshotID, err := snapshotter.CreateSnapshot(context.Background(), associationID)
	require.NoError(t, err)

	snapshot, err := snapshotter.GetSnapshot(context.Background(), snapshotID)
	require.NoError(t, err)
	require.Equal(t, associationID, snapshot.AssociationID)
	require.Len(t, snapshot.Rules, 1, "inactive rules are not copied")
	require.Equal(t, "budget cap", snapshot.Rules[0].Name)
}

func TestSnapshotImmutableUnderRuleEdits(t *testing.T) {
	store := newMemorySnapshotStore()
	associationID := uuid.New()
	ruleID := uuid.New()
	store.live[associationID] = []Rule{
		{ID: ruleID, Name: "budget cap", RuleType: RuleMaxBudget, Config: MaxBudgetConfig{MaxAmount: 20_000_00}, Active: true},
	}
	snapshotter := testSnapshotter(store)

	snapshotID, err := snapshotter.CreateSnapshot(context.Background(), associationID)
	require.NoError(t, err)

	// Tighten the live rule after the season took its snapshot.
	store.live[associationID][0].Config = MaxBudgetConfig{MaxAmount: 15_000_00}

	snapshot, err := snapshotter.GetSnapshot(context.Background(), snapshotID)
	require.NoError(t, err)
	require.Equal(t, MaxBudgetConfig{MaxAmount: 20_000_00}, snapshot.Rules[0].Config)

	// A re-snapshot picks up the edit but leaves the first one alone.
	secondID, err := snapshotter.CreateSnapshot(context.Background(), associationID)
	require.NoError(t, err)
	require.NotEqual(t, snapshotID, secondID)

	second, err := snapshotter.GetSnapshot(context.Background(), secondID)
	require.NoError(t, err)
	require.Equal(t, MaxBudgetConfig{MaxAmount: 15_000_00}, second.Rules[0].Config)

	first, err := snapshotter.GetSnapshot(context.Background(), snapshotID)
	require.NoError(t, err)
	require.Equal(t, MaxBudgetConfig{MaxAmount: 20_000_00}, first.Rules[0].Config)
}

func TestGetSnapshotUnknown(t *testing.T) {
	snapshotter := testSnapshotter(newMemorySnapshotStore())
	_, err := snapshotter.GetSnapshot(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}
