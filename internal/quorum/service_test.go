package quorum

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type ackKey struct {
	requestID uuid.UUID
	familyID  uuid.UUID
}

type memoryQuorumStore struct {
	requests   map[uuid.UUID]Request
	acks       map[ackKey]Acknowledgment
	families   map[uuid.UUID]map[uuid.UUID]bool
	budgets    map[uuid.UUID]int64
	thresholds map[uuid.UUID]ThresholdConfig
}

func newMemoryQuorumStore() *memoryQuorumStore {
	return &memoryQuorumStore{
		requests:   make(map[uuid.UUID]Request),
		acks:       make(map[ackKey]Acknowledgment),
		families:   make(map[uuid.UUID]map[uuid.UUID]bool),
		budgets:    make(map[uuid.UUID]int64),
		thresholds: make(map[uuid.UUID]ThresholdConfig),
	}
}

func (m *memoryQuorumStore) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (m *memoryQuorumStore) InsertRequest(_ context.Context, _ pgx.Tx, req Request) (Request, error) {
	req.ID = uuid.New()
	req.CreatedAt = time.Now()
	m.requests[req.ID] = req
	return req, nil
}

func (m *memoryQuorumStore) GetRequest(_ context.Context, id uuid.UUID) (Request, error) {
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return req, nil
}

func (m *memoryQuorumStore) GetRequestForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (Request, error) {
	return m.GetRequest(ctx, id)
}

func (m *memoryQuorumStore) UpdateRequestProgress(_ context.Context, _ pgx.Tx, req Request) error {
	if _, ok := m.requests[req.ID]; !ok {
		return ErrRequestNotFound
	}
	m.requests[req.ID] = req
	return nil
}

func (m *memoryQuorumStore) UpsertAcknowledgment(_ context.Context, _ pgx.Tx, ack Acknowledgment) (Acknowledgment, error) {
	key := ackKey{requestID: ack.RequestID, familyID: ack.FamilyID}
	existing, ok := m.acks[key]
	if !ok {
		ack.ID = uuid.New()
		ack.CreatedAt = time.Now()
		ack.UpdatedAt = ack.CreatedAt
		m.acks[key] = ack
		return ack, nil
	}
	// Mirror the one-way SQL upsert: acknowledged never flips back and
	// the first timestamps win.
	existing.Acknowledged = existing.Acknowledged || ack.Acknowledged
	if existing.ViewedAt == nil {
		existing.ViewedAt = ack.ViewedAt
	}
	if existing.AcknowledgedAt == nil {
		existing.AcknowledgedAt = ack.AcknowledgedAt
	}
	existing.UpdatedAt = time.Now()
	m.acks[key] = existing
	return existing, nil
}

func (m *memoryQuorumStore) CountAcknowledged(_ context.Context, _ pgx.Tx, requestID uuid.UUID) (int, error) {
	count := 0
	for key, ack := range m.acks {
		if key.requestID == requestID && ack.Acknowledged {
			count++
		}
	}
	return count, nil
}

func (m *memoryQuorumStore) FamilyEligible(_ context.Context, _ pgx.Tx, teamID, familyID uuid.UUID) (bool, error) {
	return m.families[teamID][familyID], nil
}

func (m *memoryQuorumStore) BudgetTotal(_ context.Context, _ pgx.Tx, versionID uuid.UUID) (int64, error) {
	return m.budgets[versionID], nil
}

func (m *memoryQuorumStore) ThresholdFor(_ context.Context, _ pgx.Tx, teamID uuid.UUID) (ThresholdConfig, error) {
	threshold, ok := m.thresholds[teamID]
	if !ok {
		return DefaultThreshold, nil
	}
	return threshold, nil
}

func (m *memoryQuorumStore) ListAcknowledgments(_ context.Context, requestID uuid.UUID) ([]Acknowledgment, error) {
	var out []Acknowledgment
	for key, ack := range m.acks {
		if key.requestID == requestID {
			out = append(out, ack)
		}
	}
	return out, nil
}

func (m *memoryQuorumStore) ListRequestsForSeason(_ context.Context, seasonID uuid.UUID) ([]Request, error) {
	var out []Request
	for _, req := range m.requests {
		if req.SeasonID == seasonID {
			out = append(out, req)
		}
	}
	return out, nil
}

type recordingLocker struct {
	calls []uuid.UUID
	// stale simulates a season that left PRESENTED while
	// acknowledgments were still arriving.
	stale bool
}

func (l *recordingLocker) LockFromQuorum(_ context.Context, _ pgx.Tx, seasonID, _ uuid.UUID) (bool, error) {
	l.calls = append(l.calls, seasonID)
	return !l.stale, nil
}

type recordingNotifier struct {
	completed []Request
}

func (n *recordingNotifier) ApprovalCompleted(_ context.Context, req Request) error {
	n.completed = append(n.completed, req)
	return nil
}

type quorumFixture struct {
	store    *memoryQuorumStore
	locker   *recordingLocker
	notifier *recordingNotifier
	tracker  *Tracker
	teamID   uuid.UUID
	families []uuid.UUID
}

func newQuorumFixture(t *testing.T, familyCount int) *quorumFixture {
	t.Helper()
	f := &quorumFixture{
		store:    newMemoryQuorumStore(),
		locker:   &recordingLocker{},
		notifier: &recordingNotifier{},
		teamID:   uuid.New(),
	}
	f.store.families[f.teamID] = make(map[uuid.UUID]bool)
	for i := 0; i < familyCount; i++ {
		familyID := uuid.New()
		f.store.families[f.teamID][familyID] = true
		f.families = append(f.families, familyID)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.tracker = NewTracker(f.store, f.locker, rosterOf{count: familyCount}, f.notifier, logger)
	return f
}

type rosterOf struct {
	count int
}

func (r rosterOf) EligibleFamilyCount(context.Context, uuid.UUID) (int, error) {
	return r.count, nil
}

func (f *quorumFixture) openRequest(t *testing.T, requestType RequestType) Request {
	t.Helper()
	versionID := uuid.New()
	f.store.budgets[versionID] = 18_500_00
	req, err := f.tracker.OpenRequest(context.Background(), nil, OpenRequestInput{
		SeasonID:        uuid.New(),
		TeamID:          f.teamID,
		BudgetVersionID: versionID,
		Type:            requestType,
	})
	require.NoError(t, err)
	return req
}

func TestOpenRequest(t *testing.T) {
	f := newQuorumFixture(t, 18)
	req := f.openRequest(t, RequestInitial)

	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, 18, req.RequiredCount)
	require.Zero(t, req.AcknowledgedCount)
	require.Equal(t, int64(18_500_00), req.BudgetTotal, "budget total is frozen at open time")
}

func TestOpenRequestRejectsUnknownType(t *testing.T) {
	f := newQuorumFixture(t, 3)
	_, err := f.tracker.OpenRequest(context.Background(), nil, OpenRequestInput{
		SeasonID: uuid.New(), TeamID: f.teamID, BudgetVersionID: uuid.New(),
		Type: RequestType("PETITION"),
	})
	require.Error(t, err)
}

func TestOpenRequestRequiresEligibleFamilies(t *testing.T) {
	f := newQuorumFixture(t, 0)
	_, err := f.tracker.OpenRequest(context.Background(), nil, OpenRequestInput{
		SeasonID: uuid.New(), TeamID: f.teamID, BudgetVersionID: uuid.New(),
		Type: RequestInitial,
	})
	require.Error(t, err)
}

func TestQuorumCompletesOnFinalAcknowledgment(t *testing.T) {
	f := newQuorumFixture(t, 18)
	req := f.openRequest(t, RequestInitial)

	for i, familyID := range f.families[:17] {
		progress, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
			RequestID: req.ID, FamilyID: familyID, Acknowledged: true,
		})
		require.NoError(t, err)
		require.Equal(t, StatusPending, progress.Status, "ack %d of 18", i+1)
		require.Equal(t, i+1, progress.AcknowledgedCount)
		require.Equal(t, 18-(i+1), progress.Remaining)
	}
	require.Empty(t, f.locker.calls, "season must not lock before quorum")
	require.Empty(t, f.notifier.completed)

	progress, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: f.families[17], Acknowledged: true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, progress.Status)
	require.True(t, progress.Completed)
	require.Zero(t, progress.Remaining)

	require.Equal(t, []uuid.UUID{req.SeasonID}, f.locker.calls)
	require.Len(t, f.notifier.completed, 1)
	require.Equal(t, req.ID, f.notifier.completed[0].ID)

	stored := f.store.requests[req.ID]
	require.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestRepeatAcknowledgmentIsIdempotent(t *testing.T) {
	f := newQuorumFixture(t, 3)
	req := f.openRequest(t, RequestInitial)
	familyID := f.families[0]

	first, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: familyID, Acknowledged: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.AcknowledgedCount)

	again, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: familyID, Acknowledged: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, again.AcknowledgedCount, "count never double-increments")
}

func TestAcknowledgedCountCappedByRequirement(t *testing.T) {
	f := newQuorumFixture(t, 2)
	req := f.openRequest(t, RequestInitial)

	for _, familyID := range f.families {
		_, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
			RequestID: req.ID, FamilyID: familyID, Acknowledged: true,
		})
		require.NoError(t, err)
	}
	require.Equal(t, StatusCompleted, f.store.requests[req.ID].Status)

	// A family that joined the roster after presentation can still
	// respond, but the requirement was frozen at open time.
	lateFamily := uuid.New()
	f.store.families[f.teamID][lateFamily] = true
	progress, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: lateFamily, Acknowledged: true,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, progress.AcknowledgedCount, progress.RequiredCount)
	require.Equal(t, 2, progress.AcknowledgedCount)
	require.Equal(t, StatusCompleted, progress.Status)
	require.Equal(t, 2, f.store.requests[req.ID].AcknowledgedCount)
	require.Len(t, f.locker.calls, 1, "completion fires once")
}

func TestStaleRequestKeepsFinalAcknowledgment(t *testing.T) {
	f := newQuorumFixture(t, 2)
	f.locker.stale = true
	req := f.openRequest(t, RequestInitial)

	for i, familyID := range f.families {
		progress, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
			RequestID: req.ID, FamilyID: familyID, Acknowledged: true,
		})
		require.NoError(t, err, "a re-drafted season must not bounce the family's response")
		require.Equal(t, i+1, progress.AcknowledgedCount)
	}

	require.Len(t, f.locker.calls, 1)
	require.Equal(t, 2, f.store.requests[req.ID].AcknowledgedCount, "the tipping acknowledgment is persisted")
	require.Equal(t, StatusCompleted, f.store.requests[req.ID].Status)
	require.Empty(t, f.notifier.completed, "no approval mail for a budget that was pulled back")
}

func TestViewedThenUnackedNeverRegresses(t *testing.T) {
	f := newQuorumFixture(t, 2)
	req := f.openRequest(t, RequestInitial)
	familyID := f.families[0]

	progress, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: familyID, Acknowledged: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, progress.AcknowledgedCount)

	// A later view-only ping cannot withdraw the acknowledgment.
	progress, err = f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: familyID, Viewed: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, progress.AcknowledgedCount)

	acks, err := f.tracker.ListAcknowledgments(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	require.True(t, acks[0].Acknowledged)
	require.NotNil(t, acks[0].AcknowledgedAt)
}

func TestViewWithoutAcknowledgment(t *testing.T) {
	f := newQuorumFixture(t, 2)
	req := f.openRequest(t, RequestInitial)

	progress, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: f.families[0], Viewed: true,
	})
	require.NoError(t, err)
	require.Zero(t, progress.AcknowledgedCount)
	require.Equal(t, StatusPending, progress.Status)

	acks, err := f.tracker.ListAcknowledgments(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	require.False(t, acks[0].Acknowledged)
	require.NotNil(t, acks[0].ViewedAt)
	require.Nil(t, acks[0].AcknowledgedAt)
}

func TestPercentThreshold(t *testing.T) {
	f := newQuorumFixture(t, 10)
	f.store.thresholds[f.teamID] = ThresholdConfig{Mode: ModePercent, PercentThreshold: 6700}
	req := f.openRequest(t, RequestInitial)

	for _, familyID := range f.families[:6] {
		progress, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
			RequestID: req.ID, FamilyID: familyID, Acknowledged: true,
		})
		require.NoError(t, err)
		require.Equal(t, StatusPending, progress.Status)
	}

	progress, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: f.families[6], Acknowledged: true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, progress.Status, "7 of 10 clears a 67 percent threshold")
	require.Len(t, f.locker.calls, 1)
}

func TestReportCompletionNeverLocks(t *testing.T) {
	f := newQuorumFixture(t, 2)
	req := f.openRequest(t, RequestReport)

	for _, familyID := range f.families {
		_, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
			RequestID: req.ID, FamilyID: familyID, Acknowledged: true,
		})
		require.NoError(t, err)
	}

	require.Equal(t, StatusCompleted, f.store.requests[req.ID].Status)
	require.Empty(t, f.locker.calls, "report receipts never drive the season")
	require.Len(t, f.notifier.completed, 1)
}

func TestExpiredRequestRejectsAcknowledgments(t *testing.T) {
	f := newQuorumFixture(t, 3)
	req := f.openRequest(t, RequestInitial)

	deadline := time.Now().Add(-time.Hour)
	stored := f.store.requests[req.ID]
	stored.ExpiresAt = &deadline
	f.store.requests[req.ID] = stored

	_, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: f.families[0], Acknowledged: true,
	})
	require.ErrorIs(t, err, ErrRequestExpired)

	progress, err := f.tracker.GetProgress(context.Background(), req.ID)
	require.NoError(t, err)
	require.True(t, progress.Expired)
	require.Equal(t, StatusPending, progress.Status, "expiry never transitions status by itself")
}

func TestIneligibleFamilyRejected(t *testing.T) {
	f := newQuorumFixture(t, 3)
	req := f.openRequest(t, RequestInitial)

	_, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: req.ID, FamilyID: uuid.New(), Acknowledged: true,
	})
	require.ErrorIs(t, err, ErrFamilyNotEligible)
}

func TestRecordAcknowledgmentUnknownRequest(t *testing.T) {
	f := newQuorumFixture(t, 3)
	_, err := f.tracker.RecordAcknowledgment(context.Background(), AckInput{
		RequestID: uuid.New(), FamilyID: f.families[0], Acknowledged: true,
	})
	require.ErrorIs(t, err, ErrRequestNotFound)
}

func TestThresholdMet(t *testing.T) {
	count := ThresholdConfig{Mode: ModeCount}
	require.False(t, count.Met(17, 18))
	require.True(t, count.Met(18, 18))
	require.False(t, count.Met(5, 0), "zero required never completes")

	percent := ThresholdConfig{Mode: ModePercent, PercentThreshold: 6700}
	require.False(t, percent.Met(6, 10))
	require.True(t, percent.Met(7, 10))
	require.True(t, percent.Met(10, 10))

	// Percent mode without a configured threshold means everyone, not
	// anyone.
	unset := ThresholdConfig{Mode: ModePercent}
	require.False(t, unset.Met(1, 10))
	require.False(t, unset.Met(9, 10))
	require.True(t, unset.Met(10, 10))
}
