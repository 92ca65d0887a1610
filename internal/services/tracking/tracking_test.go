package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/config"
	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/notify"
)

type progressKey struct {
	userID, subsectionID int64
}

type fakeStore struct {
	rows   map[progressKey]*models.SubsectionProgress
	active int
	nextID int64
	now    func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[progressKey]*models.SubsectionProgress), now: time.Now}
}

func (f *fakeStore) StartSession(_ context.Context, userID, subsectionID int64) (*models.SubsectionProgress, error) {
	key := progressKey{userID, subsectionID}
	p, ok := f.rows[key]
	if !ok {
		f.nextID++
		p = &models.SubsectionProgress{ID: f.nextID, UserID: userID, SubsectionID: subsectionID}
		f.rows[key] = p
	}
	now := f.now()
	p.SessionStartAt = &now
	p.LastActivityAt = &now
	cp := *p
	return &cp, nil
}

func (f *fakeStore) Get(_ context.Context, userID, subsectionID int64) (*models.SubsectionProgress, error) {
	p, ok := f.rows[progressKey{userID, subsectionID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) Update(_ context.Context, userID, subsectionID int64, mutate func(p *models.SubsectionProgress) error) (*models.SubsectionProgress, error) {
	key := progressKey{userID, subsectionID}
	p, ok := f.rows[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	// Mutate a copy so an error keeps the stored row untouched, matching the
	// transactional repository.
	cp := *p
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	*p = cp
	out := cp
	return &out, nil
}

func (f *fakeStore) CountActiveSessions(context.Context, int64, time.Time) (int, error) {
	return f.active, nil
}

type fakeContent struct {
	subs map[int64]*models.Subsection
}

func (f *fakeContent) GetByID(_ context.Context, id int64) (*models.Subsection, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return sub, nil
}

type fakeSections struct{}

func (fakeSections) GetByID(_ context.Context, id int64) (*models.Section, error) {
	return &models.Section{ID: id, TopicID: 1}, nil
}

type fakeAgg struct {
	recomputes []int64
}

func (f *fakeAgg) Recompute(_ context.Context, _, sectionID int64) (*models.SectionProgress, error) {
	f.recomputes = append(f.recomputes, sectionID)
	return &models.SectionProgress{SectionID: sectionID}, nil
}

func testConfig() config.TrackingConfig {
	return config.TrackingConfig{
		MinInterval:        5 * time.Second,
		MaxInterval:        30 * time.Second,
		MaxSession:         2 * time.Hour,
		MaxParallel:        3,
		HeartbeatInterval:  10 * time.Second,
		DefaultMinTime:     30 * time.Second,
		RegularityWindow:   10,
		RegularityStdevSec: 0.5,
	}
}

type fixture struct {
	svc   *Service
	store *fakeStore
	agg   *fakeAgg
	now   time.Time
}

func newFixture(t *testing.T, subs ...*models.Subsection) *fixture {
	t.Helper()
	content := &fakeContent{subs: make(map[int64]*models.Subsection)}
	for _, s := range subs {
		content.subs[s.ID] = s
	}
	store := newFakeStore()
	agg := &fakeAgg{}
	loader := cache.NewLoader(cache.NewMemory(), zap.NewNop())
	svc := New(testConfig(), store, content, fakeSections{}, agg, loader,
		notify.New(nil, zap.NewNop()), nil, zap.NewNop())

	f := &fixture{svc: svc, store: store, agg: agg, now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc.now = func() time.Time { return f.now }
	store.now = svc.now
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestHeartbeatCreditsElapsedTime(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 60})
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, 7, 1)
	require.NoError(t, err)

	var last *HeartbeatResult
	for i := 0; i < 4; i++ {
		f.advance(8 * time.Second)
		last, err = f.svc.Heartbeat(ctx, 7, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(8), last.CreditedSeconds)
	}

	assert.Equal(t, int64(32), last.TimeSpentSeconds)
	assert.InDelta(t, 53.33, last.CompletionPercentage, 0.01)
	assert.False(t, last.IsCompleted)
}

func TestHeartbeatTooFrequentRejected(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 60})
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, 7, 1)
	require.NoError(t, err)

	f.advance(3 * time.Second)
	_, err = f.svc.Heartbeat(ctx, 7, 1)
	require.ErrorIs(t, err, errs.ErrTooFrequent)

	// The rejected beat left the row untouched: the next valid beat credits
	// from the previous accepted activity.
	f.advance(5 * time.Second)
	res, err := f.svc.Heartbeat(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.CreditedSeconds)
}

func TestHeartbeatClampsLongGaps(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 600})
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, 7, 1)
	require.NoError(t, err)

	f.advance(5 * time.Minute)
	res, err := f.svc.Heartbeat(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.CreditedSeconds)
}

func TestHeartbeatCompletionTriggersRecompute(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 20})
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, 7, 1)
	require.NoError(t, err)

	f.advance(25 * time.Second)
	res, err := f.svc.Heartbeat(ctx, 7, 1)
	require.NoError(t, err)

	assert.True(t, res.IsCompleted)
	assert.Equal(t, 100.0, res.CompletionPercentage)
	assert.Equal(t, []int64{5}, f.agg.recomputes)

	row := f.store.rows[progressKey{7, 1}]
	assert.True(t, row.IsViewed)
	require.NotNil(t, row.ViewedAt)
}

func TestHeartbeatCompletionIsMonotone(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 20})
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, 7, 1)
	require.NoError(t, err)

	f.advance(25 * time.Second)
	_, err = f.svc.Heartbeat(ctx, 7, 1)
	require.NoError(t, err)

	// Further beats keep crediting but never re-fire the completion.
	f.advance(10 * time.Second)
	res, err := f.svc.Heartbeat(ctx, 7, 1)
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)
	assert.Len(t, f.agg.recomputes, 1)
}

func TestHeartbeatWithoutSessionIsBaseline(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 60})
	ctx := context.Background()

	res, err := f.svc.Heartbeat(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.CreditedSeconds)

	f.advance(8 * time.Second)
	res, err = f.svc.Heartbeat(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.CreditedSeconds)
}

func TestHeartbeatTooManyParallelSessions(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 60})
	f.store.active = 4

	_, err := f.svc.Heartbeat(context.Background(), 7, 1)
	require.ErrorIs(t, err, errs.ErrTooManyParallel)
}

func TestHeartbeatArchivedSubsection(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, IsArchived: true})

	_, err := f.svc.Heartbeat(context.Background(), 7, 1)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEndSessionAppendsHistory(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 60})
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, 7, 1)
	require.NoError(t, err)

	f.advance(10 * time.Second)
	_, err = f.svc.Heartbeat(ctx, 7, 1)
	require.NoError(t, err)

	f.advance(time.Second)
	status, err := f.svc.EndSession(ctx, 7, 1)
	require.NoError(t, err)
	assert.False(t, status.SessionOpen)

	row := f.store.rows[progressKey{7, 1}]
	require.Len(t, row.ActivitySessions, 1)
	assert.Equal(t, int64(10), row.ActivitySessions[0].Duration)

	// Ending again is a no-op.
	_, err = f.svc.EndSession(ctx, 7, 1)
	require.NoError(t, err)
	assert.Len(t, row.ActivitySessions, 1)
}

func TestStatusZeroForUntrackedSubsection(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 60})

	status, err := f.svc.Status(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.SubsectionID)
	assert.Equal(t, int64(0), status.TimeSpentSeconds)
	assert.False(t, status.SessionOpen)
	assert.Equal(t, 10, status.NextIntervalSeconds)
}

func TestRegularityFlagsMachineBeats(t *testing.T) {
	f := newFixture(t, &models.Subsection{ID: 1, SectionID: 5, MinTimeSeconds: 3600})
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, 7, 1)
	require.NoError(t, err)

	// Perfectly even intervals fill the window with zero deviation.
	for i := 0; i < 12; i++ {
		f.advance(10 * time.Second)
		_, err = f.svc.Heartbeat(ctx, 7, 1)
		require.NoError(t, err)
	}

	row := f.store.rows[progressKey{7, 1}]
	assert.True(t, row.SuspiciousActivity)
}
