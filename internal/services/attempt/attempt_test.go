package attempt

import (
	"context"
	"sort"
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
	"github.com/terminal-bench/studytrack/internal/repository"
	"github.com/terminal-bench/studytrack/internal/services/availability"
)

type attemptPair struct {
	userID, testID int64
}

type fakeAttemptStore struct {
	rows      map[int64]*models.TestAttempt
	nextID    int64
	conflicts int // consumed by Start to simulate lost numbering races
	now       func() time.Time

	cleanupCalls []string
}

func newFakeAttemptStore() *fakeAttemptStore {
	return &fakeAttemptStore{rows: make(map[int64]*models.TestAttempt), now: time.Now}
}

func (f *fakeAttemptStore) pairRows(userID, testID int64) []*models.TestAttempt {
	var out []*models.TestAttempt
	for _, a := range f.rows {
		if a.UserID == userID && a.TestID == testID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

func (f *fakeAttemptStore) Start(ctx context.Context, userID, testID int64, maxAttempts int, duration time.Duration, compose repository.ComposeFunc) (*models.TestAttempt, error) {
	if f.conflicts > 0 {
		f.conflicts--
		return nil, errs.ErrConflict
	}
	existing := f.pairRows(userID, testID)
	for _, a := range existing {
		if a.Status == models.AttemptInProgress {
			return nil, errs.ErrAlreadyInProgress
		}
	}
	if maxAttempts > 0 && len(existing) >= maxAttempts {
		return nil, errs.ErrNoAttemptsLeft
	}

	f.nextID++
	now := f.now()
	a := &models.TestAttempt{
		ID:             f.nextID,
		UserID:         userID,
		TestID:         testID,
		AttemptNumber:  len(existing) + 1,
		Status:         models.AttemptInProgress,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if duration > 0 {
		exp := now.Add(duration)
		a.ExpiresAt = &exp
	}
	cfg, err := compose(ctx, a.ID, a.AttemptNumber)
	if err != nil {
		return nil, err
	}
	a.RandomizedConfig = cfg
	f.rows[a.ID] = a
	cp := *a
	return &cp, nil
}

func (f *fakeAttemptStore) GetByID(_ context.Context, id int64) (*models.TestAttempt, error) {
	a, ok := f.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAttemptStore) mutateRow(id int64, mutate func(a *models.TestAttempt) error) (*models.TestAttempt, error) {
	a, ok := f.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *a
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	*a = cp
	out := cp
	return &out, nil
}

func (f *fakeAttemptStore) Touch(_ context.Context, id int64, mutate func(a *models.TestAttempt) error) (*models.TestAttempt, error) {
	return f.mutateRow(id, mutate)
}

func (f *fakeAttemptStore) Finish(_ context.Context, id int64, mutate func(a *models.TestAttempt) error) (*models.TestAttempt, error) {
	return f.mutateRow(id, mutate)
}

func (f *fakeAttemptStore) DeleteLast(_ context.Context, userID, testID int64) (*models.TestAttempt, error) {
	rows := f.pairRows(userID, testID)
	if len(rows) == 0 {
		return nil, errs.ErrNotFound
	}
	last := rows[len(rows)-1]
	delete(f.rows, last.ID)
	cp := *last
	return &cp, nil
}

func (f *fakeAttemptStore) ListByUserAndTest(_ context.Context, userID, testID int64) ([]models.TestAttempt, error) {
	rows := f.pairRows(userID, testID)
	out := make([]models.TestAttempt, 0, len(rows))
	for _, a := range rows {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeAttemptStore) ExpireOverdue(context.Context, time.Time) (int64, error) {
	f.cleanupCalls = append(f.cleanupCalls, "expire_overdue")
	return 2, nil
}

func (f *fakeAttemptStore) ExtendNearDeadline(context.Context, time.Time, time.Duration, time.Duration, int) (int64, error) {
	f.cleanupCalls = append(f.cleanupCalls, "extend_near_deadline")
	return 1, nil
}

func (f *fakeAttemptStore) DeleteStaleStarted(context.Context, time.Time) (int64, error) {
	f.cleanupCalls = append(f.cleanupCalls, "delete_stale_started")
	return 0, nil
}

func (f *fakeAttemptStore) ExpireInactive(context.Context, time.Time) (int64, error) {
	f.cleanupCalls = append(f.cleanupCalls, "expire_inactive")
	return 0, nil
}

type fakeTests struct {
	tests map[int64]*models.Test
}

func (f *fakeTests) GetByID(_ context.Context, id int64) (*models.Test, error) {
	t, ok := f.tests[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

type fakeSections struct{}

func (fakeSections) GetByID(_ context.Context, id int64) (*models.Section, error) {
	return &models.Section{ID: id, TopicID: 1}, nil
}

type fakeBank struct {
	questions map[int64]models.Question
}

func (f *fakeBank) GetByIDs(_ context.Context, ids []int64) (map[int64]models.Question, error) {
	out := make(map[int64]models.Question, len(ids))
	for _, id := range ids {
		if q, ok := f.questions[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

type fakeComposer struct {
	ids   []int64
	order map[string][]int
}

func (f *fakeComposer) Compose(_ context.Context, _ *models.Test, attemptID int64) (models.RandomizedConfig, error) {
	return models.RandomizedConfig{Seed: attemptID, QuestionIDs: f.ids, OptionOrder: f.order}, nil
}

type fakeResolver struct {
	decision availability.Decision
}

func (f *fakeResolver) CanStartTest(context.Context, int64, models.Role, int64) (availability.Decision, error) {
	return f.decision, nil
}

type fakeOracle struct {
	manages bool
}

func (f *fakeOracle) CanManageTopic(context.Context, int64, models.Role, int64) (bool, error) {
	return f.manages, nil
}

type fakeAgg struct {
	sections []int64
	topics   []int64
}

func (f *fakeAgg) Recompute(_ context.Context, _, sectionID int64) (*models.SectionProgress, error) {
	f.sections = append(f.sections, sectionID)
	return &models.SectionProgress{SectionID: sectionID}, nil
}

func (f *fakeAgg) RecomputeTopic(_ context.Context, _, topicID int64) (*models.TopicProgress, error) {
	f.topics = append(f.topics, topicID)
	return &models.TopicProgress{TopicID: topicID}, nil
}

func engineConfig() config.TestConfig {
	return config.TestConfig{
		SectionCompletionThreshold: 80,
		MaxAutoExtends:             3,
		ExtendStep:                 5 * time.Minute,
		ExtendMargin:               2 * time.Minute,
	}
}

type fixture struct {
	svc      *Service
	store    *fakeAttemptStore
	tests    *fakeTests
	bank     *fakeBank
	composer *fakeComposer
	resolver *fakeResolver
	oracle   *fakeOracle
	agg      *fakeAgg
	now      time.Time
}

func newFixture(t *testing.T, tests ...*models.Test) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeAttemptStore(),
		tests:    &fakeTests{tests: make(map[int64]*models.Test)},
		bank:     &fakeBank{questions: make(map[int64]models.Question)},
		composer: &fakeComposer{ids: []int64{1, 2, 3}},
		resolver: &fakeResolver{decision: availability.Decision{Available: true}},
		oracle:   &fakeOracle{manages: true},
		agg:      &fakeAgg{},
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	for _, tt := range tests {
		f.tests.tests[tt.ID] = tt
	}
	loader := cache.NewLoader(cache.NewMemory(), zap.NewNop())
	f.svc = New(engineConfig(), config.CleanupConfig{StaleAge: 24 * time.Hour, WarnWindow: 2 * time.Minute},
		f.store, f.tests, fakeSections{}, f.bank, f.composer, f.resolver, f.oracle, f.agg,
		loader, notify.New(nil, zap.NewNop()), nil, zap.NewNop())
	f.svc.now = func() time.Time { return f.now }
	f.store.now = f.svc.now
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func sectionTest(id int64, typ models.TestType) *models.Test {
	sectionID := int64(5)
	return &models.Test{ID: id, Type: typ, SectionID: &sectionID, DurationSeconds: 600, MaxAttempts: 3}
}

func TestStartFreezesQuestionSet(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))

	a, err := f.svc.Start(context.Background(), 7, models.RoleStudent, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, a.AttemptNumber)
	assert.Equal(t, models.AttemptInProgress, a.Status)
	assert.Equal(t, []int64{1, 2, 3}, a.RandomizedConfig.QuestionIDs)
	require.NotNil(t, a.ExpiresAt)
	assert.Equal(t, f.now.Add(10*time.Minute), *a.ExpiresAt)
}

func TestStartDeniedByResolver(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	f.resolver.decision = availability.Decision{Available: false, Reason: availability.ReasonMaterialsUnviewed}

	_, err := f.svc.Start(context.Background(), 7, models.RoleStudent, 10)
	require.ErrorIs(t, err, errs.ErrNotAvailable)

	var de *errs.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, availability.ReasonMaterialsUnviewed, de.Details["reason"])
}

func TestStartArchivedTest(t *testing.T) {
	archived := sectionTest(10, models.TestHinted)
	archived.IsArchived = true
	f := newFixture(t, archived)

	_, err := f.svc.Start(context.Background(), 7, models.RoleStudent, 10)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStartRetriesNumberingConflict(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	f.store.conflicts = 1

	a, err := f.svc.Start(context.Background(), 7, models.RoleStudent, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, a.AttemptNumber)

	// A second consecutive conflict is not retried again.
	f.store.conflicts = 2
	_, err = f.svc.Start(context.Background(), 8, models.RoleStudent, 10)
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestStartRejectsParallelAttempt(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	ctx := context.Background()

	_, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.ErrorIs(t, err, errs.ErrAlreadyInProgress)
}

func TestStartAttemptLimit(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	f.bank.questions[1] = question(1, models.QuestionTextInput, `"a"`)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, 7, a.ID, nil, 0)
		require.NoError(t, err)
	}

	_, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.ErrorIs(t, err, errs.ErrNoAttemptsLeft)
}

func TestHeartbeatAutoExtendCapped(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	// Deadline t+10m, margin 2m, step 5m: beats at 9m, 14m and 19m each land
	// inside the margin and push the deadline out by one step.
	deadlines := []time.Duration{15 * time.Minute, 20 * time.Minute, 25 * time.Minute}
	beats := []time.Duration{9 * time.Minute, 14 * time.Minute, 19 * time.Minute}
	start := f.now
	for i, at := range beats {
		f.now = start.Add(at)
		res, err := f.svc.Heartbeat(ctx, 7, a.ID, nil)
		require.NoError(t, err)
		assert.True(t, res.Extended)
		assert.Equal(t, i+1, res.AutoExtendCount)
		assert.Equal(t, start.Add(deadlines[i]), *f.store.rows[a.ID].ExpiresAt)
	}

	// The cap holds: a fourth beat inside the margin no longer extends.
	f.now = start.Add(24 * time.Minute)
	res, err := f.svc.Heartbeat(ctx, 7, a.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Extended)
	assert.Equal(t, 3, res.AutoExtendCount)

	f.now = start.Add(26 * time.Minute)
	_, err = f.svc.Heartbeat(ctx, 7, a.ID, nil)
	require.ErrorIs(t, err, errs.ErrExpired)
}

func TestHeartbeatSavesDraft(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	f.advance(time.Minute)
	draft := models.Answers{"1": raw(`"b"`)}
	res, err := f.svc.Heartbeat(ctx, 7, a.ID, draft)
	require.NoError(t, err)

	assert.True(t, res.SavedDraft)
	assert.Equal(t, 9*60, res.RemainingSeconds)

	row := f.store.rows[a.ID]
	assert.Equal(t, draft, row.DraftAnswers)
	require.NotNil(t, row.LastSaveAt)

	// A beat without a draft keeps the saved one.
	res, err = f.svc.Heartbeat(ctx, 7, a.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.SavedDraft)
	assert.Equal(t, draft, f.store.rows[a.ID].DraftAnswers)
}

func TestHeartbeatWrongOwner(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	_, err = f.svc.Heartbeat(ctx, 8, a.ID, nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubmitGradesFrozenSet(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestSectionFinal))
	f.bank.questions[1] = question(1, models.QuestionSingleChoice, `"a"`)
	f.bank.questions[2] = question(2, models.QuestionTextInput, `"two"`)
	f.bank.questions[3] = question(3, models.QuestionTextInput, `"three"`)
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	f.advance(time.Minute)
	done, err := f.svc.Submit(ctx, 7, a.ID, models.Answers{
		"1": raw(`"a"`),
		"2": raw(`"TWO"`),
		"3": raw(`"wrong"`),
	}, 60)
	require.NoError(t, err)

	assert.Equal(t, models.AttemptCompleted, done.Status)
	require.NotNil(t, done.Score)
	assert.Equal(t, 67.0, *done.Score)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, []int64{5}, f.agg.sections)
}

func TestSubmitTerminalRejected(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, 7, a.ID, nil, 0)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, 7, a.ID, nil, 0)
	require.ErrorIs(t, err, errs.ErrAlreadySubmitted)

	f.store.rows[a.ID].Status = models.AttemptExpired
	_, err = f.svc.Submit(ctx, 7, a.ID, nil, 0)
	require.ErrorIs(t, err, errs.ErrExpired)
}

func TestSubmitPastDeadline(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	f.advance(11 * time.Minute)
	_, err = f.svc.Submit(ctx, 7, a.ID, models.Answers{"1": raw(`"a"`)}, 0)
	require.ErrorIs(t, err, errs.ErrExpired)

	// The row is left for the cleanup scheduler to expire.
	assert.Equal(t, models.AttemptInProgress, f.store.rows[a.ID].Status)
	assert.Nil(t, f.store.rows[a.ID].Score)
}

func TestGetViewFrozenOrderAndHints(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	f.composer.ids = []int64{3, 1, 2}
	f.composer.order = map[string][]int{"1": {2, 0, 1}}
	f.bank.questions[1] = models.Question{ID: 1, Type: models.QuestionSingleChoice,
		Options: models.StringList{"a", "b", "c"}, Hint: "think again"}
	f.bank.questions[2] = models.Question{ID: 2, Type: models.QuestionTextInput}
	f.bank.questions[3] = models.Question{ID: 3, Type: models.QuestionTextInput}
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	view, err := f.svc.Get(ctx, 7, a.ID)
	require.NoError(t, err)

	require.Len(t, view.Questions, 3)
	assert.Equal(t, int64(3), view.Questions[0].ID)
	assert.Equal(t, int64(1), view.Questions[1].ID)
	assert.Equal(t, []string{"c", "a", "b"}, view.Questions[1].Options)
	assert.Equal(t, "think again", view.Questions[1].Hint)
	assert.Equal(t, 600, view.RemainingSeconds)
}

func TestGetViewHidesHintsOnFinals(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestSectionFinal))
	f.composer.ids = []int64{1}
	f.bank.questions[1] = models.Question{ID: 1, Type: models.QuestionSingleChoice, Hint: "secret"}
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	view, err := f.svc.Get(ctx, 7, a.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Questions[0].Hint)
}

func TestGetViewWrongOwner(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, 8, a.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResetLastDeletesNewestAttempt(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, 7, a.ID, nil, 0)
		require.NoError(t, err)
	}

	deleted, err := f.svc.ResetLast(ctx, 99, models.RoleTeacher, 10, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted.AttemptNumber)

	left, err := f.svc.List(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 1, left[0].AttemptNumber)

	// The freed number is reallocated by the next start.
	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, a.AttemptNumber)
}

func TestResetLastForbidden(t *testing.T) {
	f := newFixture(t, sectionTest(10, models.TestHinted))
	f.oracle.manages = false

	_, err := f.svc.ResetLast(context.Background(), 99, models.RoleTeacher, 10, 7)
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestGlobalFinalRecomputesTopic(t *testing.T) {
	topicID := int64(1)
	f := newFixture(t, &models.Test{ID: 20, Type: models.TestGlobalFinal, TopicID: &topicID, MaxAttempts: 3})
	ctx := context.Background()

	a, err := f.svc.Start(ctx, 7, models.RoleStudent, 20)
	require.NoError(t, err)
	assert.Nil(t, a.ExpiresAt) // untimed

	_, err = f.svc.Submit(ctx, 7, a.ID, nil, 0)
	require.NoError(t, err)

	assert.Empty(t, f.agg.sections)
	assert.Equal(t, []int64{1}, f.agg.topics)
}

func TestCleanupPassesDelegate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.ExpireOverdueAttempts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = f.svc.ExtendNearDeadlineAttempts(ctx)
	require.NoError(t, err)
	_, err = f.svc.ExpireStaleStarted(ctx)
	require.NoError(t, err)
	_, err = f.svc.ExpireInactiveInProgress(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"expire_overdue", "extend_near_deadline", "delete_stale_started", "expire_inactive"},
		f.store.cleanupCalls)
}
