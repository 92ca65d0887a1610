// Package attempt is the test attempt engine: the state machine over
// Start → Heartbeat → Submit plus expiry, automatic deadline extension and
// teacher resets. At most one attempt per (user, test) is in progress at any
// time; the persistence layer's partial unique index enforces it.
package attempt

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/config"
	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/metrics"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/notify"
	"github.com/terminal-bench/studytrack/internal/repository"
	"github.com/terminal-bench/studytrack/internal/services/availability"
	"github.com/terminal-bench/studytrack/pkg/messaging"
)

// Store is the slice of the persistence gateway the engine needs.
// *repository.AttemptRepo satisfies it.
type Store interface {
	Start(ctx context.Context, userID, testID int64, maxAttempts int, duration time.Duration, compose repository.ComposeFunc) (*models.TestAttempt, error)
	GetByID(ctx context.Context, id int64) (*models.TestAttempt, error)
	Touch(ctx context.Context, id int64, mutate func(a *models.TestAttempt) error) (*models.TestAttempt, error)
	Finish(ctx context.Context, id int64, mutate func(a *models.TestAttempt) error) (*models.TestAttempt, error)
	DeleteLast(ctx context.Context, userID, testID int64) (*models.TestAttempt, error)
	ListByUserAndTest(ctx context.Context, userID, testID int64) ([]models.TestAttempt, error)

	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	ExtendNearDeadline(ctx context.Context, now time.Time, window, step time.Duration, maxExtends int) (int64, error)
	DeleteStaleStarted(ctx context.Context, cutoff time.Time) (int64, error)
	ExpireInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// TestStore resolves tests.
type TestStore interface {
	GetByID(ctx context.Context, id int64) (*models.Test, error)
}

// QuestionStore resolves questions for grading and attempt reads. Archived
// questions must resolve too: frozen configs outlive archives.
type QuestionStore interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]models.Question, error)
}

// SectionStore resolves a test's section to its topic.
type SectionStore interface {
	GetByID(ctx context.Context, id int64) (*models.Section, error)
}

// Composer picks and freezes the question set at Start.
// *questionbank.Service satisfies it.
type Composer interface {
	Compose(ctx context.Context, test *models.Test, attemptID int64) (models.RandomizedConfig, error)
}

// Resolver answers the sequence-rules question. *availability.Service
// satisfies it.
type Resolver interface {
	CanStartTest(ctx context.Context, userID int64, role models.Role, testID int64) (availability.Decision, error)
}

// ManageOracle authorizes teacher resets. *access.Oracle satisfies it.
type ManageOracle interface {
	CanManageTopic(ctx context.Context, userID int64, role models.Role, topicID int64) (bool, error)
}

// Aggregator recomputes progress after a submission or reset changes the
// best-score state. *progress.Service satisfies it.
type Aggregator interface {
	Recompute(ctx context.Context, userID, sectionID int64) (*models.SectionProgress, error)
	RecomputeTopic(ctx context.Context, userID, topicID int64) (*models.TopicProgress, error)
}

// Service is the test attempt engine.
type Service struct {
	cfg      config.TestConfig
	cleanup  config.CleanupConfig
	store    Store
	tests    TestStore
	sections SectionStore
	bank     QuestionStore
	composer Composer
	resolver Resolver
	oracle   ManageOracle
	agg      Aggregator
	loader   *cache.Loader
	notifier *notify.Notifier
	recorder *metrics.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// New creates the engine.
func New(cfg config.TestConfig, cleanup config.CleanupConfig, store Store, tests TestStore, sections SectionStore, bank QuestionStore, composer Composer, resolver Resolver, oracle ManageOracle, agg Aggregator, loader *cache.Loader, notifier *notify.Notifier, recorder *metrics.Recorder, log *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		cleanup:  cleanup,
		store:    store,
		tests:    tests,
		sections: sections,
		bank:     bank,
		composer: composer,
		resolver: resolver,
		oracle:   oracle,
		agg:      agg,
		loader:   loader,
		notifier: notifier,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

// Start begins a new attempt: availability and attempt-limit checks, attempt
// numbering, question composition and the config freeze all happen in one
// transaction. A lost race against a concurrent Start surfaces
// ErrAlreadyInProgress; a numbering conflict is retried once.
func (s *Service) Start(ctx context.Context, userID int64, role models.Role, testID int64) (*models.TestAttempt, error) {
	test, err := s.liveTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	dec, err := s.resolver.CanStartTest(ctx, userID, role, testID)
	if err != nil {
		return nil, err
	}
	if !dec.Available {
		return nil, errs.ErrNotAvailable.WithDetails(map[string]any{"reason": dec.Reason})
	}

	compose := func(ctx context.Context, attemptID int64, _ int) (models.RandomizedConfig, error) {
		return s.composer.Compose(ctx, test, attemptID)
	}
	attempt, err := s.store.Start(ctx, userID, testID, test.MaxAttempts, test.Duration(), compose)
	if errors.Is(err, errs.ErrConflict) {
		attempt, err = s.store.Start(ctx, userID, testID, test.MaxAttempts, test.Duration(), compose)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("attempt started",
		zap.Int64("user_id", userID),
		zap.Int64("test_id", testID),
		zap.Int("attempt_number", attempt.AttemptNumber))
	s.invalidateScope(ctx, userID, test)
	s.notifier.AttemptStarted(ctx, userID, messaging.AttemptEvent{
		AttemptID:     attempt.ID,
		TestID:        testID,
		AttemptNumber: attempt.AttemptNumber,
		Status:        string(attempt.Status),
	})
	s.recorder.AttemptEvent(userID, testID, string(attempt.Status), 0)
	return attempt, nil
}

// HeartbeatResult reports the state of an attempt after a heartbeat.
type HeartbeatResult struct {
	RemainingSeconds int  `json:"remaining_seconds"`
	Extended         bool `json:"extended"`
	AutoExtendCount  int  `json:"auto_extend_count"`
	SavedDraft       bool `json:"saved_draft"`
}

// Heartbeat refreshes the attempt's activity stamp and autosaves a draft.
// Near the deadline it extends the attempt automatically, up to the
// configured number of times.
func (s *Service) Heartbeat(ctx context.Context, userID, attemptID int64, draft models.Answers) (*HeartbeatResult, error) {
	now := s.now()
	var res HeartbeatResult
	a, err := s.store.Touch(ctx, attemptID, func(a *models.TestAttempt) error {
		if a.UserID != userID {
			return errs.ErrNotFound
		}
		if err := rejectTerminal(a); err != nil {
			return err
		}
		if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			return errs.ErrExpired
		}
		if a.ExpiresAt != nil && a.AutoExtendCount < s.cfg.MaxAutoExtends &&
			now.After(a.ExpiresAt.Add(-s.cfg.ExtendMargin)) {
			extended := a.ExpiresAt.Add(s.cfg.ExtendStep)
			a.ExpiresAt = &extended
			a.AutoExtendCount++
			res.Extended = true
		}
		a.LastActivityAt = now
		if draft != nil {
			a.DraftAnswers = draft
			a.LastSaveAt = &now
			res.SavedDraft = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.RemainingSeconds = a.Remaining(now)
	res.AutoExtendCount = a.AutoExtendCount
	return &res, nil
}

// Submit grades the attempt against its frozen question set and finalizes
// it. Terminal attempts reject; a deadline passed at submit time rejects
// with ErrExpired and leaves the row untouched for the scheduler.
func (s *Service) Submit(ctx context.Context, userID, attemptID int64, answers models.Answers, timeSpent int) (*models.TestAttempt, error) {
	pre, err := s.store.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if pre.UserID != userID {
		return nil, errs.ErrNotFound
	}
	questions, err := s.bank.GetByIDs(ctx, pre.RandomizedConfig.QuestionIDs)
	if err != nil {
		return nil, err
	}
	if answers == nil {
		answers = models.Answers{}
	}

	now := s.now()
	var grade GradeResult
	attempt, err := s.store.Finish(ctx, attemptID, func(a *models.TestAttempt) error {
		if a.UserID != userID {
			return errs.ErrNotFound
		}
		if err := rejectTerminal(a); err != nil {
			return err
		}
		if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			return errs.ErrExpired
		}
		grade = Grade(a.RandomizedConfig.QuestionIDs, questions, answers)
		a.Status = models.AttemptCompleted
		a.Score = &grade.Score
		a.Answers = answers
		a.CompletedAt = &now
		a.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	test, err := s.tests.GetByID(ctx, attempt.TestID)
	if err != nil {
		s.log.Warn("failed to resolve test after submit", zap.Error(err))
	} else {
		s.recomputeScope(ctx, userID, test)
		s.invalidateScope(ctx, userID, test)
	}
	s.log.Info("attempt submitted",
		zap.Int64("user_id", userID),
		zap.Int64("attempt_id", attemptID),
		zap.Float64("score", grade.Score),
		zap.Int("time_spent_seconds", timeSpent))
	s.notifier.AttemptCompleted(ctx, userID, messaging.AttemptEvent{
		AttemptID:     attempt.ID,
		TestID:        attempt.TestID,
		AttemptNumber: attempt.AttemptNumber,
		Status:        string(attempt.Status),
		Score:         attempt.Score,
	})
	s.recorder.AttemptEvent(userID, attempt.TestID, string(attempt.Status), grade.Score)
	return attempt, nil
}

// View is an attempt as presented to its owner: the frozen question set in
// frozen order, options permuted per the frozen config, answers hidden.
type View struct {
	Attempt          *models.TestAttempt `json:"attempt"`
	Questions        []QuestionView      `json:"questions"`
	RemainingSeconds int                 `json:"remaining_seconds"`
}

// QuestionView is one question as shown inside an attempt.
type QuestionView struct {
	ID      int64               `json:"id"`
	Text    string              `json:"text"`
	Type    models.QuestionType `json:"question_type"`
	Options []string            `json:"options"`
	Hint    string              `json:"hint,omitempty"`
}

// Get returns the attempt view for its owner. The question set always comes
// from the frozen config, so repeated reads are identical regardless of
// later bank changes.
func (s *Service) Get(ctx context.Context, userID, attemptID int64) (*View, error) {
	a, err := s.store.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, errs.ErrNotFound
	}
	test, err := s.tests.GetByID(ctx, a.TestID)
	if err != nil {
		return nil, err
	}
	questions, err := s.bank.GetByIDs(ctx, a.RandomizedConfig.QuestionIDs)
	if err != nil {
		return nil, err
	}

	views := make([]QuestionView, 0, len(a.RandomizedConfig.QuestionIDs))
	for _, id := range a.RandomizedConfig.QuestionIDs {
		q, ok := questions[id]
		if !ok {
			continue
		}
		qv := QuestionView{
			ID:      q.ID,
			Text:    q.Text,
			Type:    q.Type,
			Options: a.RandomizedConfig.PermutedOptions(q.ID, q.Options),
		}
		if test.Type == models.TestHinted {
			qv.Hint = q.Hint
		}
		views = append(views, qv)
	}
	return &View{
		Attempt:          a,
		Questions:        views,
		RemainingSeconds: a.Remaining(s.now()),
	}, nil
}

// List returns the user's attempts for a test in attempt order.
func (s *Service) List(ctx context.Context, userID, testID int64) ([]models.TestAttempt, error) {
	return s.store.ListByUserAndTest(ctx, userID, testID)
}

// ResetLast lets a teacher managing the enclosing topic delete a student's
// most recent attempt, shrinking the numbering by one. The next Start
// reallocates the freed number.
func (s *Service) ResetLast(ctx context.Context, teacherID int64, role models.Role, testID, studentID int64) (*models.TestAttempt, error) {
	test, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, err
	}
	topicID, err := s.topicOf(ctx, test)
	if err != nil {
		return nil, err
	}
	ok, err := s.oracle.CanManageTopic(ctx, teacherID, role, topicID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrForbidden
	}

	deleted, err := s.store.DeleteLast(ctx, studentID, testID)
	if err != nil {
		return nil, err
	}
	s.log.Info("attempt reset",
		zap.Int64("teacher_id", teacherID),
		zap.Int64("student_id", studentID),
		zap.Int64("test_id", testID),
		zap.Int("attempt_number", deleted.AttemptNumber))
	s.recomputeScope(ctx, studentID, test)
	s.invalidateScope(ctx, studentID, test)
	return deleted, nil
}

// Cleanup passes, invoked in order by the scheduler. Each is a single
// idempotent statement; a skipped or cancelled pass is recovered by the
// next tick.

// ExpireOverdueAttempts transitions in-progress attempts past their deadline
// to expired.
func (s *Service) ExpireOverdueAttempts(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOverdue(ctx, s.now().UTC())
	if err == nil {
		s.recorder.CleanupPass("expire_overdue", n)
	}
	return n, err
}

// ExtendNearDeadlineAttempts pushes deadlines that fall inside the warn
// window, for attempts that still have extensions left.
func (s *Service) ExtendNearDeadlineAttempts(ctx context.Context) (int64, error) {
	n, err := s.store.ExtendNearDeadline(ctx, s.now().UTC(), s.cleanup.WarnWindow, s.cfg.ExtendStep, s.cfg.MaxAutoExtends)
	if err == nil {
		s.recorder.CleanupPass("extend_near_deadline", n)
	}
	return n, err
}

// ExpireStaleStarted deletes legacy pre-state rows older than the stale age.
func (s *Service) ExpireStaleStarted(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteStaleStarted(ctx, s.now().UTC().Add(-s.cleanup.StaleAge))
	if err == nil {
		s.recorder.CleanupPass("delete_stale_started", n)
	}
	return n, err
}

// ExpireInactiveInProgress expires in-progress attempts whose last activity
// is older than the stale age.
func (s *Service) ExpireInactiveInProgress(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireInactive(ctx, s.now().UTC().Add(-s.cleanup.StaleAge))
	if err == nil {
		s.recorder.CleanupPass("expire_inactive", n)
	}
	return n, err
}

func rejectTerminal(a *models.TestAttempt) error {
	switch a.Status {
	case models.AttemptCompleted:
		return errs.ErrAlreadySubmitted
	case models.AttemptExpired:
		return errs.ErrExpired
	default:
		return nil
	}
}

func (s *Service) liveTest(ctx context.Context, id int64) (*models.Test, error) {
	test, err := s.tests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if test.IsArchived {
		return nil, errs.ErrNotFound
	}
	return test, nil
}

func (s *Service) topicOf(ctx context.Context, test *models.Test) (int64, error) {
	if test.TopicID != nil {
		return *test.TopicID, nil
	}
	if test.SectionID == nil {
		return 0, errs.Ef(errs.CodeInternal, "test %d has neither section nor topic", test.ID)
	}
	section, err := s.sections.GetByID(ctx, *test.SectionID)
	if err != nil {
		return 0, err
	}
	return section.TopicID, nil
}

// recomputeScope rolls progress up from the test's scope after a score
// change: section tests recompute their section (and topic), global finals
// recompute the topic alone.
func (s *Service) recomputeScope(ctx context.Context, userID int64, test *models.Test) {
	var err error
	if test.SectionID != nil {
		_, err = s.agg.Recompute(ctx, userID, *test.SectionID)
	} else if test.TopicID != nil {
		_, err = s.agg.RecomputeTopic(ctx, userID, *test.TopicID)
	}
	if err != nil {
		s.log.Warn("progress recompute failed",
			zap.Int64("user_id", userID),
			zap.Int64("test_id", test.ID),
			zap.Error(err))
	}
}

// invalidateScope drops the cached test row and the user's cached progress
// around the test's scope.
func (s *Service) invalidateScope(ctx context.Context, userID int64, test *models.Test) {
	keys := []string{cache.TestKey(test.ID)}
	if test.SectionID != nil {
		keys = append(keys, cache.SectionProgressKey(userID, *test.SectionID))
	}
	if topicID, err := s.topicOf(ctx, test); err == nil {
		keys = append(keys, cache.TopicProgressKey(userID, topicID))
	}
	s.loader.Invalidate(ctx, keys...)
	s.loader.InvalidatePattern(ctx, cache.UserSectionAccessPattern(userID))
}
