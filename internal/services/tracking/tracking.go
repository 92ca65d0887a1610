// Package tracking converts client heartbeats into credited study time.
// Crediting is monotone and never exceeds wall clock; anti-cheat validation
// rejects too-frequent beats and too many parallel sessions, and flags
// machine-regular intervals without blocking them.
package tracking

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/config"
	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/metrics"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/notify"
	"github.com/terminal-bench/studytrack/internal/services/progress"
	"github.com/terminal-bench/studytrack/pkg/messaging"
)

// parallelWindow is how far back a session still counts as live for the
// parallel-session limit.
const parallelWindow = 5 * time.Minute

// Store is the slice of the persistence gateway the tracker needs.
// *repository.ProgressRepo satisfies it.
type Store interface {
	StartSession(ctx context.Context, userID, subsectionID int64) (*models.SubsectionProgress, error)
	Get(ctx context.Context, userID, subsectionID int64) (*models.SubsectionProgress, error)
	Update(ctx context.Context, userID, subsectionID int64, mutate func(p *models.SubsectionProgress) error) (*models.SubsectionProgress, error)
	CountActiveSessions(ctx context.Context, userID int64, since time.Time) (int, error)
}

// ContentStore resolves subsections and their parent sections.
type ContentStore interface {
	GetByID(ctx context.Context, id int64) (*models.Subsection, error)
}

// SectionStore resolves a section's parent topic for cache invalidation.
type SectionStore interface {
	GetByID(ctx context.Context, id int64) (*models.Section, error)
}

// Aggregator recomputes stored section and topic progress when a subsection
// crosses completion. *progress.Service satisfies it.
type Aggregator interface {
	Recompute(ctx context.Context, userID, sectionID int64) (*models.SectionProgress, error)
}

// Service is the activity tracker.
type Service struct {
	cfg      config.TrackingConfig
	store    Store
	content  ContentStore
	sections SectionStore
	agg      Aggregator
	loader   *cache.Loader
	notifier *notify.Notifier
	recorder *metrics.Recorder
	reg      *regularity
	log      *zap.Logger
	now      func() time.Time
}

// New creates the tracker.
func New(cfg config.TrackingConfig, store Store, content ContentStore, sections SectionStore, agg Aggregator, loader *cache.Loader, notifier *notify.Notifier, recorder *metrics.Recorder, log *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		content:  content,
		sections: sections,
		agg:      agg,
		loader:   loader,
		notifier: notifier,
		recorder: recorder,
		reg:      newRegularity(cfg.RegularityWindow, cfg.RegularityStdevSec),
		log:      log,
		now:      time.Now,
	}
}

// Status is the tracker's view of one (user, subsection).
type Status struct {
	SubsectionID         int64   `json:"subsection_id"`
	TimeSpentSeconds     int64   `json:"time_spent_seconds"`
	CompletionPercentage float64 `json:"completion_percentage"`
	IsViewed             bool    `json:"is_viewed"`
	IsCompleted          bool    `json:"is_completed"`
	SessionOpen          bool    `json:"session_open"`
	NextIntervalSeconds  int     `json:"next_interval_seconds"`
}

// HeartbeatResult reports what one accepted heartbeat changed.
type HeartbeatResult struct {
	CreditedSeconds      int64   `json:"credited_seconds"`
	TimeSpentSeconds     int64   `json:"time_spent_seconds"`
	CompletionPercentage float64 `json:"completion_percentage"`
	IsCompleted          bool    `json:"is_completed"`
	NextIntervalSeconds  int     `json:"next_interval_seconds"`
}

// StartSession opens (or reopens) a study session on a subsection, creating
// the tracking row on first contact.
func (s *Service) StartSession(ctx context.Context, userID, subsectionID int64) (*Status, error) {
	if _, err := s.liveSubsection(ctx, subsectionID); err != nil {
		return nil, err
	}
	p, err := s.store.StartSession(ctx, userID, subsectionID)
	if err != nil {
		return nil, err
	}
	return s.status(p), nil
}

// Heartbeat validates one client beat and credits the elapsed time since the
// previous one, clamped to the configured maximum gap. Crossing the
// completion threshold marks the subsection completed and recomputes the
// enclosing section and topic. The whole credit applies atomically or not
// at all.
func (s *Service) Heartbeat(ctx context.Context, userID, subsectionID int64) (*HeartbeatResult, error) {
	sub, err := s.liveSubsection(ctx, subsectionID)
	if err != nil {
		return nil, err
	}
	minTime := int64(sub.EffectiveMinTime(int(s.cfg.DefaultMinTime.Seconds())))

	now := s.now()
	active, err := s.store.CountActiveSessions(ctx, userID, now.Add(-parallelWindow))
	if err != nil {
		return nil, err
	}
	if active > s.cfg.MaxParallel {
		return nil, errs.ErrTooManyParallel
	}

	var credited int64
	var crossed, flagged bool
	update := func(p *models.SubsectionProgress) error {
		if p.SessionStartAt == nil {
			// First beat without an explicit StartSession: open the session
			// now and credit nothing, this beat is the baseline.
			p.SessionStartAt = &now
			p.LastActivityAt = &now
			return nil
		}
		last := *p.LastActivityAt
		elapsed := now.Sub(last)
		if elapsed < s.cfg.MinInterval {
			return errs.ErrTooFrequent
		}
		if now.Sub(*p.SessionStartAt) > s.cfg.MaxSession {
			// Soft reset: close the runaway session and begin a new one.
			// The beat itself is still accepted.
			p.ActivitySessions = append(p.ActivitySessions, models.ActivitySession{
				Start:    *p.SessionStartAt,
				End:      last,
				Duration: int64(last.Sub(*p.SessionStartAt).Seconds()),
			})
			p.SessionStartAt = &now
		}

		credit := elapsed
		if credit > s.cfg.MaxInterval {
			credit = s.cfg.MaxInterval
		}
		credited = int64(credit.Seconds())
		p.TimeSpentSeconds += credited
		p.CompletionPercentage = completionPct(p.TimeSpentSeconds, minTime)
		if !p.IsCompleted && p.TimeSpentSeconds >= minTime {
			p.IsCompleted = true
			p.IsViewed = true
			p.ViewedAt = &now
			crossed = true
		}
		p.LastActivityAt = &now

		if s.reg.observe(userID, subsectionID, elapsed.Seconds()) && !p.SuspiciousActivity {
			p.SuspiciousActivity = true
			flagged = true
		}
		return nil
	}

	p, err := s.store.Update(ctx, userID, subsectionID, update)
	if err != nil && errs.CodeOf(err) == errs.CodeNotFound {
		// First beat ever for this pair: bootstrap the row; the beat itself
		// is the zero-credit baseline.
		p, err = s.store.StartSession(ctx, userID, subsectionID)
		if err != nil {
			return nil, err
		}
		return &HeartbeatResult{
			TimeSpentSeconds:     p.TimeSpentSeconds,
			CompletionPercentage: p.CompletionPercentage,
			NextIntervalSeconds:  int(s.cfg.HeartbeatInterval.Seconds()),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	s.afterHeartbeat(ctx, userID, sub, p, credited, crossed, flagged)

	return &HeartbeatResult{
		CreditedSeconds:      credited,
		TimeSpentSeconds:     p.TimeSpentSeconds,
		CompletionPercentage: p.CompletionPercentage,
		IsCompleted:          p.IsCompleted,
		NextIntervalSeconds:  int(s.cfg.HeartbeatInterval.Seconds()),
	}, nil
}

// afterHeartbeat runs the post-commit side effects: cache invalidation,
// metrics, notifications and the completion-triggered recompute. None of
// them can fail the already-committed credit.
func (s *Service) afterHeartbeat(ctx context.Context, userID int64, sub *models.Subsection, p *models.SubsectionProgress, credited int64, crossed, flagged bool) {
	section, err := s.sections.GetByID(ctx, sub.SectionID)
	if err != nil {
		s.log.Warn("failed to resolve section for invalidation",
			zap.Int64("section_id", sub.SectionID), zap.Error(err))
	} else {
		s.loader.Invalidate(ctx,
			cache.SectionProgressKey(userID, sub.SectionID),
			cache.TopicProgressKey(userID, section.TopicID))
	}

	s.recorder.Heartbeat(userID, sub.ID, credited)

	if flagged {
		stdev, n := s.reg.stats(userID, sub.ID)
		s.log.Warn("suspicious heartbeat regularity",
			zap.Int64("user_id", userID),
			zap.Int64("subsection_id", sub.ID),
			zap.Float64("interval_stdev", stdev))
		s.notifier.SuspiciousActivity(ctx, userID, messaging.SuspiciousActivityEvent{
			SubsectionID:  sub.ID,
			IntervalStdev: stdev,
			SampledBeats:  n,
		})
	}

	if !crossed {
		return
	}
	s.log.Info("subsection completed",
		zap.Int64("user_id", userID),
		zap.Int64("subsection_id", sub.ID),
		zap.Int64("time_spent_seconds", p.TimeSpentSeconds))
	if _, err := s.agg.Recompute(ctx, userID, sub.SectionID); err != nil {
		s.log.Warn("section recompute failed after completion",
			zap.Int64("section_id", sub.SectionID), zap.Error(err))
	}
	topicID := int64(0)
	if section != nil {
		topicID = section.TopicID
	}
	s.notifier.SubsectionCompleted(ctx, userID, messaging.SubsectionCompletedEvent{
		SubsectionID:     sub.ID,
		SectionID:        sub.SectionID,
		TopicID:          topicID,
		TimeSpentSeconds: p.TimeSpentSeconds,
	})
}

// EndSession closes the open session, appending it to the activity history.
// Calling it with no open session is a no-op.
func (s *Service) EndSession(ctx context.Context, userID, subsectionID int64) (*Status, error) {
	now := s.now()
	p, err := s.store.Update(ctx, userID, subsectionID, func(p *models.SubsectionProgress) error {
		if p.SessionStartAt == nil {
			return nil
		}
		end := now
		if p.LastActivityAt != nil && p.LastActivityAt.After(*p.SessionStartAt) && p.LastActivityAt.Before(now) {
			end = *p.LastActivityAt
		}
		p.ActivitySessions = append(p.ActivitySessions, models.ActivitySession{
			Start:    *p.SessionStartAt,
			End:      end,
			Duration: int64(end.Sub(*p.SessionStartAt).Seconds()),
		})
		p.SessionStartAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.reg.reset(userID, subsectionID)
	return s.status(p), nil
}

// Status returns the tracker's view of a subsection for a user. A user who
// never opened the subsection gets a zero status.
func (s *Service) Status(ctx context.Context, userID, subsectionID int64) (*Status, error) {
	if _, err := s.liveSubsection(ctx, subsectionID); err != nil {
		return nil, err
	}
	p, err := s.store.Get(ctx, userID, subsectionID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			return &Status{
				SubsectionID:        subsectionID,
				NextIntervalSeconds: int(s.cfg.HeartbeatInterval.Seconds()),
			}, nil
		}
		return nil, err
	}
	return s.status(p), nil
}

func (s *Service) status(p *models.SubsectionProgress) *Status {
	return &Status{
		SubsectionID:         p.SubsectionID,
		TimeSpentSeconds:     p.TimeSpentSeconds,
		CompletionPercentage: p.CompletionPercentage,
		IsViewed:             p.IsViewed,
		IsCompleted:          p.IsCompleted,
		SessionOpen:          p.SessionStartAt != nil,
		NextIntervalSeconds:  int(s.cfg.HeartbeatInterval.Seconds()),
	}
}

func (s *Service) liveSubsection(ctx context.Context, id int64) (*models.Subsection, error) {
	sub, err := s.content.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsArchived {
		return nil, errs.ErrNotFound
	}
	return sub, nil
}

// completionPct maps credited seconds against the threshold to a stored
// percentage, capped at 100 and kept to two decimals.
func completionPct(spent, minTime int64) float64 {
	if minTime <= 0 {
		return 100
	}
	pct := float64(spent) / float64(minTime) * 100
	if pct > 100 {
		pct = 100
	}
	return progress.Round2(pct)
}
