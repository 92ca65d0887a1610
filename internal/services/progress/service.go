package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/notify"
	"github.com/terminal-bench/studytrack/internal/repository"
	"github.com/terminal-bench/studytrack/pkg/messaging"
)

// Store is the slice of the persistence gateway the aggregator needs.
// *repository.ProgressRepo satisfies it.
type Store interface {
	SectionSnapshot(ctx context.Context, userID, sectionID int64) (*repository.SectionSnapshot, error)
	TopicSnapshot(ctx context.Context, userID, topicID int64) (*repository.TopicSnapshot, error)
	RecomputeSection(ctx context.Context, userID, sectionID int64, compute func(*repository.SectionSnapshot) repository.SectionResult) (*models.SectionProgress, error)
	RecomputeTopic(ctx context.Context, userID, topicID int64, compute func(*repository.TopicSnapshot) repository.SectionResult) (*models.TopicProgress, error)
	GetSection(ctx context.Context, userID, sectionID int64) (*models.SectionProgress, error)
	GetTopic(ctx context.Context, userID, topicID int64) (*models.TopicProgress, error)
	SectionTimes(ctx context.Context, userID int64, sectionIDs []int64) (map[int64]int64, error)
}

// SectionStore resolves a section's parent topic for upward recomputation.
type SectionStore interface {
	GetByID(ctx context.Context, id int64) (*models.Section, error)
}

// Service is the progress aggregator. Reads go through the cache; writes go
// through the repository's locked recompute path and emit invalidations
// after commit.
type Service struct {
	store     Store
	sections  SectionStore
	loader    *cache.Loader
	notifier  *notify.Notifier
	threshold float64
	ttl       time.Duration
	log       *zap.Logger
}

// New creates the aggregator.
func New(store Store, sections SectionStore, loader *cache.Loader, notifier *notify.Notifier, threshold float64, ttl time.Duration, log *zap.Logger) *Service {
	return &Service{
		store:     store,
		sections:  sections,
		loader:    loader,
		notifier:  notifier,
		threshold: threshold,
		ttl:       ttl,
		log:       log,
	}
}

// SectionOverview is the wire-facing section aggregate. Percentage carries
// two decimals; the transport rounds to whole integers.
type SectionOverview struct {
	SectionID        int64                 `json:"section_id"`
	Percentage       float64               `json:"percentage"`
	StatusPercentage float64               `json:"status_percentage"`
	Status           models.ProgressStatus `json:"status"`
	Breakdown        Breakdown             `json:"breakdown"`
	TimeSpentSeconds int64                 `json:"time_spent_seconds"`
}

// Completed reports whether the section counts as done for gating.
func (o *SectionOverview) Completed() bool {
	return o.Status == models.ProgressCompleted
}

// TopicOverview is the wire-facing topic aggregate.
type TopicOverview struct {
	TopicID           int64                 `json:"topic_id"`
	Percentage        float64               `json:"percentage"`
	Status            models.ProgressStatus `json:"status"`
	CompletedSections int                   `json:"completed_sections"`
	TotalSections     int                   `json:"total_sections"`
	TimeSpentSeconds  int64                 `json:"time_spent_seconds"`
}

// SectionOverview returns the aggregated view of one (user, section),
// computing on cache miss. The lazy path reads a plain snapshot; it does not
// write the stored row.
func (s *Service) SectionOverview(ctx context.Context, userID, sectionID int64) (*SectionOverview, error) {
	var out SectionOverview
	err := s.loader.GetOrCompute(ctx, cache.SectionProgressKey(userID, sectionID), s.ttl, &out,
		func(ctx context.Context) (any, error) {
			return s.computeSectionOverview(ctx, userID, sectionID)
		})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) computeSectionOverview(ctx context.Context, userID, sectionID int64) (*SectionOverview, error) {
	snap, err := s.store.SectionSnapshot(ctx, userID, sectionID)
	if err != nil {
		return nil, err
	}
	agg := ComputeSection(snap, s.threshold)
	times, err := s.store.SectionTimes(ctx, userID, []int64{sectionID})
	if err != nil {
		return nil, err
	}
	return &SectionOverview{
		SectionID:        sectionID,
		Percentage:       agg.Percentage,
		StatusPercentage: agg.StatusPercentage,
		Status:           agg.Status,
		Breakdown:        agg.Breakdown,
		TimeSpentSeconds: times[sectionID],
	}, nil
}

// TopicOverview returns the aggregated view of one (user, topic), computing
// on cache miss from the stored section rows.
func (s *Service) TopicOverview(ctx context.Context, userID, topicID int64) (*TopicOverview, error) {
	var out TopicOverview
	err := s.loader.GetOrCompute(ctx, cache.TopicProgressKey(userID, topicID), s.ttl, &out,
		func(ctx context.Context) (any, error) {
			snap, err := s.store.TopicSnapshot(ctx, userID, topicID)
			if err != nil {
				return nil, err
			}
			agg := ComputeTopic(snap, s.threshold)
			sectionIDs := make([]int64, len(snap.Sections))
			for i, sec := range snap.Sections {
				sectionIDs[i] = sec.ID
			}
			times, err := s.store.SectionTimes(ctx, userID, sectionIDs)
			if err != nil {
				return nil, err
			}
			var total int64
			for _, t := range times {
				total += t
			}
			return &TopicOverview{
				TopicID:           topicID,
				Percentage:        agg.Percentage,
				Status:            agg.Status,
				CompletedSections: agg.CompletedSections,
				TotalSections:     agg.TotalSections,
				TimeSpentSeconds:  total,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Recompute rewrites the stored aggregate for (user, section) and then for
// the enclosing topic. The activity tracker calls it when a subsection
// crosses completion; the attempt engine calls it on submission.
func (s *Service) Recompute(ctx context.Context, userID, sectionID int64) (*models.SectionProgress, error) {
	section, err := s.sections.GetByID(ctx, sectionID)
	if err != nil {
		return nil, err
	}

	prevStatus := s.storedSectionStatus(ctx, userID, sectionID)
	row, err := s.store.RecomputeSection(ctx, userID, sectionID, func(snap *repository.SectionSnapshot) repository.SectionResult {
		agg := ComputeSection(snap, s.threshold)
		return repository.SectionResult{Percentage: agg.Percentage, Status: agg.Status}
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, userID, sectionID, section.TopicID)
	if prevStatus != models.ProgressCompleted && row.Status == models.ProgressCompleted {
		s.notifier.SectionCompleted(ctx, userID, messaging.SectionCompletedEvent{
			SectionID:  sectionID,
			TopicID:    section.TopicID,
			Percentage: row.CompletionPercentage,
		})
	}

	if _, err := s.RecomputeTopic(ctx, userID, section.TopicID); err != nil {
		// The section row is already committed; a failed topic rollup will
		// heal on the next recompute or lazy read.
		s.log.Warn("topic recompute failed",
			zap.Int64("user_id", userID),
			zap.Int64("topic_id", section.TopicID),
			zap.Error(err))
	}
	return row, nil
}

// RecomputeTopic rewrites the stored aggregate for (user, topic) alone. The
// attempt engine uses it directly for global finals, which have no section.
func (s *Service) RecomputeTopic(ctx context.Context, userID, topicID int64) (*models.TopicProgress, error) {
	prevStatus := s.storedTopicStatus(ctx, userID, topicID)
	row, err := s.store.RecomputeTopic(ctx, userID, topicID, func(snap *repository.TopicSnapshot) repository.SectionResult {
		agg := ComputeTopic(snap, s.threshold)
		return repository.SectionResult{Percentage: agg.Percentage, Status: agg.Status}
	})
	if err != nil {
		return nil, err
	}

	s.loader.Invalidate(ctx, cache.TopicProgressKey(userID, topicID))
	if prevStatus != models.ProgressCompleted && row.Status == models.ProgressCompleted {
		s.notifier.TopicCompleted(ctx, userID, messaging.TopicCompletedEvent{
			TopicID:    topicID,
			Percentage: row.CompletionPercentage,
		})
	}
	return row, nil
}

// invalidate drops the cached aggregates and the user's cached section
// availability answers, which are derived from them.
func (s *Service) invalidate(ctx context.Context, userID, sectionID, topicID int64) {
	s.loader.Invalidate(ctx,
		cache.SectionProgressKey(userID, sectionID),
		cache.TopicProgressKey(userID, topicID))
	s.loader.InvalidatePattern(ctx, cache.UserSectionAccessPattern(userID))
}

func (s *Service) storedSectionStatus(ctx context.Context, userID, sectionID int64) models.ProgressStatus {
	row, err := s.store.GetSection(ctx, userID, sectionID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.log.Warn("failed to read stored section progress", zap.Error(err))
		}
		return models.ProgressStarted
	}
	return row.Status
}

func (s *Service) storedTopicStatus(ctx context.Context, userID, topicID int64) models.ProgressStatus {
	row, err := s.store.GetTopic(ctx, userID, topicID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.log.Warn("failed to read stored topic progress", zap.Error(err))
		}
		return models.ProgressStarted
	}
	return row.Status
}
