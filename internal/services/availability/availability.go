// Package availability decides what a user may open next: sections unlock
// sequentially as their predecessors complete, section finals unlock once
// every material is viewed, and topic finals unlock once the whole topic is
// done. Hinted tests are always open.
package availability

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/services/progress"
)

// Deny reasons surfaced with NotAvailable decisions.
const (
	ReasonNoTopicAccess      = "no group grants access to this topic"
	ReasonPreviousIncomplete = "previous section is not completed"
	ReasonFinalsUnpassed     = "previous section finals are not passed"
	ReasonMaterialsUnviewed  = "not all section materials are viewed"
	ReasonTopicIncomplete    = "topic is not fully completed"
	ReasonOtherFinalsPending = "other final tests of the topic are not passed"
)

// SectionStore lists and resolves sections. *repository.SectionRepo
// satisfies it.
type SectionStore interface {
	GetByID(ctx context.Context, id int64) (*models.Section, error)
	ListByTopic(ctx context.Context, topicID int64) ([]models.Section, error)
}

// SubsectionStore lists a section's materials.
type SubsectionStore interface {
	ListBySection(ctx context.Context, sectionID int64) ([]models.Subsection, error)
}

// TestStore resolves tests and their section/topic groupings.
type TestStore interface {
	GetByID(ctx context.Context, id int64) (*models.Test, error)
	ListBySection(ctx context.Context, sectionID int64) ([]models.Test, error)
	ListByTopic(ctx context.Context, topicID int64) ([]models.Test, error)
	ListForSections(ctx context.Context, sectionIDs []int64) (map[int64][]models.Test, error)
}

// ProgressStore reads and bootstraps the per-user progress rows.
type ProgressStore interface {
	GetSection(ctx context.Context, userID, sectionID int64) (*models.SectionProgress, error)
	EnsureSection(ctx context.Context, userID, sectionID int64) (*models.SectionProgress, error)
	BySubsections(ctx context.Context, userID int64, subsectionIDs []int64) (map[int64]models.SubsectionProgress, error)
}

// ScoreStore reads best completed scores. *repository.AttemptRepo satisfies it.
type ScoreStore interface {
	BestScores(ctx context.Context, userID int64, testIDs []int64) (map[int64]float64, error)
}

// AccessOracle answers the group-membership question. *access.Oracle
// satisfies it.
type AccessOracle interface {
	HasTopicAccess(ctx context.Context, userID int64, role models.Role, topicID int64) (bool, error)
}

// Aggregator supplies section aggregates. *progress.Service satisfies it.
type Aggregator interface {
	SectionOverview(ctx context.Context, userID, sectionID int64) (*progress.SectionOverview, error)
}

// Decision is an availability answer with a human-readable reason on denial.
type Decision struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func allow() Decision             { return Decision{Available: true} }
func deny(reason string) Decision { return Decision{Available: false, Reason: reason} }

// Service is the availability resolver.
type Service struct {
	sections    SectionStore
	subsections SubsectionStore
	tests       TestStore
	rows        ProgressStore
	scores      ScoreStore
	oracle      AccessOracle
	agg         Aggregator
	loader      *cache.Loader
	ttl         time.Duration
}

// New creates the resolver.
func New(sections SectionStore, subsections SubsectionStore, tests TestStore, rows ProgressStore, scores ScoreStore, oracle AccessOracle, agg Aggregator, loader *cache.Loader, ttl time.Duration) *Service {
	return &Service{
		sections:    sections,
		subsections: subsections,
		tests:       tests,
		rows:        rows,
		scores:      scores,
		oracle:      oracle,
		agg:         agg,
		loader:      loader,
		ttl:         ttl,
	}
}

// CanAccessTopic reports whether the user may open a topic at all.
func (s *Service) CanAccessTopic(ctx context.Context, userID int64, role models.Role, topicID int64) (Decision, error) {
	ok, err := s.oracle.HasTopicAccess(ctx, userID, role, topicID)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return deny(ReasonNoTopicAccess), nil
	}
	return allow(), nil
}

// CanAccessSection decides whether the user may open a section. The first
// section of a topic opens with topic access and bootstraps a progress row;
// later sections require the previous one completed with its finals passed.
// Non-trivial answers are cached; progress recomputes invalidate them.
func (s *Service) CanAccessSection(ctx context.Context, userID int64, role models.Role, sectionID int64) (Decision, error) {
	var out Decision
	err := s.loader.GetOrCompute(ctx, cache.SectionAccessKey(userID, sectionID), s.ttl, &out,
		func(ctx context.Context) (any, error) {
			return s.resolveSection(ctx, userID, role, sectionID)
		})
	if err != nil {
		return Decision{}, err
	}
	return out, nil
}

func (s *Service) resolveSection(ctx context.Context, userID int64, role models.Role, sectionID int64) (Decision, error) {
	section, err := s.sections.GetByID(ctx, sectionID)
	if err != nil {
		return Decision{}, err
	}
	if section.IsArchived {
		return Decision{}, errs.ErrNotFound
	}
	ordered, err := s.sections.ListByTopic(ctx, section.TopicID)
	if err != nil {
		return Decision{}, err
	}
	index := -1
	for i := range ordered {
		if ordered[i].ID == sectionID {
			index = i
			break
		}
	}
	if index < 0 {
		return Decision{}, errs.ErrNotFound
	}

	if index == 0 {
		return s.resolveFirstSection(ctx, userID, role, section)
	}
	return s.resolveGatedSection(ctx, userID, &ordered[index-1])
}

// resolveFirstSection: an existing progress row proves earlier access; else
// ask the oracle and bootstrap the row on a grant.
func (s *Service) resolveFirstSection(ctx context.Context, userID int64, role models.Role, section *models.Section) (Decision, error) {
	if _, err := s.rows.GetSection(ctx, userID, section.ID); err == nil {
		return allow(), nil
	} else if errs.CodeOf(err) != errs.CodeNotFound {
		return Decision{}, err
	}

	ok, err := s.oracle.HasTopicAccess(ctx, userID, role, section.TopicID)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return deny(ReasonNoTopicAccess), nil
	}
	if _, err := s.rows.EnsureSection(ctx, userID, section.ID); err != nil {
		return Decision{}, err
	}
	return allow(), nil
}

func (s *Service) resolveGatedSection(ctx context.Context, userID int64, prev *models.Section) (Decision, error) {
	overview, err := s.agg.SectionOverview(ctx, userID, prev.ID)
	if err != nil {
		return Decision{}, err
	}
	if !overview.Completed() {
		return deny(ReasonPreviousIncomplete), nil
	}
	passed, err := s.sectionFinalsPassed(ctx, userID, prev.ID)
	if err != nil {
		return Decision{}, err
	}
	if !passed {
		return deny(ReasonFinalsUnpassed), nil
	}
	return allow(), nil
}

// CanStartTest decides whether the user may start a test, per its type.
// Attempt limits are the attempt engine's concern, not the resolver's.
func (s *Service) CanStartTest(ctx context.Context, userID int64, role models.Role, testID int64) (Decision, error) {
	test, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		return Decision{}, err
	}
	if test.IsArchived {
		return Decision{}, errs.ErrNotFound
	}

	switch test.Type {
	case models.TestHinted:
		return allow(), nil
	case models.TestSectionFinal:
		return s.resolveSectionFinal(ctx, userID, test)
	case models.TestGlobalFinal:
		return s.resolveGlobalFinal(ctx, userID, test)
	default:
		return Decision{}, errs.Ef(errs.CodeInternal, "unknown test type %q", test.Type)
	}
}

// resolveSectionFinal: every live subsection of the section must be viewed.
func (s *Service) resolveSectionFinal(ctx context.Context, userID int64, test *models.Test) (Decision, error) {
	if test.SectionID == nil {
		return Decision{}, errs.Ef(errs.CodeInternal, "section final %d has no section", test.ID)
	}
	subs, err := s.subsections.ListBySection(ctx, *test.SectionID)
	if err != nil {
		return Decision{}, err
	}
	ids := make([]int64, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	rows, err := s.rows.BySubsections(ctx, userID, ids)
	if err != nil {
		return Decision{}, err
	}
	for _, id := range ids {
		if row, ok := rows[id]; !ok || !row.IsViewed {
			return deny(ReasonMaterialsUnviewed), nil
		}
	}
	return allow(), nil
}

// resolveGlobalFinal: every section of the topic completed, every section
// final passed, and every other global final of the topic already passed.
func (s *Service) resolveGlobalFinal(ctx context.Context, userID int64, test *models.Test) (Decision, error) {
	if test.TopicID == nil {
		return Decision{}, errs.Ef(errs.CodeInternal, "global final %d has no topic", test.ID)
	}
	sections, err := s.sections.ListByTopic(ctx, *test.TopicID)
	if err != nil {
		return Decision{}, err
	}

	for i := range sections {
		overview, err := s.agg.SectionOverview(ctx, userID, sections[i].ID)
		if err != nil {
			return Decision{}, err
		}
		if !overview.Completed() {
			return deny(ReasonTopicIncomplete), nil
		}
		passed, err := s.sectionFinalsPassed(ctx, userID, sections[i].ID)
		if err != nil {
			return Decision{}, err
		}
		if !passed {
			return deny(ReasonFinalsUnpassed), nil
		}
	}

	others, err := s.tests.ListByTopic(ctx, *test.TopicID)
	if err != nil {
		return Decision{}, err
	}
	var otherIDs []int64
	byID := make(map[int64]*models.Test, len(others))
	for i := range others {
		t := &others[i]
		if t.ID == test.ID || t.Type != models.TestGlobalFinal {
			continue
		}
		otherIDs = append(otherIDs, t.ID)
		byID[t.ID] = t
	}
	if len(otherIDs) > 0 {
		best, err := s.scores.BestScores(ctx, userID, otherIDs)
		if err != nil {
			return Decision{}, err
		}
		for _, id := range otherIDs {
			if score, ok := best[id]; !ok || score < byID[id].PassThreshold() {
				return deny(ReasonOtherFinalsPending), nil
			}
		}
	}
	return allow(), nil
}

// sectionFinalsPassed reports whether every section-final test of a section
// has a passing best score.
func (s *Service) sectionFinalsPassed(ctx context.Context, userID, sectionID int64) (bool, error) {
	tests, err := s.tests.ListBySection(ctx, sectionID)
	if err != nil {
		return false, err
	}
	var finalIDs []int64
	thresholds := make(map[int64]float64)
	for i := range tests {
		if tests[i].Type != models.TestSectionFinal {
			continue
		}
		finalIDs = append(finalIDs, tests[i].ID)
		thresholds[tests[i].ID] = tests[i].PassThreshold()
	}
	if len(finalIDs) == 0 {
		return true, nil
	}
	best, err := s.scores.BestScores(ctx, userID, finalIDs)
	if err != nil {
		return false, err
	}
	for _, id := range finalIDs {
		if score, ok := best[id]; !ok || score < thresholds[id] {
			return false, nil
		}
	}
	return true, nil
}

// SectionListing is one entry of the topic navigation list.
type SectionListing struct {
	SectionID   int64   `json:"section_id"`
	Title       string  `json:"title"`
	Order       int     `json:"order"`
	IsAvailable bool    `json:"is_available"`
	IsCompleted bool    `json:"is_completed"`
	Percentage  float64 `json:"percentage"`
	Reason      string  `json:"reason,omitempty"`
}

// ListSections returns the topic's sections in display order with per-user
// availability and completion. Section aggregates are fetched concurrently;
// availability is then derived sequentially, since each entry depends only
// on its predecessor's aggregate.
func (s *Service) ListSections(ctx context.Context, userID int64, role models.Role, topicID int64) ([]SectionListing, error) {
	sections, err := s.sections.ListByTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return []SectionListing{}, nil
	}

	overviews := make([]*progress.SectionOverview, len(sections))
	finalsPassed := make([]bool, len(sections))
	g, gctx := errgroup.WithContext(ctx)
	for i := range sections {
		i := i
		g.Go(func() error {
			ov, err := s.agg.SectionOverview(gctx, userID, sections[i].ID)
			if err != nil {
				return err
			}
			overviews[i] = ov
			passed, err := s.sectionFinalsPassed(gctx, userID, sections[i].ID)
			if err != nil {
				return err
			}
			finalsPassed[i] = passed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]SectionListing, len(sections))
	for i := range sections {
		entry := SectionListing{
			SectionID:   sections[i].ID,
			Title:       sections[i].Title,
			Order:       sections[i].Order,
			IsCompleted: overviews[i].Completed(),
			Percentage:  overviews[i].Percentage,
		}
		if i == 0 {
			dec, err := s.resolveFirstSection(ctx, userID, role, &sections[i])
			if err != nil {
				return nil, err
			}
			entry.IsAvailable = dec.Available
			entry.Reason = dec.Reason
		} else {
			switch {
			case !overviews[i-1].Completed():
				entry.Reason = ReasonPreviousIncomplete
			case !finalsPassed[i-1]:
				entry.Reason = ReasonFinalsUnpassed
			default:
				entry.IsAvailable = true
			}
		}
		out[i] = entry
	}
	return out, nil
}
