// Package guard blocks reads of learning materials while a test attempt
// covering them is in progress. It is a pure function of the user's open
// attempts and the entity being read; it consults no access oracle.
package guard

import (
	"context"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/repository"
)

// AttemptStore lists the scopes of a user's open attempts.
// *repository.AttemptRepo satisfies it.
type AttemptStore interface {
	ListInProgressScopes(ctx context.Context, userID int64) ([]repository.AttemptScope, error)
}

// SectionStore resolves a section's parent topic.
type SectionStore interface {
	GetByID(ctx context.Context, id int64) (*models.Section, error)
}

// SubsectionStore resolves a subsection's parent section.
type SubsectionStore interface {
	GetByID(ctx context.Context, id int64) (*models.Subsection, error)
}

// Guard is the material-access guard.
type Guard struct {
	attempts    AttemptStore
	sections    SectionStore
	subsections SubsectionStore
}

// New creates a guard.
func New(attempts AttemptStore, sections SectionStore, subsections SubsectionStore) *Guard {
	return &Guard{attempts: attempts, sections: sections, subsections: subsections}
}

// CheckTopic returns ErrMaterialLocked while the user has an open attempt on
// a global final of the topic.
func (g *Guard) CheckTopic(ctx context.Context, userID, topicID int64) error {
	scopes, err := g.attempts.ListInProgressScopes(ctx, userID)
	if err != nil {
		return err
	}
	for _, sc := range scopes {
		if sc.TestType == models.TestGlobalFinal && sc.TopicID == topicID {
			return errs.ErrMaterialLocked
		}
	}
	return nil
}

// CheckSection returns ErrMaterialLocked while the user has an open attempt
// on a test scoped to this section directly, or on a global final of the
// section's topic.
func (g *Guard) CheckSection(ctx context.Context, userID, sectionID int64) error {
	section, err := g.sections.GetByID(ctx, sectionID)
	if err != nil {
		return err
	}
	return g.checkSectionScopes(ctx, userID, sectionID, section.TopicID)
}

// CheckSubsection applies the section rule to the subsection's parent.
func (g *Guard) CheckSubsection(ctx context.Context, userID, subsectionID int64) error {
	sub, err := g.subsections.GetByID(ctx, subsectionID)
	if err != nil {
		return err
	}
	return g.CheckSection(ctx, userID, sub.SectionID)
}

func (g *Guard) checkSectionScopes(ctx context.Context, userID, sectionID, topicID int64) error {
	scopes, err := g.attempts.ListInProgressScopes(ctx, userID)
	if err != nil {
		return err
	}
	for _, sc := range scopes {
		if sc.SectionID != nil && *sc.SectionID == sectionID {
			return errs.ErrMaterialLocked
		}
		if sc.TestType == models.TestGlobalFinal && sc.TopicID == topicID {
			return errs.ErrMaterialLocked
		}
	}
	return nil
}
