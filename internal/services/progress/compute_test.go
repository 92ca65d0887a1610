package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/repository"
)

func sub(id int64, typ models.SubsectionType, weight float64) models.Subsection {
	return models.Subsection{ID: id, Type: typ, Weight: weight}
}

func doneProgress(ids ...int64) map[int64]models.SubsectionProgress {
	out := make(map[int64]models.SubsectionProgress, len(ids))
	for _, id := range ids {
		out[id] = models.SubsectionProgress{SubsectionID: id, IsCompleted: true, IsViewed: true}
	}
	return out
}

func TestComputeSectionEmpty(t *testing.T) {
	agg := ComputeSection(&repository.SectionSnapshot{
		Progress:   map[int64]models.SubsectionProgress{},
		BestScores: map[int64]float64{},
	}, 80)

	assert.Equal(t, 0.0, agg.Percentage)
	assert.Equal(t, models.ProgressStarted, agg.Status)
}

func TestComputeSectionWeights(t *testing.T) {
	// video 1.5 done, text 1.0 not done: 1.5 / 2.5 = 60%.
	snap := &repository.SectionSnapshot{
		Subsections: []models.Subsection{
			sub(1, models.SubsectionVideo, 0),
			sub(2, models.SubsectionText, 0),
		},
		Progress:   doneProgress(1),
		BestScores: map[int64]float64{},
	}
	agg := ComputeSection(snap, 80)

	assert.Equal(t, 60.0, agg.Percentage)
	assert.Equal(t, models.ProgressInProgress, agg.Status)
	assert.Equal(t, CountPair{Completed: 1, Total: 2}, agg.Breakdown.Subsections)
}

func TestComputeSectionExplicitWeightWins(t *testing.T) {
	snap := &repository.SectionSnapshot{
		Subsections: []models.Subsection{
			sub(1, models.SubsectionVideo, 3.0),
			sub(2, models.SubsectionText, 1.0),
		},
		Progress:   doneProgress(1),
		BestScores: map[int64]float64{},
	}
	agg := ComputeSection(snap, 80)

	assert.Equal(t, 75.0, agg.Percentage)
}

func TestComputeSectionHintedExcludedFromStatus(t *testing.T) {
	// All materials done, section final passed, hinted test never attempted.
	// Display percentage stays below 100 but the status percentage ignores
	// the hinted test, so the section completes.
	snap := &repository.SectionSnapshot{
		Subsections: []models.Subsection{sub(1, models.SubsectionText, 0)},
		Progress:    doneProgress(1),
		Tests: []models.Test{
			{ID: 10, Type: models.TestHinted},
			{ID: 11, Type: models.TestSectionFinal},
		},
		BestScores: map[int64]float64{11: 90},
	}
	agg := ComputeSection(snap, 80)

	// display: (1 + 2) / (1 + 1 + 2) = 75%
	assert.Equal(t, 75.0, agg.Percentage)
	// status: (1 + 2) / (1 + 2) = 100%
	assert.Equal(t, 100.0, agg.StatusPercentage)
	assert.Equal(t, models.ProgressCompleted, agg.Status)
	assert.Equal(t, CountPair{Completed: 0, Total: 1}, agg.Breakdown.TestsHinted)
	assert.Equal(t, CountPair{Completed: 1, Total: 1}, agg.Breakdown.TestsFinal)
}

func TestComputeSectionFailedFinalBlocksCompletion(t *testing.T) {
	snap := &repository.SectionSnapshot{
		Subsections: []models.Subsection{sub(1, models.SubsectionText, 0)},
		Progress:    doneProgress(1),
		Tests:       []models.Test{{ID: 11, Type: models.TestSectionFinal}},
		BestScores:  map[int64]float64{11: 79}, // below default 80 threshold
	}
	agg := ComputeSection(snap, 80)

	assert.Equal(t, models.ProgressInProgress, agg.Status)
	assert.Equal(t, 0, agg.Breakdown.TestsFinal.Completed)
}

func TestComputeSectionCustomPassThreshold(t *testing.T) {
	snap := &repository.SectionSnapshot{
		Subsections: []models.Subsection{sub(1, models.SubsectionText, 0)},
		Progress:    doneProgress(1),
		Tests:       []models.Test{{ID: 11, Type: models.TestSectionFinal, CompletionPercentage: 60}},
		BestScores:  map[int64]float64{11: 65},
	}
	agg := ComputeSection(snap, 80)

	require.Equal(t, models.ProgressCompleted, agg.Status)
}

func TestComputeSectionIncompleteSubsectionBlocksCompletion(t *testing.T) {
	// Status percentage can clear the threshold while a low-weight
	// subsection is still open; completion requires every subsection done.
	snap := &repository.SectionSnapshot{
		Subsections: []models.Subsection{
			sub(1, models.SubsectionText, 8.0),
			sub(2, models.SubsectionText, 1.0),
		},
		Progress:   doneProgress(1),
		BestScores: map[int64]float64{},
	}
	agg := ComputeSection(snap, 80)

	assert.GreaterOrEqual(t, agg.StatusPercentage, 80.0)
	assert.Equal(t, models.ProgressInProgress, agg.Status)
}

func TestComputeTopic(t *testing.T) {
	snap := &repository.TopicSnapshot{
		Sections: []models.Section{{ID: 1}, {ID: 2}, {ID: 3}},
		Progress: map[int64]models.SectionProgress{
			1: {SectionID: 1, CompletionPercentage: 90},
			2: {SectionID: 2, CompletionPercentage: 45},
			// section 3 untouched: counts as zero
		},
	}
	agg := ComputeTopic(snap, 80)

	assert.Equal(t, 45.0, agg.Percentage)
	assert.Equal(t, models.ProgressInProgress, agg.Status)
	assert.Equal(t, 1, agg.CompletedSections)
	assert.Equal(t, 3, agg.TotalSections)
}

func TestComputeTopicEmpty(t *testing.T) {
	agg := ComputeTopic(&repository.TopicSnapshot{Progress: map[int64]models.SectionProgress{}}, 80)

	assert.Equal(t, 0.0, agg.Percentage)
	assert.Equal(t, models.ProgressStarted, agg.Status)
}

func TestComputeTopicCompleted(t *testing.T) {
	snap := &repository.TopicSnapshot{
		Sections: []models.Section{{ID: 1}, {ID: 2}},
		Progress: map[int64]models.SectionProgress{
			1: {SectionID: 1, CompletionPercentage: 100},
			2: {SectionID: 2, CompletionPercentage: 85},
		},
	}
	agg := ComputeTopic(snap, 80)

	assert.Equal(t, 92.5, agg.Percentage)
	assert.Equal(t, models.ProgressCompleted, agg.Status)
	assert.Equal(t, 2, agg.CompletedSections)
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 33.33, Round2(100.0/3))
	assert.Equal(t, 66.67, Round2(200.0/3))
	assert.Equal(t, 100.0, Round2(100))
}
