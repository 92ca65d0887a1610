// Package progress aggregates completion upward through the content
// hierarchy: subsection rows and test scores into section progress, section
// progress into topic progress. It is the only writer of the aggregated rows.
package progress

import (
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/repository"
)

// CountPair reports how many units of a kind are done out of how many exist.
type CountPair struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Breakdown splits a section aggregate by contribution kind.
type Breakdown struct {
	Subsections CountPair `json:"subsections"`
	TestsHinted CountPair `json:"tests_hinted"`
	TestsFinal  CountPair `json:"tests_final"`
}

// SectionAggregate is the full result of aggregating one (user, section).
// Percentage is the display number; StatusPercentage excludes hinted tests
// and drives the COMPLETED decision.
type SectionAggregate struct {
	Percentage       float64
	StatusPercentage float64
	Status           models.ProgressStatus
	Breakdown        Breakdown
}

// ComputeSection runs the section algorithm over a snapshot. Weights come
// from the subsections themselves and from the fixed per-type test weights;
// archived rows are already absent from the snapshot. A section is COMPLETED
// when the status percentage reaches the threshold, every subsection is
// completed, and every section-final test is passed.
func ComputeSection(snap *repository.SectionSnapshot, threshold float64) SectionAggregate {
	var agg SectionAggregate
	var weightTotal, weightDone, statusTotal, statusDone float64
	allSubsDone := true
	allFinalsPassed := true

	for i := range snap.Subsections {
		sub := &snap.Subsections[i]
		w := sub.EffectiveWeight()
		weightTotal += w
		statusTotal += w
		agg.Breakdown.Subsections.Total++

		p, ok := snap.Progress[sub.ID]
		if ok && p.IsCompleted {
			weightDone += w
			statusDone += w
			agg.Breakdown.Subsections.Completed++
		} else {
			allSubsDone = false
		}
	}

	for i := range snap.Tests {
		test := &snap.Tests[i]
		w := test.Type.GateWeight()
		weightTotal += w

		best, attempted := snap.BestScores[test.ID]
		passed := attempted && best >= test.PassThreshold()

		if test.Type == models.TestHinted {
			agg.Breakdown.TestsHinted.Total++
			if passed {
				agg.Breakdown.TestsHinted.Completed++
				weightDone += w
			}
			continue
		}

		statusTotal += w
		agg.Breakdown.TestsFinal.Total++
		if passed {
			agg.Breakdown.TestsFinal.Completed++
			weightDone += w
			statusDone += w
		} else if test.Type == models.TestSectionFinal {
			allFinalsPassed = false
		}
	}

	agg.Percentage = Round2(ratio(weightDone, weightTotal))
	agg.StatusPercentage = Round2(ratio(statusDone, statusTotal))

	switch {
	case weightTotal > 0 && agg.StatusPercentage >= threshold && allSubsDone && allFinalsPassed:
		agg.Status = models.ProgressCompleted
	case agg.Percentage > 0:
		agg.Status = models.ProgressInProgress
	default:
		agg.Status = models.ProgressStarted
	}
	return agg
}

// TopicAggregate is the result of aggregating one (user, topic).
type TopicAggregate struct {
	Percentage        float64
	Status            models.ProgressStatus
	CompletedSections int
	TotalSections     int
}

// ComputeTopic averages the stored display percentages of the topic's live
// sections. Sections the user never touched count as zero. A section counts
// as completed for the section tally when its stored percentage reaches the
// threshold.
func ComputeTopic(snap *repository.TopicSnapshot, threshold float64) TopicAggregate {
	agg := TopicAggregate{TotalSections: len(snap.Sections)}
	if len(snap.Sections) == 0 {
		agg.Status = models.ProgressStarted
		return agg
	}

	var sum float64
	for i := range snap.Sections {
		p, ok := snap.Progress[snap.Sections[i].ID]
		if !ok {
			continue
		}
		sum += p.CompletionPercentage
		if p.CompletionPercentage >= threshold {
			agg.CompletedSections++
		}
	}

	agg.Percentage = Round2(sum / float64(len(snap.Sections)))
	switch {
	case agg.Percentage >= threshold:
		agg.Status = models.ProgressCompleted
	case agg.Percentage > 0:
		agg.Status = models.ProgressInProgress
	default:
		agg.Status = models.ProgressStarted
	}
	return agg
}

// Round2 rounds a percentage to two decimals, the precision the aggregated
// rows are stored with. The wire rounds further to whole integers.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

func ratio(done, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return done / total * 100
}
