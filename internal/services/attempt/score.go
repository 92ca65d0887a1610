package attempt

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/terminal-bench/studytrack/internal/models"
)

// GradeResult is the outcome of grading one submission.
type GradeResult struct {
	Correct int
	Total   int
	Score   float64
}

// Grade checks the submitted answers against the attempt's frozen question
// set. Every frozen question counts toward the total, including questions
// deleted from the bank since the freeze (those simply cannot be correct
// anymore). The score is 100 × correct/total rounded to the nearest integer.
func Grade(frozenIDs []int64, questions map[int64]models.Question, answers models.Answers) GradeResult {
	res := GradeResult{Total: len(frozenIDs)}
	if res.Total == 0 {
		return res
	}
	for _, id := range frozenIDs {
		q, ok := questions[id]
		if !ok {
			continue
		}
		given, ok := answers.Get(id)
		if !ok {
			continue
		}
		if answerCorrect(&q, given) {
			res.Correct++
		}
	}
	res.Score = math.Round(float64(res.Correct) / float64(res.Total) * 100)
	return res
}

// answerCorrect applies the per-type rule: exact value equality for single
// choice, set equality of option indexes for multiple choice, and trimmed
// case-insensitive equality for text input.
func answerCorrect(q *models.Question, given models.JSONValue) bool {
	switch q.Type {
	case models.QuestionSingleChoice:
		return jsonValueEqual(given.Raw, q.CorrectAnswer.Raw)
	case models.QuestionMultipleChoice:
		return indexSetEqual(given.Raw, q.CorrectAnswer.Raw)
	case models.QuestionTextInput:
		return textEqual(given.Raw, q.CorrectAnswer.Raw)
	default:
		return false
	}
}

// jsonValueEqual compares two JSON scalars after decoding, so "2" and 2 are
// distinct but whitespace and key order never matter.
func jsonValueEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return scalarEqual(av, bv)
}

func scalarEqual(a, b any) bool {
	switch at := a.(type) {
	case float64:
		bt, ok := b.(float64)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case nil:
		return b == nil
	default:
		return false
	}
}

// indexSetEqual treats both sides as sets of integer option indexes.
func indexSetEqual(a, b json.RawMessage) bool {
	as, ok := toIndexSet(a)
	if !ok {
		return false
	}
	bs, ok := toIndexSet(b)
	if !ok {
		return false
	}
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func toIndexSet(raw json.RawMessage) ([]int, bool) {
	var vals []float64
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, false
	}
	seen := make(map[int]struct{}, len(vals))
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		n := int(v)
		if float64(n) != v {
			return nil, false
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, true
}

func textEqual(a, b json.RawMessage) bool {
	var as, bs string
	if json.Unmarshal(a, &as) != nil || json.Unmarshal(b, &bs) != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(as), strings.TrimSpace(bs))
}
