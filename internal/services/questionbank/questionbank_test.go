package questionbank

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
)

type fakeBank struct {
	pool []models.Question
}

func (f *fakeBank) PoolForTopic(context.Context, int64) ([]models.Question, error) {
	return f.pool, nil
}

type fakeLinked struct {
	questions []models.Question
}

func (f *fakeLinked) ListQuestions(context.Context, int64) ([]models.Question, error) {
	return f.questions, nil
}

func q(id int64, final bool) models.Question {
	return models.Question{ID: id, IsFinal: final}
}

func ids(questions []models.Question) []int64 {
	out := make([]int64, len(questions))
	for i, q := range questions {
		out[i] = q.ID
	}
	return out
}

func TestDeriveSeedStable(t *testing.T) {
	assert.Equal(t, DeriveSeed(42), DeriveSeed(42))
	assert.NotEqual(t, DeriveSeed(42), DeriveSeed(43))
}

func TestComposeDeterministicPerAttempt(t *testing.T) {
	linked := &fakeLinked{questions: []models.Question{
		{ID: 1, Options: models.StringList{"a", "b", "c"}},
		{ID: 2},
		{ID: 3, Options: models.StringList{"x", "y"}},
	}}
	svc := New(&fakeBank{}, linked)
	test := &models.Test{ID: 10, Type: models.TestHinted}
	ctx := context.Background()

	first, err := svc.Compose(ctx, test, 555)
	require.NoError(t, err)
	second, err := svc.Compose(ctx, test, 555)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.QuestionIDs, 3)
	assert.Len(t, first.OptionOrder["1"], 3)
	assert.Len(t, first.OptionOrder["3"], 2)
	_, hasOptionless := first.OptionOrder["2"]
	assert.False(t, hasOptionless)

	// A different attempt reseeds the selection.
	third, err := svc.Compose(ctx, test, 556)
	require.NoError(t, err)
	assert.NotEqual(t, first.Seed, third.Seed)
}

func TestComposeEmptyLinkedSet(t *testing.T) {
	svc := New(&fakeBank{}, &fakeLinked{})

	_, err := svc.Compose(context.Background(), &models.Test{ID: 10, Type: models.TestSectionFinal}, 1)
	require.ErrorIs(t, err, errs.ErrNoQuestions)
}

func TestComposeGlobalFinalSamplesPool(t *testing.T) {
	pool := make([]models.Question, 0, 14)
	for i := int64(1); i <= 10; i++ {
		pool = append(pool, q(i, false))
	}
	for i := int64(11); i <= 14; i++ {
		pool = append(pool, q(i, true))
	}
	target := 6
	topicID := int64(1)
	svc := New(&fakeBank{pool: pool}, &fakeLinked{})
	test := &models.Test{ID: 20, Type: models.TestGlobalFinal, TopicID: &topicID, TargetQuestions: &target}

	cfg, err := svc.Compose(context.Background(), test, 777)
	require.NoError(t, err)
	require.Len(t, cfg.QuestionIDs, 6)

	// All 4 final-eligible questions come first, then 2 regular ones.
	finals := 0
	for _, id := range cfg.QuestionIDs[:4] {
		if id >= 11 {
			finals++
		}
	}
	assert.Equal(t, 4, finals)
}

func TestSampleTopicPoolFinalsFirst(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pool := []models.Question{q(1, false), q(2, true), q(3, true), q(4, false)}

	target := 2
	selected := SampleTopicPool(pool, &target, rng)
	require.Len(t, selected, 2)
	for _, sel := range selected {
		assert.True(t, sel.IsFinal)
	}
}

func TestSampleTopicPoolShortPool(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pool := []models.Question{q(1, false), q(2, true)}

	// A target beyond the pool returns everything instead of failing.
	target := 10
	selected := SampleTopicPool(pool, &target, rng)
	got := ids(selected)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []int64{1, 2}, got)
}

func TestSampleTopicPoolNilTargetTakesAll(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pool := []models.Question{q(1, false), q(2, true), q(3, false)}

	selected := SampleTopicPool(pool, nil, rng)
	assert.Len(t, selected, 3)
}

func TestOptionOrderIsPermutation(t *testing.T) {
	linked := &fakeLinked{questions: []models.Question{
		{ID: 1, Options: models.StringList{"a", "b", "c", "d"}},
	}}
	svc := New(&fakeBank{}, linked)

	cfg, err := svc.Compose(context.Background(), &models.Test{ID: 10, Type: models.TestHinted}, 9)
	require.NoError(t, err)

	order := cfg.OptionOrder["1"]
	require.Len(t, order, 4)
	seen := make(map[int]bool)
	for _, idx := range order {
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 4)
		assert.False(t, seen[idx])
		seen[idx] = true
	}
}
