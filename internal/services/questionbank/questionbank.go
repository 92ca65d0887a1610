// Package questionbank selects and freezes the question set of a test
// attempt. Selection is deterministic per attempt: the RNG is seeded from
// the attempt id, so re-reading an attempt always reproduces the same
// questions in the same order.
package questionbank

import (
	"context"
	"encoding/binary"
	"math/rand"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
)

// Bank lists the sampling pool of a topic.
type Bank interface {
	PoolForTopic(ctx context.Context, topicID int64) ([]models.Question, error)
}

// Linked lists the non-archived questions explicitly linked to a test.
type Linked interface {
	ListQuestions(ctx context.Context, testID int64) ([]models.Question, error)
}

// Service composes frozen attempt configs.
type Service struct {
	bank   Bank
	linked Linked
}

// New creates a question bank service.
func New(bank Bank, linked Linked) *Service {
	return &Service{bank: bank, linked: linked}
}

// DeriveSeed maps an attempt id to its RNG seed.
func DeriveSeed(attemptID int64) int64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attemptID))
	sum := blake2b.Sum256(buf[:])
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Compose picks the question set for a new attempt of test and freezes it
// with a per-question option permutation. Global finals sample the topic
// bank; section tests use their linked questions. Fails with ErrNoQuestions
// only when nothing at all is selectable.
func (s *Service) Compose(ctx context.Context, test *models.Test, attemptID int64) (models.RandomizedConfig, error) {
	seed := DeriveSeed(attemptID)
	rng := rand.New(rand.NewSource(seed))

	var selected []models.Question
	switch test.Type {
	case models.TestGlobalFinal:
		if test.TopicID == nil {
			return models.RandomizedConfig{}, errs.Ef(errs.CodeInternal, "global final %d has no topic", test.ID)
		}
		pool, err := s.bank.PoolForTopic(ctx, *test.TopicID)
		if err != nil {
			return models.RandomizedConfig{}, err
		}
		selected = SampleTopicPool(pool, test.TargetQuestions, rng)
	default:
		linked, err := s.linked.ListQuestions(ctx, test.ID)
		if err != nil {
			return models.RandomizedConfig{}, err
		}
		selected = shuffle(linked, rng)
	}

	if len(selected) == 0 {
		return models.RandomizedConfig{}, errs.ErrNoQuestions
	}

	cfg := models.RandomizedConfig{
		Seed:        seed,
		QuestionIDs: make([]int64, len(selected)),
		OptionOrder: make(map[string][]int),
	}
	for i, q := range selected {
		cfg.QuestionIDs[i] = q.ID
		if n := len(q.Options); n > 0 {
			cfg.OptionOrder[strconv.FormatInt(q.ID, 10)] = rng.Perm(n)
		}
	}
	return cfg, nil
}

// SampleTopicPool applies the finals-first rule: take min(k, |finals|)
// finals, top up from the rest, and never fail when the pool is merely
// short. A nil target means everything.
func SampleTopicPool(pool []models.Question, target *int, rng *rand.Rand) []models.Question {
	var finals, others []models.Question
	for _, q := range pool {
		if q.IsFinal {
			finals = append(finals, q)
		} else {
			others = append(others, q)
		}
	}

	if target == nil {
		return shuffle(pool, rng)
	}
	k := *target
	if k <= 0 {
		return shuffle(pool, rng)
	}

	selected := pick(finals, min(k, len(finals)), rng)
	if remaining := k - len(selected); remaining > 0 {
		selected = append(selected, pick(others, min(remaining, len(others)), rng)...)
	}
	return selected
}

// pick samples n questions without replacement.
func pick(pool []models.Question, n int, rng *rand.Rand) []models.Question {
	if n <= 0 {
		return nil
	}
	out := make([]models.Question, 0, n)
	for _, idx := range rng.Perm(len(pool))[:n] {
		out = append(out, pool[idx])
	}
	return out
}

func shuffle(pool []models.Question, rng *rand.Rand) []models.Question {
	out := make([]models.Question, len(pool))
	copy(out, pool)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
