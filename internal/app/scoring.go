package app

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"paper-quiz-service/internal/domain"
	"paper-quiz-service/internal/metrics"
)

// Score counts the questions whose recorded answer equals the correct option
// index. Unanswered questions count as wrong.
func Score(questions []domain.Question, answers domain.Answers) (score, total int) {
	for _, q := range questions {
		if selected, ok := answers[q.ID]; ok && selected == q.CorrectAnswer {
			score++
		}
	}
	return score, len(questions)
}

// ScoreWriter persists a participant's final result.
type ScoreWriter interface {
	SubmitScore(ctx context.Context, userID string, score, total int, answers domain.Answers) error
}

// Scorer computes a session's score and writes it durably, retrying
// transient store failures.
type Scorer struct {
	writer     ScoreWriter
	logger     *zap.Logger
	metrics    *metrics.Metrics
	maxRetries uint64
	backoff    func() backoff.BackOff
}

func NewScorer(writer ScoreWriter, maxRetries int, logger *zap.Logger, m *metrics.Metrics) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Scorer{
		writer:     writer,
		logger:     logger,
		metrics:    m,
		maxRetries: uint64(maxRetries),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

// Submit scores the answers and performs the completion write. Rejections
// from the store (already completed, unknown user) are not retried.
func (s *Scorer) Submit(ctx context.Context, userID string, questions []domain.Question, answers domain.Answers) (domain.SessionResult, error) {
	score, total := Score(questions, answers)
	result := domain.SessionResult{
		Score:     score,
		Total:     total,
		Questions: questions,
		Answers:   answers.Clone(),
	}

	op := func() error {
		err := s.writer.SubmitScore(ctx, userID, score, total, result.Answers)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrAlreadyCompleted) || errors.Is(err, domain.ErrUserNotFound) {
			return backoff.Permanent(err)
		}
		s.metrics.ScoreWriteFailed()
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.backoff(), s.maxRetries), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		s.logger.Warn("score write failed, retrying", zap.String("user", userID), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, domain.ErrAlreadyCompleted) {
			outcome = "duplicate"
		}
		s.metrics.Submission(outcome)
		s.logger.Warn("score not recorded", zap.String("user", userID), zap.Error(err))
		return domain.SessionResult{}, err
	}
	s.metrics.Submission("ok")
	s.logger.Info("score recorded", zap.String("user", userID), zap.Int("score", score), zap.Int("total", total))
	return result, nil
}
