package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"paper-quiz-service/internal/domain"
	"paper-quiz-service/internal/metrics"
)

// QuizService contains the participant-facing use cases on top of the lifecycle.
type QuizService struct {
	lifecycle *Lifecycle
	scorer    *Scorer
	timing    Timing
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewQuizService(lc *Lifecycle, scorer *Scorer, timing Timing, logger *zap.Logger, m *metrics.Metrics) *QuizService {
	return NewQuizServiceWithClock(lc, scorer, timing, time.Now, logger, m)
}

// NewQuizServiceWithClock is for deterministic timestamps in tests.
func NewQuizServiceWithClock(lc *Lifecycle, scorer *Scorer, timing Timing, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *QuizService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuizService{lifecycle: lc, scorer: scorer, timing: timing, now: now, logger: logger, metrics: m}
}

// Lifecycle exposes the underlying store for admin operations.
func (s *QuizService) Lifecycle() *Lifecycle { return s.lifecycle }

// Timing returns the countdown configuration.
func (s *QuizService) Timing() Timing { return s.timing }

// OpenSession prepares a session for the participant owning quizID. The
// caller must Run the returned runner.
func (s *QuizService) OpenSession(_ context.Context, quizID string) (*Runner, error) {
	snap := s.lifecycle.State()
	user, ok := snap.UserByQuizID(quizID)
	if !ok {
		return nil, domain.ErrInvalidQuizLink
	}
	questions := snap.AssignedQuestions(user.ID)
	r := newRunner(user, questions, snap, s.timing, s.lifecycle, s.scorer, s.now, s.logger, s.metrics)
	s.logger.Debug("session opened", zap.String("session", r.ID), zap.String("user", user.ID), zap.Int("questions", len(questions)))
	return r, nil
}

// Precheck returns the screen a participant would land on without opening a session.
func (s *QuizService) Precheck(quizID string) (SessionView, error) {
	snap := s.lifecycle.State()
	user, ok := snap.UserByQuizID(quizID)
	if !ok {
		return SessionView{}, domain.ErrInvalidQuizLink
	}
	return NewMachine(snap.AssignedQuestions(user.ID), s.timing, snap.Status, user.Completed).View(), nil
}

// Result rebuilds a completed participant's result from the persisted answers.
func (s *QuizService) Result(quizID string) (domain.SessionResult, error) {
	snap := s.lifecycle.State()
	user, ok := snap.UserByQuizID(quizID)
	if !ok {
		return domain.SessionResult{}, domain.ErrInvalidQuizLink
	}
	if !user.Completed {
		return domain.SessionResult{}, domain.ErrNotCompleted
	}
	questions := snap.AssignedQuestions(user.ID)
	answers := user.Answers
	if answers == nil {
		answers = domain.Answers{}
	}
	res := domain.SessionResult{Questions: questions, Answers: answers}
	res.Score, res.Total = Score(questions, answers)
	if user.Score != nil {
		res.Score = *user.Score
	}
	if user.TotalQuestions != nil {
		res.Total = *user.TotalQuestions
	}
	return res, nil
}

// Leaderboard ranks the roster, optionally for one paper.
func (s *QuizService) Leaderboard(paper string) domain.Leaderboard {
	snap := s.lifecycle.State()
	return domain.Leaderboard{
		Paper:     paper,
		Entries:   Rank(snap.Users, paper),
		UpdatedAt: s.now(),
	}
}
