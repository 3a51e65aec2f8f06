package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"paper-quiz-service/internal/domain"
)

type flakyWriter struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	score    int
}

func (w *flakyWriter) SubmitScore(_ context.Context, _ string, score, _ int, _ domain.Answers) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return w.err
	}
	w.score = score
	return nil
}

func newTestScorer(w ScoreWriter, retries int) *Scorer {
	s := NewScorer(w, retries, nil, nil)
	s.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return s
}

func scoringQuestions() []domain.Question {
	return []domain.Question{
		{ID: 1, Options: []string{"a", "b"}, CorrectAnswer: 0},
		{ID: 2, Options: []string{"a", "b"}, CorrectAnswer: 1},
		{ID: 3, Options: []string{"a", "b", "c"}, CorrectAnswer: 2},
	}
}

func TestScoreCountsExactMatches(t *testing.T) {
	qs := scoringQuestions()
	cases := []struct {
		answers domain.Answers
		want    int
	}{
		{nil, 0},
		{domain.Answers{1: 0, 2: 1, 3: 2}, 3},
		{domain.Answers{1: 1, 2: 1}, 1},
		{domain.Answers{99: 0}, 0},
	}
	for _, tc := range cases {
		score, total := Score(qs, tc.answers)
		if score != tc.want || total != 3 {
			t.Fatalf("answers %v: expected %d/3, got %d/%d", tc.answers, tc.want, score, total)
		}
		if score < 0 || score > total {
			t.Fatalf("score out of range")
		}
	}
	if score, total := Score(nil, domain.Answers{1: 0}); score != 0 || total != 0 {
		t.Fatalf("empty assignment should score 0/0, got %d/%d", score, total)
	}
}

func TestScorerRetriesTransientFailures(t *testing.T) {
	w := &flakyWriter{failures: 2, err: errors.New("connection reset")}
	s := newTestScorer(w, 3)

	res, err := s.Submit(context.Background(), "u1", scoringQuestions(), domain.Answers{1: 0, 2: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if w.calls != 3 || w.score != 2 {
		t.Fatalf("expected 3 calls storing score 2, got %d calls score %d", w.calls, w.score)
	}
	if res.Score != 2 || res.Total != 3 || len(res.Answers) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestScorerGivesUpAfterRetries(t *testing.T) {
	w := &flakyWriter{failures: 10, err: errors.New("timeout")}
	s := newTestScorer(w, 2)

	if _, err := s.Submit(context.Background(), "u1", scoringQuestions(), nil); err == nil {
		t.Fatalf("expected failure")
	}
	if w.calls != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", w.calls)
	}
}

func TestScorerDoesNotRetryRejections(t *testing.T) {
	w := &flakyWriter{failures: 10, err: domain.ErrAlreadyCompleted}
	s := newTestScorer(w, 5)

	_, err := s.Submit(context.Background(), "u1", scoringQuestions(), nil)
	if !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if w.calls != 1 {
		t.Fatalf("rejections must not be retried, got %d calls", w.calls)
	}
}
