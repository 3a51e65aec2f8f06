package app_test

import (
	"context"
	"testing"
	"time"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/domain"
	"paper-quiz-service/internal/infra/memory"
)

func newTestLifecycle(t *testing.T) (*app.Lifecycle, *memory.Backend) {
	t.Helper()
	backend := memory.NewBackend()
	lc := app.NewLifecycle(backend, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := lc.Run(ctx); err != nil {
			t.Errorf("lifecycle run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-lc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("lifecycle not ready")
	}
	return lc, backend
}

func waitState(t *testing.T, lc *app.Lifecycle, pred func(domain.Snapshot) bool) domain.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := lc.WaitFor(ctx, pred)
	if err != nil {
		t.Fatalf("wait for state: %v", err)
	}
	return snap
}

func hasStatus(status domain.Status) func(domain.Snapshot) bool {
	return func(s domain.Snapshot) bool { return s.Status == status }
}

func hasUsers(n int) func(domain.Snapshot) bool {
	return func(s domain.Snapshot) bool { return len(s.Users) == n }
}

func paperQuestions() []domain.Question {
	return []domain.Question{
		{ID: 2, Text: "Second?", Options: []string{"a", "b"}, CorrectAnswer: 0, ResearchPaperID: "P1"},
		{ID: 1, Text: "First?", Options: []string{"a", "b", "c"}, CorrectAnswer: 2, ResearchPaperID: "P1"},
		{ID: 3, Text: "Other paper", Options: []string{"x", "y"}, CorrectAnswer: 1, ResearchPaperID: "P2"},
	}
}

func waitScreen(t *testing.T, r *app.Runner, screen app.Screen) app.SessionView {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case v, ok := <-r.Updates():
			if !ok {
				t.Fatalf("session closed before reaching %s", screen)
			}
			if v.Screen == screen {
				return v
			}
		case <-timeout:
			t.Fatalf("timed out waiting for screen %s", screen)
		}
	}
}

func intPtr(v int) *int { return &v }
