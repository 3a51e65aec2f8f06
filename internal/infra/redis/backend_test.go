package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/domain"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBackend(client, "test:", nil), mr
}

func seed(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	err := b.PutQuestions(ctx, []domain.Question{
		{ID: 2, Text: "two", Options: []string{"a", "b"}, CorrectAnswer: 1, ResearchPaperID: "P1"},
		{ID: 1, Text: "one", Options: []string{"a", "b"}, CorrectAnswer: 0, ResearchPaperID: "P1"},
	})
	if err != nil {
		t.Fatalf("put questions: %v", err)
	}
	skipped, err := b.PutUsers(ctx, []domain.NewUser{
		{User: domain.User{ID: "z@x.io", QuizID: "qz", Name: "Zoe", ResearchPaperID: "P1"}, QuestionIDs: []int{1, 2}},
		{User: domain.User{ID: "a@x.io", QuizID: "qa", Name: "Amy", ResearchPaperID: "P1"}, QuestionIDs: []int{1, 2}},
	})
	if err != nil || len(skipped) != 0 {
		t.Fatalf("put users: skipped %v, %v", skipped, err)
	}
}

func TestLoadEmptyDocument(t *testing.T) {
	b, _ := newTestBackend(t)
	snap, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Status != domain.StatusNotStarted || len(snap.Users) != 0 || len(snap.Questions) != 0 {
		t.Fatalf("unexpected empty snapshot %+v", snap)
	}
}

func TestWritesAreStoredAsHashes(t *testing.T) {
	b, mr := newTestBackend(t)
	seed(t, b)

	got, err := mr.HKeys("test:users")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 user fields, got %v %v", got, err)
	}
	if v := mr.HGet("test:assignments", "a@x.io"); v != "[1,2]" {
		t.Fatalf("unexpected assignment encoding %q", v)
	}
	version, err := mr.Get("test:version")
	if err != nil || version != "2" {
		t.Fatalf("expected version 2 after two writes, got %q %v", version, err)
	}

	snap, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Users[0].Name != "Amy" || snap.Questions[0].ID != 1 {
		t.Fatalf("snapshot not sorted: %+v", snap)
	}
}

func TestConditionalStatus(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()

	if err := b.SetStatus(ctx, domain.StatusActive, domain.StatusFinished); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := b.SetStatus(ctx, domain.StatusNotStarted, domain.StatusActive); err != nil {
		t.Fatalf("start: %v", err)
	}
	if v, _ := mr.Get("test:status"); v != "active" {
		t.Fatalf("expected active, got %q", v)
	}
}

func TestClaimAndCompleteOnce(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	seed(t, b)

	first := time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)
	got, err := b.ClaimSession(ctx, "a@x.io", first)
	if err != nil || !got.StartedAt.Equal(first) {
		t.Fatalf("claim: %+v %v", got, err)
	}
	if err := b.SaveProgress(ctx, "a@x.io", first, 1, domain.Answers{1: 0}); err != nil {
		t.Fatalf("save progress: %v", err)
	}
	got, err = b.ClaimSession(ctx, "a@x.io", first.Add(time.Minute))
	if err != nil || !got.StartedAt.Equal(first) || got.Index != 1 || got.Answers[1] != 0 {
		t.Fatalf("second claim should resume the first one, got %+v %v", got, err)
	}

	if err := b.CompleteUser(ctx, "a@x.io", 2, 2, domain.Answers{1: 0, 2: 1}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := b.CompleteUser(ctx, "a@x.io", 0, 2, nil); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if err := b.CompleteUser(ctx, "nobody", 0, 2, nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	snap, _ := b.Load(ctx)
	amy, _ := snap.UserByID("a@x.io")
	if !amy.Completed || *amy.Score != 2 || amy.Answers[2] != 1 {
		t.Fatalf("unexpected stored user %+v", amy)
	}

	if err := b.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap, _ = b.Load(ctx)
	amy, _ = snap.UserByID("a@x.io")
	if amy.Completed || amy.Score != nil || !amy.SessionStarted.IsZero() || amy.SessionIndex != 0 {
		t.Fatalf("reset did not clear user %+v", amy)
	}
	if len(snap.Assignments["a@x.io"]) != 2 {
		t.Fatalf("reset must keep assignments")
	}
}

func TestSimultaneousCompletionsDoNotConflict(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	const n = 60
	users := make([]domain.NewUser, n)
	for i := range users {
		id := fmt.Sprintf("u%02d@x.io", i)
		users[i] = domain.NewUser{User: domain.User{ID: id, QuizID: "q" + id, Name: id, ResearchPaperID: "P1"}, QuestionIDs: []int{1}}
	}
	if _, err := b.PutUsers(ctx, users); err != nil {
		t.Fatalf("put users: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, nu := range users {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := b.CompleteUser(ctx, id, 1, 1, domain.Answers{1: 0}); err != nil {
				errs <- fmt.Errorf("%s: %w", id, err)
			}
		}(nu.User.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("completion failed: %v", err)
	}

	snap, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, u := range snap.Users {
		if !u.Completed {
			t.Fatalf("user %s not completed", u.ID)
		}
	}
}

func TestRacingCompletionsForOneUserStoreOneResult(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	seed(t, b)

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      []int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			err := b.CompleteUser(ctx, "a@x.io", score%3, 2, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, score%3)
			case errors.Is(err, domain.ErrAlreadyCompleted):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if len(won) != 1 || rejected != n-1 {
		t.Fatalf("expected one winner, got %d winners and %d rejections", len(won), rejected)
	}
	snap, _ := b.Load(ctx)
	amy, _ := snap.UserByID("a@x.io")
	if amy.Score == nil || *amy.Score != won[0] {
		t.Fatalf("stored score %v does not match the winning write %d", amy.Score, won[0])
	}
}

func TestPutUsersKeepsExistingUsers(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()
	seed(t, b)
	if err := b.CompleteUser(ctx, "a@x.io", 2, 2, domain.Answers{1: 0, 2: 1}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	before, _ := mr.Get("test:version")

	skipped, err := b.PutUsers(ctx, []domain.NewUser{
		{User: domain.User{ID: "a@x.io", QuizID: "stolen", Name: "Amy", ResearchPaperID: "P2"}, QuestionIDs: []int{}},
	})
	if err != nil {
		t.Fatalf("put users: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "a@x.io" {
		t.Fatalf("expected a@x.io to be skipped, got %v", skipped)
	}
	if after, _ := mr.Get("test:version"); after != before {
		t.Fatalf("a write that changed nothing bumped the version: %s -> %s", before, after)
	}

	snap, _ := b.Load(ctx)
	amy, _ := snap.UserByID("a@x.io")
	if amy.QuizID != "qa" || !amy.Completed || *amy.Score != 2 || len(snap.Assignments["a@x.io"]) != 2 {
		t.Fatalf("existing user was overwritten: %+v %v", amy, snap.Assignments["a@x.io"])
	}
}

func TestDeleteReportsMissing(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	seed(t, b)

	if err := b.DeleteQuestion(ctx, 42); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}
	if err := b.DeleteUser(ctx, "a@x.io"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if err := b.DeleteUser(ctx, "a@x.io"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := b.ClearQuestions(ctx); err != nil {
		t.Fatalf("clear questions: %v", err)
	}
	if err := b.ClearUsers(ctx); err != nil {
		t.Fatalf("clear users: %v", err)
	}
	snap, _ := b.Load(ctx)
	if len(snap.Users) != 0 || len(snap.Questions) != 0 || len(snap.Assignments) != 0 {
		t.Fatalf("expected empty document, got %+v", snap)
	}
}

func TestLifecycleFollowsChangesAcrossInstances(t *testing.T) {
	writer, mr := newTestBackend(t)
	reader := NewBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lc := app.NewLifecycle(reader, nil, nil)
	go func() { _ = lc.Run(ctx) }()
	select {
	case <-lc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("lifecycle not ready")
	}

	seed(t, writer)
	if err := writer.SetStatus(context.Background(), domain.StatusNotStarted, domain.StatusActive); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	snap, err := lc.WaitFor(waitCtx, func(s domain.Snapshot) bool {
		return s.Status == domain.StatusActive && len(s.Users) == 2
	})
	if err != nil {
		t.Fatalf("reader never saw the writer's changes: %v", err)
	}
	if len(snap.AssignedQuestions("a@x.io")) != 2 {
		t.Fatalf("expected two assigned questions, got %+v", snap.Assignments)
	}
}
