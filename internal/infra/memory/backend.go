package memory

import (
	"context"
	"sync"
	"time"

	"paper-quiz-service/internal/domain"
)

// Backend is an in-memory implementation of app.Backend, useful for tests
// and single-process demos. Every write signals all watchers.
type Backend struct {
	mu          sync.RWMutex
	status      domain.Status
	questions   map[int]domain.Question
	users       map[string]domain.User
	assignments map[string][]int
	watchers    map[chan struct{}]struct{}

	// FailWrites, when set, makes CompleteUser fail with the returned error.
	FailWrites func() error
}

func NewBackend() *Backend {
	return &Backend{
		status:      domain.StatusNotStarted,
		questions:   make(map[int]domain.Question),
		users:       make(map[string]domain.User),
		assignments: make(map[string][]int),
		watchers:    make(map[chan struct{}]struct{}),
	}
}

func (b *Backend) Load(_ context.Context) (domain.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := domain.Snapshot{
		Status:      b.status,
		Users:       make([]domain.User, 0, len(b.users)),
		Questions:   make([]domain.Question, 0, len(b.questions)),
		Assignments: make(map[string][]int, len(b.assignments)),
	}
	for _, u := range b.users {
		u.Answers = u.Answers.Clone()
		snap.Users = append(snap.Users, u)
	}
	for _, q := range b.questions {
		snap.Questions = append(snap.Questions, q)
	}
	for id, ids := range b.assignments {
		snap.Assignments[id] = append([]int(nil), ids...)
	}
	snap.Sort()
	return snap, nil
}

func (b *Backend) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.watchers, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// notifyLocked coalesces signals: a watcher that has not drained the last
// one still sees exactly one pending signal.
func (b *Backend) notifyLocked() {
	for ch := range b.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Backend) SetStatus(_ context.Context, from, to domain.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != from {
		return domain.ErrInvalidTransition
	}
	b.status = to
	b.notifyLocked()
	return nil
}

func (b *Backend) Reset(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, u := range b.users {
		b.users[id] = u.ClearResult()
	}
	b.status = domain.StatusNotStarted
	b.notifyLocked()
	return nil
}

func (b *Backend) PutQuestions(_ context.Context, questions []domain.Question) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range questions {
		q.Options = append([]string(nil), q.Options...)
		b.questions[q.ID] = q
	}
	b.notifyLocked()
	return nil
}

func (b *Backend) DeleteQuestion(_ context.Context, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.questions[id]; !ok {
		return domain.ErrQuestionNotFound
	}
	delete(b.questions, id)
	b.notifyLocked()
	return nil
}

func (b *Backend) ClearQuestions(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.questions = make(map[int]domain.Question)
	b.notifyLocked()
	return nil
}

func (b *Backend) PutUsers(_ context.Context, users []domain.NewUser) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var skipped []string
	for _, nu := range users {
		if _, exists := b.users[nu.User.ID]; exists {
			skipped = append(skipped, nu.User.ID)
			continue
		}
		b.users[nu.User.ID] = nu.User
		b.assignments[nu.User.ID] = append([]int(nil), nu.QuestionIDs...)
	}
	if len(skipped) < len(users) {
		b.notifyLocked()
	}
	return skipped, nil
}

func (b *Backend) DeleteUser(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[id]; !ok {
		return domain.ErrUserNotFound
	}
	delete(b.users, id)
	delete(b.assignments, id)
	b.notifyLocked()
	return nil
}

func (b *Backend) ClearUsers(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = make(map[string]domain.User)
	b.assignments = make(map[string][]int)
	b.notifyLocked()
	return nil
}

func (b *Backend) ClaimSession(_ context.Context, userID string, at time.Time) (domain.SessionClaim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[userID]
	if !ok {
		return domain.SessionClaim{}, domain.ErrUserNotFound
	}
	if u.Completed {
		return domain.SessionClaim{}, domain.ErrAlreadyCompleted
	}
	if u.SessionStarted.IsZero() {
		u.SessionStarted = at
		b.users[userID] = u
		b.notifyLocked()
	}
	return u.Claim(), nil
}

func (b *Backend) SaveProgress(_ context.Context, userID string, startedAt time.Time, index int, answers domain.Answers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.Answers = u.Answers.Clone()
	if u.SaveProgress(startedAt, index, answers) {
		b.users[userID] = u
		b.notifyLocked()
	}
	return nil
}

func (b *Backend) CompleteUser(_ context.Context, userID string, score, total int, answers domain.Answers) error {
	if b.FailWrites != nil {
		if err := b.FailWrites(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	if u.Completed {
		return domain.ErrAlreadyCompleted
	}
	u.Score = &score
	u.TotalQuestions = &total
	u.Completed = true
	u.Answers = answers.Clone()
	b.users[userID] = u
	b.notifyLocked()
	return nil
}
