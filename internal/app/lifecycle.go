package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"paper-quiz-service/internal/csvimport"
	"paper-quiz-service/internal/domain"
	"paper-quiz-service/internal/metrics"
)

// Backend abstracts the document store behind the lifecycle (in-memory,
// Redis, Postgres). Every successful write must eventually produce a signal
// on the channels returned by Watch.
type Backend interface {
	// Load returns the full current state.
	Load(ctx context.Context) (domain.Snapshot, error)
	// Watch delivers a signal after every change until ctx is done.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// SetStatus moves the status to `to` only if it currently equals `from`,
	// otherwise it returns domain.ErrInvalidTransition.
	SetStatus(ctx context.Context, from, to domain.Status) error
	// Reset sets the status to not-started and clears every user's
	// completion, score, answers and session claim in one atomic write.
	Reset(ctx context.Context) error

	PutQuestions(ctx context.Context, questions []domain.Question) error
	DeleteQuestion(ctx context.Context, id int) error
	ClearQuestions(ctx context.Context) error

	// PutUsers writes users together with their assignments atomically.
	// Users whose id is already stored are left untouched and returned as
	// skipped, so a quiz id is never reassigned.
	PutUsers(ctx context.Context, users []domain.NewUser) (skipped []string, err error)
	DeleteUser(ctx context.Context, id string) error
	ClearUsers(ctx context.Context) error

	// ClaimSession records the first session start for a user and returns
	// the persisted claim, including any progress saved under it. It fails
	// with domain.ErrAlreadyCompleted for completed users.
	ClaimSession(ctx context.Context, userID string, at time.Time) (domain.SessionClaim, error)
	// SaveProgress merges progress into the claim started at startedAt, as
	// domain.User.SaveProgress does. Stale claims are ignored.
	SaveProgress(ctx context.Context, userID string, startedAt time.Time, index int, answers domain.Answers) error
	// CompleteUser stores the final result once. A second call for a
	// completed user returns domain.ErrAlreadyCompleted and changes nothing.
	CompleteUser(ctx context.Context, userID string, score, total int, answers domain.Answers) error
}

// Lifecycle is the single source of truth for status, roster, question bank
// and assignments within one process. Writes go to the backend; the local
// snapshot only converges through the backend's change feed.
type Lifecycle struct {
	backend Backend
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	state       domain.Snapshot
	version     uint64
	subscribers map[chan domain.Snapshot]struct{}
	stopped     bool
	ready       chan struct{}
	readyOnce   sync.Once
}

func NewLifecycle(backend Backend, logger *zap.Logger, m *metrics.Metrics) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		backend:     backend,
		logger:      logger,
		metrics:     m,
		state:       domain.Snapshot{Status: domain.StatusNotStarted, Assignments: map[string][]int{}},
		subscribers: make(map[chan domain.Snapshot]struct{}),
		ready:       make(chan struct{}),
	}
}

// Run loads the initial state and then follows the backend change feed
// until ctx is cancelled. Subscribers are closed when Run returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	defer l.closeSubscribers()

	changes, err := l.backend.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch backend: %w", err)
	}
	if err := l.refresh(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("backend change feed closed")
			}
			if err := l.refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.logger.Warn("reload state failed", zap.Error(err))
			}
		}
	}
}

// Ready is closed once the first snapshot has been loaded.
func (l *Lifecycle) Ready() <-chan struct{} {
	return l.ready
}

func (l *Lifecycle) refresh(ctx context.Context) error {
	snap, err := l.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	l.mu.Lock()
	l.version++
	snap.Version = l.version
	if snap.Assignments == nil {
		snap.Assignments = map[string][]int{}
	}
	l.state = snap
	l.broadcastLocked()
	l.mu.Unlock()
	l.readyOnce.Do(func() { close(l.ready) })
	return nil
}

// State returns the latest known snapshot without blocking on the backend.
func (l *Lifecycle) State() domain.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Subscribe returns a channel that receives the current snapshot right away
// and every later one. Slow readers only ever see the latest snapshot. The
// caller must invoke the returned cancel function to avoid leaks.
func (l *Lifecycle) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)

	l.mu.Lock()
	ch <- l.state
	if l.stopped {
		close(ch)
		l.mu.Unlock()
		return ch, func() {}
	}
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subscribers[ch]; ok {
			delete(l.subscribers, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

// WaitFor blocks until a snapshot satisfies pred or ctx is done.
func (l *Lifecycle) WaitFor(ctx context.Context, pred func(domain.Snapshot) bool) (domain.Snapshot, error) {
	updates, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return domain.Snapshot{}, ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return domain.Snapshot{}, ErrLifecycleStopped
			}
			if pred(snap) {
				return snap, nil
			}
		}
	}
}

// ErrLifecycleStopped is returned to waiters when Run has exited.
var ErrLifecycleStopped = errors.New("lifecycle stopped")

func (l *Lifecycle) broadcastLocked() {
	for ch := range l.subscribers {
		select {
		case ch <- l.state:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- l.state
		}
	}
}

func (l *Lifecycle) closeSubscribers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	for ch := range l.subscribers {
		delete(l.subscribers, ch)
		close(ch)
	}
}

// StartQuiz moves not-started to active. It is rejected when the roster is empty.
func (l *Lifecycle) StartQuiz(ctx context.Context) error {
	snap, err := l.backend.Load(ctx)
	if err != nil {
		return err
	}
	if len(snap.Users) == 0 {
		l.metrics.Transition(string(domain.StatusActive), domain.ErrNoUsers)
		return domain.ErrNoUsers
	}
	return l.transition(ctx, domain.StatusNotStarted, domain.StatusActive)
}

// EndQuiz moves active to finished.
func (l *Lifecycle) EndQuiz(ctx context.Context) error {
	return l.transition(ctx, domain.StatusActive, domain.StatusFinished)
}

func (l *Lifecycle) transition(ctx context.Context, from, to domain.Status) error {
	err := l.backend.SetStatus(ctx, from, to)
	l.metrics.Transition(string(to), err)
	if err != nil {
		l.logger.Info("status transition rejected", zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))
		return err
	}
	l.logger.Info("status transition", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// ResetQuiz forces not-started and clears every user's result atomically.
func (l *Lifecycle) ResetQuiz(ctx context.Context) error {
	err := l.backend.Reset(ctx)
	l.metrics.Transition(string(domain.StatusNotStarted), err)
	if err != nil {
		return err
	}
	l.logger.Info("quiz reset")
	return nil
}

// AddQuestion upserts a single question.
func (l *Lifecycle) AddQuestion(ctx context.Context, q domain.Question) error {
	return l.AddQuestions(ctx, []domain.Question{q})
}

// AddQuestions upserts questions in one batch. Existing assignments are not touched.
func (l *Lifecycle) AddQuestions(ctx context.Context, questions []domain.Question) error {
	for _, q := range questions {
		if err := q.Validate(); err != nil {
			return err
		}
	}
	if len(questions) == 0 {
		return nil
	}
	return l.backend.PutQuestions(ctx, questions)
}

// ImportQuestionsCSV parses and stores a questions upload. Rejected rows are
// reported in the result and do not fail the import.
func (l *Lifecycle) ImportQuestionsCSV(ctx context.Context, r io.Reader) (csvimport.QuestionsResult, error) {
	res, err := csvimport.ParseQuestions(r)
	if err != nil {
		return res, err
	}
	for _, d := range res.Diagnostics {
		l.logger.Warn("skipping question row", zap.Int("line", d.Line), zap.String("reason", d.Reason))
	}
	l.metrics.Imported("questions", len(res.Questions), len(res.Diagnostics))
	if err := l.AddQuestions(ctx, res.Questions); err != nil {
		return res, err
	}
	return res, nil
}

func (l *Lifecycle) DeleteQuestion(ctx context.Context, id int) error {
	return l.backend.DeleteQuestion(ctx, id)
}

func (l *Lifecycle) ClearAllQuestions(ctx context.Context) error {
	return l.backend.ClearQuestions(ctx)
}

// AddUsersResult reports which uploaded users were created.
type AddUsersResult struct {
	Added   []domain.User `json:"added"`
	Skipped []string      `json:"skipped"` // ids already on the roster
}

// AddUser creates one participant with a fresh quiz id and frozen assignment.
func (l *Lifecycle) AddUser(ctx context.Context, seed domain.UserSeed) (domain.User, error) {
	res, err := l.AddUsers(ctx, []domain.UserSeed{seed})
	if err != nil {
		return domain.User{}, err
	}
	if len(res.Added) == 0 {
		return domain.User{}, domain.ErrUserExists
	}
	return res.Added[0], nil
}

// AddUsers creates participants in one atomic batch. Each user's assignment
// is resolved against the question bank as it is now. Users already on the
// roster keep their quiz id and assignment and are reported as skipped.
func (l *Lifecycle) AddUsers(ctx context.Context, seeds []domain.UserSeed) (AddUsersResult, error) {
	var res AddUsersResult
	for _, s := range seeds {
		if err := s.Validate(); err != nil {
			return res, err
		}
	}
	snap, err := l.backend.Load(ctx)
	if err != nil {
		return res, err
	}

	seen := make(map[string]struct{}, len(snap.Users)+len(seeds))
	tokens := make(map[string]struct{}, len(snap.Users)+len(seeds))
	for _, u := range snap.Users {
		seen[u.ID] = struct{}{}
		tokens[u.QuizID] = struct{}{}
	}

	now := time.Now()
	batch := make([]domain.NewUser, 0, len(seeds))
	for _, s := range seeds {
		if _, dup := seen[s.ID]; dup {
			res.Skipped = append(res.Skipped, s.ID)
			continue
		}
		seen[s.ID] = struct{}{}

		quizID := NewQuizID(now)
		for {
			if _, taken := tokens[quizID]; !taken {
				break
			}
			quizID = NewQuizID(now)
		}
		tokens[quizID] = struct{}{}

		user := domain.User{
			ID:              s.ID,
			QuizID:          quizID,
			Name:            s.Name,
			ResearchPaperID: s.ResearchPaperID,
		}
		ids := ResolveAssignment(s.ResearchPaperID, snap.Questions)
		if len(ids) == 0 {
			l.logger.Warn("user has no matching questions", zap.String("user", s.ID), zap.String("paper", s.ResearchPaperID))
		}
		batch = append(batch, domain.NewUser{User: user, QuestionIDs: ids})
		res.Added = append(res.Added, user)
	}
	if len(batch) == 0 {
		return res, nil
	}
	skipped, err := l.backend.PutUsers(ctx, batch)
	if err != nil {
		return AddUsersResult{}, err
	}
	if len(skipped) > 0 {
		// Another writer added these ids after our load.
		lost := make(map[string]struct{}, len(skipped))
		for _, id := range skipped {
			lost[id] = struct{}{}
		}
		added := res.Added[:0]
		for _, u := range res.Added {
			if _, ok := lost[u.ID]; ok {
				res.Skipped = append(res.Skipped, u.ID)
				continue
			}
			added = append(added, u)
		}
		res.Added = added
	}
	return res, nil
}

// ImportUsersCSV parses and stores a users upload.
func (l *Lifecycle) ImportUsersCSV(ctx context.Context, r io.Reader) (csvimport.UsersResult, AddUsersResult, error) {
	parsed, err := csvimport.ParseUsers(r)
	if err != nil {
		return parsed, AddUsersResult{}, err
	}
	for _, d := range parsed.Diagnostics {
		l.logger.Warn("skipping user row", zap.Int("line", d.Line), zap.String("reason", d.Reason))
	}
	l.metrics.Imported("users", len(parsed.Users), len(parsed.Diagnostics))
	added, err := l.AddUsers(ctx, parsed.Users)
	return parsed, added, err
}

func (l *Lifecycle) DeleteUser(ctx context.Context, id string) error {
	return l.backend.DeleteUser(ctx, id)
}

func (l *Lifecycle) ClearAllUsers(ctx context.Context) error {
	return l.backend.ClearUsers(ctx)
}

// ClaimSession marks the start of a participant's session and returns the
// claim to resume from.
func (l *Lifecycle) ClaimSession(ctx context.Context, userID string, at time.Time) (domain.SessionClaim, error) {
	return l.backend.ClaimSession(ctx, userID, at)
}

// SaveProgress persists how far a claimed session has got.
func (l *Lifecycle) SaveProgress(ctx context.Context, userID string, startedAt time.Time, index int, answers domain.Answers) error {
	return l.backend.SaveProgress(ctx, userID, startedAt, index, answers)
}

// SubmitScore performs the once-only completion write for a participant.
func (l *Lifecycle) SubmitScore(ctx context.Context, userID string, score, total int, answers domain.Answers) error {
	if score < 0 || score > total {
		return fmt.Errorf("score %d out of range 0..%d", score, total)
	}
	return l.backend.CompleteUser(ctx, userID, score, total, answers)
}
