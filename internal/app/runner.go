package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paper-quiz-service/internal/domain"
	"paper-quiz-service/internal/metrics"
)

type startRequest struct{}

// Runner drives one participant's Machine with real timers: a repeating
// tick while playing and a one-shot grace timer after each answer. All
// transitions happen on the Run goroutine.
type Runner struct {
	ID     string
	user   domain.User
	timing Timing
	now    func() time.Time

	machine   *Machine
	lifecycle *Lifecycle
	scorer    *Scorer
	logger    *zap.Logger
	metrics   *metrics.Metrics

	inbox chan any
	views chan SessionView
	done  chan struct{}
}

func newRunner(user domain.User, questions []domain.Question, snap domain.Snapshot, timing Timing, lc *Lifecycle, scorer *Scorer, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *Runner {
	id := uuid.NewString()
	return &Runner{
		ID:        id,
		user:      user,
		timing:    timing,
		now:       now,
		machine:   NewMachine(questions, timing, snap.Status, user.Completed),
		lifecycle: lc,
		scorer:    scorer,
		logger:    logger.With(zap.String("session", id), zap.String("user", user.ID)),
		metrics:   m,
		inbox:     make(chan any, 8),
		views:     make(chan SessionView, 1),
		done:      make(chan struct{}),
	}
}

// User returns the participant this session belongs to.
func (r *Runner) User() domain.User { return r.user }

// View returns the state before Run starts publishing.
func (r *Runner) View() SessionView { return r.machine.View() }

// Updates delivers a view after every transition. Slow readers only see the
// latest view. The channel is closed when Run returns.
func (r *Runner) Updates() <-chan SessionView { return r.views }

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Start asks the session to enter playing.
func (r *Runner) Start() error {
	return r.send(startRequest{})
}

// Answer selects an option for a question.
func (r *Runner) Answer(questionID, option int) error {
	return r.send(AnswerEvent{QuestionID: questionID, Option: option})
}

func (r *Runner) send(msg any) error {
	select {
	case <-r.done:
		return domain.ErrSessionClosed
	default:
	}
	select {
	case r.inbox <- msg:
		return nil
	case <-r.done:
		return domain.ErrSessionClosed
	}
}

// Run processes events until the session reaches a terminal screen or ctx
// is cancelled. Cancelling ctx stops all timers but never aborts a score
// write that has already begun.
func (r *Runner) Run(ctx context.Context) error {
	r.metrics.SessionOpened()
	defer r.metrics.SessionClosed()
	defer close(r.done)
	defer close(r.views)

	updates, unsubscribe := r.lifecycle.Subscribe()
	defer unsubscribe()

	var (
		ticker     *time.Ticker
		tickC      <-chan time.Time
		grace      *time.Timer
		graceC     <-chan time.Time
		graceIndex int
		submitted  = make(chan SubmittedEvent, 1)

		savedIndex, savedAnswers int
	)
	stopTimers := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
		if grace != nil {
			grace.Stop()
			grace, graceC = nil, nil
		}
	}
	defer stopTimers()

	apply := func(ev Event) {
		act := r.machine.Step(ev)
		if act.ScheduleAdvance {
			if grace != nil {
				grace.Stop()
			}
			grace = time.NewTimer(r.timing.AnswerGrace)
			graceC = grace.C
			graceIndex = act.AdvanceIndex
		}
		if act.Submit {
			stopTimers()
			r.submit(ctx, submitted)
		}
		screen := r.machine.Screen()
		if screen == ScreenPlaying && ticker == nil {
			ticker = time.NewTicker(r.timing.Tick)
			tickC = ticker.C
		}
		if screen == ScreenPlaying {
			index, answers := r.machine.Index(), r.machine.Answers()
			if index != savedIndex || len(answers) != savedAnswers {
				savedIndex, savedAnswers = index, len(answers)
				r.saveProgress(ctx, index, answers)
			}
		} else {
			stopTimers()
			savedIndex, savedAnswers = 0, 0
		}
		r.publish()
	}

	r.publish()
	for !r.machine.Screen().Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return ErrLifecycleStopped
			}
			user, found := snap.UserByID(r.user.ID)
			apply(StatusEvent{Status: snap.Status, Completed: found && user.Completed, Removed: !found})
			if found && r.machine.Screen() == ScreenPlaying {
				apply(ProgressEvent{StartedAt: user.SessionStarted, Index: user.SessionIndex, Answers: user.Answers})
			}
		case msg := <-r.inbox:
			switch m := msg.(type) {
			case startRequest:
				r.handleStart(ctx, apply)
			case AnswerEvent:
				apply(m)
			}
		case <-tickC:
			apply(TickEvent{At: r.now()})
		case <-graceC:
			grace, graceC = nil, nil
			apply(AdvanceEvent{Index: graceIndex})
		case ev := <-submitted:
			apply(ev)
		}
	}
	return nil
}

func (r *Runner) handleStart(ctx context.Context, apply func(Event)) {
	if r.machine.Screen() != ScreenWelcome {
		return
	}
	at := r.now()
	claim, err := r.lifecycle.ClaimSession(ctx, r.user.ID, at)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyCompleted) {
			apply(StatusEvent{Status: r.lifecycle.State().Status, Completed: true})
			return
		}
		r.logger.Warn("claim session failed", zap.Error(err))
		r.publish()
		return
	}
	if claim.StartedAt.Before(at) {
		r.logger.Info("resuming session", zap.Time("startedAt", claim.StartedAt), zap.Int("index", claim.Index))
	}
	apply(StartEvent{At: at, StartedAt: claim.StartedAt, Index: claim.Index, Answers: claim.Answers})
}

// saveProgress persists the current index and answers so a reconnect, or a
// second tab, continues where this session is.
func (r *Runner) saveProgress(ctx context.Context, index int, answers domain.Answers) {
	startedAt := r.machine.StartedAt()
	go func() {
		err := r.lifecycle.SaveProgress(ctx, r.user.ID, startedAt, index, answers)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrAlreadyCompleted) {
			r.logger.Warn("save progress failed", zap.Error(err))
		}
	}()
}

// submit hands the answers to the scorer. The write runs detached from ctx
// so leaving the session cannot abort it.
func (r *Runner) submit(ctx context.Context, out chan<- SubmittedEvent) {
	questions := r.machine.Questions()
	answers := r.machine.Answers()
	// Another tab may have answered questions this one has not seen yet.
	if u, ok := r.lifecycle.State().UserByID(r.user.ID); ok && u.SessionStarted.Equal(r.machine.StartedAt()) {
		for _, q := range questions {
			if opt, ok := u.Answers[q.ID]; ok && opt >= 0 && opt < len(q.Options) {
				answers[q.ID] = opt
			}
		}
	}
	writeCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := r.scorer.Submit(writeCtx, r.user.ID, questions, answers)
		out <- SubmittedEvent{Result: res, Err: err}
	}()
}

func (r *Runner) publish() {
	v := r.machine.View()
	select {
	case r.views <- v:
	default:
		select {
		case <-r.views:
		default:
		}
		r.views <- v
	}
}
