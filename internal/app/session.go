package app

import (
	"errors"
	"time"

	"paper-quiz-service/internal/domain"
)

// Screen is the participant-facing state of a session.
type Screen string

const (
	ScreenWelcome          Screen = "welcome"
	ScreenPlaying          Screen = "playing"
	ScreenSubmitting       Screen = "submitting"
	ScreenFinished         Screen = "finished"
	ScreenWaiting          Screen = "waiting"
	ScreenAlreadyCompleted Screen = "already-completed"
	ScreenNoQuestions      Screen = "no-questions"
	ScreenClosed           Screen = "closed"
	ScreenFailed           Screen = "failed"
)

// Terminal reports whether a session on this screen can make no further progress.
func (s Screen) Terminal() bool {
	switch s {
	case ScreenFinished, ScreenAlreadyCompleted, ScreenNoQuestions, ScreenClosed, ScreenFailed:
		return true
	}
	return false
}

// Timing holds the countdown configuration for sessions.
type Timing struct {
	PerQuestion time.Duration
	Tick        time.Duration
	AnswerGrace time.Duration
}

// DefaultTiming is 15 seconds per question on a one second tick.
var DefaultTiming = Timing{
	PerQuestion: 15 * time.Second,
	Tick:        time.Second,
	AnswerGrace: 300 * time.Millisecond,
}

// Total is the whole-quiz budget for n questions.
func (t Timing) Total(n int) time.Duration {
	return time.Duration(n) * t.PerQuestion
}

// Event is an input to the session machine.
type Event interface{ sessionEvent() }

// StartEvent enters playing. StartedAt is the claimed session start, which
// is earlier than At when a session resumes; Index and Answers are the
// progress persisted with that claim.
type StartEvent struct {
	At        time.Time
	StartedAt time.Time
	Index     int
	Answers   domain.Answers
}

// ProgressEvent is the persisted progress of the claim started at StartedAt,
// as written by any session of the same participant.
type ProgressEvent struct {
	StartedAt time.Time
	Index     int
	Answers   domain.Answers
}

// TickEvent is one beat of the session ticker.
type TickEvent struct{ At time.Time }

// AnswerEvent selects Option for QuestionID.
type AnswerEvent struct {
	QuestionID int
	Option     int
}

// AdvanceEvent is the grace timer firing after the question at Index was answered.
type AdvanceEvent struct{ Index int }

// StatusEvent carries a change of global status or of the participant record.
type StatusEvent struct {
	Status    domain.Status
	Completed bool
	Removed   bool
}

// SubmittedEvent reports the outcome of the score write.
type SubmittedEvent struct {
	Result domain.SessionResult
	Err    error
}

func (StartEvent) sessionEvent()     {}
func (ProgressEvent) sessionEvent()  {}
func (TickEvent) sessionEvent()      {}
func (AnswerEvent) sessionEvent()    {}
func (AdvanceEvent) sessionEvent()   {}
func (StatusEvent) sessionEvent()    {}
func (SubmittedEvent) sessionEvent() {}

// Action tells the driver which side effects a transition requires.
type Action struct {
	// Submit is set exactly once per session, on entry to submitting.
	Submit bool
	// ScheduleAdvance asks for an AdvanceEvent for AdvanceIndex after the grace delay.
	ScheduleAdvance bool
	AdvanceIndex    int
}

// Machine is the session state machine. Transitions are pure functions of
// the current state and one event; the machine never reads the clock.
type Machine struct {
	questions []domain.Question
	timing    Timing

	screen       Screen
	status       domain.Status
	index        int
	answers      domain.Answers
	questionLeft time.Duration
	totalLeft    time.Duration
	startedAt    time.Time
	result       *domain.SessionResult
	err          error
}

// NewMachine builds a session for a participant's assigned questions given
// the global status and the participant's persisted completion flag.
func NewMachine(questions []domain.Question, timing Timing, status domain.Status, completed bool) *Machine {
	m := &Machine{
		questions: questions,
		timing:    timing,
		status:    status,
		answers:   domain.Answers{},
		totalLeft: timing.Total(len(questions)),
	}
	m.questionLeft = timing.PerQuestion
	switch {
	case completed:
		m.screen = ScreenAlreadyCompleted
	case len(questions) == 0:
		m.screen = ScreenNoQuestions
	default:
		m.screen = screenForStatus(status)
	}
	return m
}

func screenForStatus(status domain.Status) Screen {
	switch status {
	case domain.StatusActive:
		return ScreenWelcome
	case domain.StatusFinished:
		return ScreenClosed
	default:
		return ScreenWaiting
	}
}

// Screen returns the current screen.
func (m *Machine) Screen() Screen { return m.screen }

// Answers returns a copy of the recorded answers.
func (m *Machine) Answers() domain.Answers { return m.answers.Clone() }

// Index returns the position of the current question.
func (m *Machine) Index() int { return m.index }

// StartedAt returns the claimed start of a playing session.
func (m *Machine) StartedAt() time.Time { return m.startedAt }

// Questions returns the assigned questions in order.
func (m *Machine) Questions() []domain.Question { return m.questions }

// Step applies one event and returns the side effects to perform.
func (m *Machine) Step(ev Event) Action {
	switch e := ev.(type) {
	case StartEvent:
		return m.start(e)
	case TickEvent:
		return m.tick(e)
	case AnswerEvent:
		return m.answer(e)
	case AdvanceEvent:
		if m.screen != ScreenPlaying || e.Index != m.index {
			return Action{}
		}
		return m.advance()
	case ProgressEvent:
		if m.screen != ScreenPlaying || !e.StartedAt.Equal(m.startedAt) {
			return Action{}
		}
		return m.restore(e.Index, e.Answers)
	case StatusEvent:
		return m.statusChanged(e)
	case SubmittedEvent:
		m.submitted(e)
	}
	return Action{}
}

func (m *Machine) start(e StartEvent) Action {
	if m.screen != ScreenWelcome || m.status != domain.StatusActive {
		return Action{}
	}
	started := e.StartedAt
	if started.IsZero() || started.After(e.At) {
		started = e.At
	}
	m.screen = ScreenPlaying
	m.startedAt = started
	m.index = 0
	m.answers = domain.Answers{}
	m.questionLeft = m.timing.PerQuestion
	act := m.restore(e.Index, e.Answers)
	if total := m.updateTotal(e.At); total.Submit {
		return total
	}
	return act
}

// restore merges persisted progress into a playing session. Persisted
// answers replace local ones and the index only moves forward. If the
// question it lands on is already answered the session moves past it.
func (m *Machine) restore(index int, answers domain.Answers) Action {
	changed := false
	for _, q := range m.questions {
		opt, ok := answers[q.ID]
		if !ok || opt < 0 || opt >= len(q.Options) {
			continue
		}
		if cur, had := m.answers[q.ID]; !had || cur != opt {
			m.answers[q.ID] = opt
			changed = true
		}
	}
	if index >= len(m.questions) {
		index = len(m.questions) - 1
	}
	if index > m.index {
		m.index = index
		m.questionLeft = m.timing.PerQuestion
		changed = true
	}
	if !changed {
		return Action{}
	}
	if _, answered := m.answers[m.questions[m.index].ID]; !answered {
		return Action{}
	}
	if m.index == len(m.questions)-1 {
		return m.submit()
	}
	return Action{ScheduleAdvance: true, AdvanceIndex: m.index}
}

// updateTotal recomputes the total countdown from wall-clock elapsed time
// and submits when it has run out.
func (m *Machine) updateTotal(now time.Time) Action {
	left := m.timing.Total(len(m.questions)) - now.Sub(m.startedAt)
	if left < 0 {
		left = 0
	}
	m.totalLeft = left
	if left == 0 {
		return m.submit()
	}
	return Action{}
}

func (m *Machine) tick(e TickEvent) Action {
	if m.screen != ScreenPlaying {
		return Action{}
	}
	if act := m.updateTotal(e.At); act.Submit {
		return act
	}
	m.questionLeft -= m.timing.Tick
	if m.questionLeft <= 0 {
		return m.advance()
	}
	return Action{}
}

func (m *Machine) answer(e AnswerEvent) Action {
	if m.screen != ScreenPlaying {
		return Action{}
	}
	current := m.questions[m.index]
	if e.QuestionID != current.ID || e.Option < 0 || e.Option >= len(current.Options) {
		return Action{}
	}
	if _, answered := m.answers[current.ID]; answered {
		return Action{}
	}
	m.answers[current.ID] = e.Option
	if m.index == len(m.questions)-1 {
		return m.submit()
	}
	return Action{ScheduleAdvance: true, AdvanceIndex: m.index}
}

func (m *Machine) advance() Action {
	if m.index < len(m.questions)-1 {
		m.index++
		m.questionLeft = m.timing.PerQuestion
		return Action{}
	}
	return m.submit()
}

// submit is the one-way guard: only a playing session can enter submitting.
func (m *Machine) submit() Action {
	if m.screen != ScreenPlaying {
		return Action{}
	}
	m.screen = ScreenSubmitting
	return Action{Submit: true}
}

func (m *Machine) statusChanged(e StatusEvent) Action {
	m.status = e.Status
	if m.screen.Terminal() || m.screen == ScreenSubmitting {
		return Action{}
	}
	if e.Removed {
		m.screen = ScreenClosed
		return Action{}
	}
	if e.Completed {
		// Someone else finished this participant's quiz.
		m.screen = ScreenAlreadyCompleted
		return Action{}
	}

	switch e.Status {
	case domain.StatusFinished:
		if m.screen == ScreenPlaying {
			return m.submit()
		}
		m.screen = ScreenClosed
	case domain.StatusNotStarted:
		// A reset drops any progress; the claim was cleared with it.
		m.screen = ScreenWaiting
		m.index = 0
		m.answers = domain.Answers{}
		m.startedAt = time.Time{}
		m.questionLeft = m.timing.PerQuestion
		m.totalLeft = m.timing.Total(len(m.questions))
	case domain.StatusActive:
		if m.screen == ScreenWaiting {
			m.screen = ScreenWelcome
		}
	}
	return Action{}
}

func (m *Machine) submitted(e SubmittedEvent) {
	if m.screen != ScreenSubmitting {
		return
	}
	switch {
	case e.Err == nil:
		res := e.Result
		m.result = &res
		m.screen = ScreenFinished
	case errors.Is(e.Err, domain.ErrAlreadyCompleted):
		m.screen = ScreenAlreadyCompleted
	default:
		m.err = e.Err
		m.screen = ScreenFailed
	}
}

// PublicQuestion is a question without its answer key.
type PublicQuestion struct {
	ID      int      `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options"`
}

// SessionView is the client-facing projection of a session.
type SessionView struct {
	Screen          Screen                `json:"screen"`
	Status          domain.Status         `json:"status"`
	QuestionCount   int                   `json:"questionCount"`
	Index           int                   `json:"index"`
	Question        *PublicQuestion       `json:"question,omitempty"`
	Selected        *int                  `json:"selected,omitempty"`
	QuestionSeconds int                   `json:"questionSeconds"`
	TotalSeconds    int                   `json:"totalSeconds"`
	Result          *domain.SessionResult `json:"result,omitempty"`
	Error           string                `json:"error,omitempty"`
}

// View projects the machine for clients. Countdowns round up to whole seconds.
func (m *Machine) View() SessionView {
	v := SessionView{
		Screen:          m.screen,
		Status:          m.status,
		QuestionCount:   len(m.questions),
		Index:           m.index,
		QuestionSeconds: ceilSeconds(m.questionLeft),
		TotalSeconds:    ceilSeconds(m.totalLeft),
		Result:          m.result,
	}
	if m.err != nil {
		v.Error = m.err.Error()
	}
	if m.screen == ScreenPlaying && m.index < len(m.questions) {
		q := m.questions[m.index]
		v.Question = &PublicQuestion{ID: q.ID, Text: q.Text, Options: q.Options}
		if sel, ok := m.answers[q.ID]; ok {
			v.Selected = &sel
		}
	}
	return v
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
