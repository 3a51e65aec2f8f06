package app_test

import (
	"errors"
	"testing"
	"time"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/domain"
)

var t0 = time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)

func threeQuestions() []domain.Question {
	return []domain.Question{
		{ID: 1, Text: "one", Options: []string{"a", "b"}, CorrectAnswer: 0, ResearchPaperID: "P1"},
		{ID: 2, Text: "two", Options: []string{"a", "b"}, CorrectAnswer: 1, ResearchPaperID: "P1"},
		{ID: 3, Text: "three", Options: []string{"a", "b"}, CorrectAnswer: 0, ResearchPaperID: "P1"},
	}
}

func startedMachine(t *testing.T, questions []domain.Question) *app.Machine {
	t.Helper()
	m := app.NewMachine(questions, app.DefaultTiming, domain.StatusActive, false)
	if m.Screen() != app.ScreenWelcome {
		t.Fatalf("expected welcome, got %s", m.Screen())
	}
	m.Step(app.StartEvent{At: t0, StartedAt: t0})
	if m.Screen() != app.ScreenPlaying {
		t.Fatalf("expected playing, got %s", m.Screen())
	}
	return m
}

func TestInitialScreens(t *testing.T) {
	qs := threeQuestions()
	cases := []struct {
		name      string
		questions []domain.Question
		status    domain.Status
		completed bool
		want      app.Screen
	}{
		{"waiting", qs, domain.StatusNotStarted, false, app.ScreenWaiting},
		{"welcome", qs, domain.StatusActive, false, app.ScreenWelcome},
		{"closed", qs, domain.StatusFinished, false, app.ScreenClosed},
		{"completed wins", qs, domain.StatusActive, true, app.ScreenAlreadyCompleted},
		{"no questions", nil, domain.StatusActive, false, app.ScreenNoQuestions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := app.NewMachine(tc.questions, app.DefaultTiming, tc.status, tc.completed)
			if m.Screen() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, m.Screen())
			}
		})
	}
}

func TestStartIgnoredUnlessActive(t *testing.T) {
	m := app.NewMachine(threeQuestions(), app.DefaultTiming, domain.StatusNotStarted, false)
	m.Step(app.StartEvent{At: t0})
	if m.Screen() != app.ScreenWaiting {
		t.Fatalf("start while not-started must be ignored, got %s", m.Screen())
	}
	m.Step(app.StatusEvent{Status: domain.StatusActive})
	if m.Screen() != app.ScreenWelcome {
		t.Fatalf("activation should show welcome, got %s", m.Screen())
	}
}

func TestTimersConvergeOnSingleSubmit(t *testing.T) {
	m := startedMachine(t, threeQuestions())
	if v := m.View(); v.TotalSeconds != 45 || v.QuestionSeconds != 15 {
		t.Fatalf("expected 45s total and 15s per question, got %+v", v)
	}

	submits := 0
	for i := 1; i <= 60; i++ {
		act := m.Step(app.TickEvent{At: t0.Add(time.Duration(i) * time.Second)})
		if act.Submit {
			submits++
			if i != 45 {
				t.Fatalf("submitted at tick %d, expected 45", i)
			}
		}
		switch i {
		case 14:
			if m.View().Index != 0 || m.View().QuestionSeconds != 1 {
				t.Fatalf("unexpected view at tick 14: %+v", m.View())
			}
		case 15:
			if m.View().Index != 1 || m.View().QuestionSeconds != 15 {
				t.Fatalf("expected advance at tick 15: %+v", m.View())
			}
		case 30:
			if m.View().Index != 2 {
				t.Fatalf("expected last question at tick 30: %+v", m.View())
			}
		}
	}
	if submits != 1 {
		t.Fatalf("expected exactly one submit, got %d", submits)
	}
	if m.Screen() != app.ScreenSubmitting {
		t.Fatalf("expected submitting, got %s", m.Screen())
	}
}

func TestTotalCountdownFollowsWallClock(t *testing.T) {
	m := startedMachine(t, threeQuestions())

	// A suspended tab delivers one late tick; the total budget is already spent.
	act := m.Step(app.TickEvent{At: t0.Add(50 * time.Second)})
	if !act.Submit {
		t.Fatalf("expected submit after the total budget elapsed")
	}
	if v := m.View(); v.TotalSeconds != 0 {
		t.Fatalf("expected total to read 0, got %d", v.TotalSeconds)
	}
}

func TestResumeKeepsOriginalStart(t *testing.T) {
	m := app.NewMachine(threeQuestions(), app.DefaultTiming, domain.StatusActive, false)
	m.Step(app.StartEvent{At: t0.Add(20 * time.Second), StartedAt: t0})
	if v := m.View(); v.TotalSeconds != 25 {
		t.Fatalf("expected 25s left after resuming, got %d", v.TotalSeconds)
	}
}

func TestFirstAnswerWinsAndGraceAdvances(t *testing.T) {
	m := startedMachine(t, threeQuestions())

	act := m.Step(app.AnswerEvent{QuestionID: 1, Option: 1})
	if !act.ScheduleAdvance || act.AdvanceIndex != 0 {
		t.Fatalf("expected a grace advance for index 0, got %+v", act)
	}
	if again := m.Step(app.AnswerEvent{QuestionID: 1, Option: 0}); again != (app.Action{}) {
		t.Fatalf("second answer must be ignored, got %+v", again)
	}
	if sel := m.View().Selected; sel == nil || *sel != 1 {
		t.Fatalf("expected selection 1 to stick, got %v", sel)
	}
	m.Step(app.AnswerEvent{QuestionID: 2, Option: 0})
	if _, ok := m.Answers()[2]; ok {
		t.Fatalf("answer for a question that is not current must be ignored")
	}

	m.Step(app.AdvanceEvent{Index: 0})
	if m.View().Index != 1 {
		t.Fatalf("expected index 1 after grace, got %d", m.View().Index)
	}
	// A stale advance from an earlier question does nothing.
	m.Step(app.AdvanceEvent{Index: 0})
	if m.View().Index != 1 {
		t.Fatalf("stale advance moved the session to %d", m.View().Index)
	}
}

func TestInvalidOptionIgnored(t *testing.T) {
	m := startedMachine(t, threeQuestions())
	if act := m.Step(app.AnswerEvent{QuestionID: 1, Option: 5}); act != (app.Action{}) {
		t.Fatalf("out of range option accepted: %+v", act)
	}
	if len(m.Answers()) != 0 {
		t.Fatalf("expected no answers, got %v", m.Answers())
	}
}

func TestAnsweringLastQuestionSubmits(t *testing.T) {
	qs := threeQuestions()[:1]
	m := startedMachine(t, qs)
	act := m.Step(app.AnswerEvent{QuestionID: 1, Option: 0})
	if !act.Submit {
		t.Fatalf("expected submit on last answer, got %+v", act)
	}
	if act := m.Step(app.TickEvent{At: t0.Add(15 * time.Second)}); act.Submit {
		t.Fatalf("submit fired twice")
	}

	res := domain.SessionResult{Score: 1, Total: 1}
	m.Step(app.SubmittedEvent{Result: res})
	if m.Screen() != app.ScreenFinished {
		t.Fatalf("expected finished, got %s", m.Screen())
	}
	if v := m.View(); v.Result == nil || v.Result.Score != 1 {
		t.Fatalf("expected result in view, got %+v", v)
	}
}

func TestGlobalEndForcesSubmit(t *testing.T) {
	m := startedMachine(t, threeQuestions())
	m.Step(app.AnswerEvent{QuestionID: 1, Option: 0})

	act := m.Step(app.StatusEvent{Status: domain.StatusFinished})
	if !act.Submit {
		t.Fatalf("expected submit on global end")
	}
	if again := m.Step(app.StatusEvent{Status: domain.StatusFinished}); again.Submit {
		t.Fatalf("second finished event submitted again")
	}
	if m.Answers()[1] != 0 || len(m.Answers()) != 1 {
		t.Fatalf("answers lost: %v", m.Answers())
	}
}

func TestGlobalEndBeforePlayingCloses(t *testing.T) {
	m := app.NewMachine(threeQuestions(), app.DefaultTiming, domain.StatusActive, false)
	if act := m.Step(app.StatusEvent{Status: domain.StatusFinished}); act.Submit {
		t.Fatalf("a session that never started must not submit")
	}
	if m.Screen() != app.ScreenClosed {
		t.Fatalf("expected closed, got %s", m.Screen())
	}
}

func TestResetDuringPlayReturnsToWaiting(t *testing.T) {
	m := startedMachine(t, threeQuestions())
	m.Step(app.AnswerEvent{QuestionID: 1, Option: 0})
	m.Step(app.StatusEvent{Status: domain.StatusNotStarted})
	if m.Screen() != app.ScreenWaiting {
		t.Fatalf("expected waiting after reset, got %s", m.Screen())
	}
	if len(m.Answers()) != 0 || m.View().TotalSeconds != 45 {
		t.Fatalf("progress not cleared: %+v", m.View())
	}
}

func TestCompletedElsewhere(t *testing.T) {
	m := startedMachine(t, threeQuestions())
	m.Step(app.StatusEvent{Status: domain.StatusActive, Completed: true})
	if m.Screen() != app.ScreenAlreadyCompleted {
		t.Fatalf("expected already-completed, got %s", m.Screen())
	}
}

func TestSubmitOutcomes(t *testing.T) {
	t.Run("duplicate", func(t *testing.T) {
		m := startedMachine(t, threeQuestions())
		m.Step(app.StatusEvent{Status: domain.StatusFinished})
		m.Step(app.SubmittedEvent{Err: domain.ErrAlreadyCompleted})
		if m.Screen() != app.ScreenAlreadyCompleted {
			t.Fatalf("expected already-completed, got %s", m.Screen())
		}
	})
	t.Run("failure", func(t *testing.T) {
		m := startedMachine(t, threeQuestions())
		m.Step(app.StatusEvent{Status: domain.StatusFinished})
		m.Step(app.SubmittedEvent{Err: errors.New("store down")})
		if m.Screen() != app.ScreenFailed || m.View().Error == "" {
			t.Fatalf("expected failed with error, got %+v", m.View())
		}
	})
}

func TestViewHidesAnswerKey(t *testing.T) {
	m := startedMachine(t, threeQuestions())
	v := m.View()
	if v.Question == nil || v.Question.ID != 1 || len(v.Question.Options) != 2 {
		t.Fatalf("unexpected question in view: %+v", v.Question)
	}
	if v.Selected != nil {
		t.Fatalf("nothing selected yet")
	}
}

func TestResumeContinuesFromPersistedProgress(t *testing.T) {
	m := app.NewMachine(threeQuestions(), app.DefaultTiming, domain.StatusActive, false)
	act := m.Step(app.StartEvent{
		At:        t0.Add(10 * time.Second),
		StartedAt: t0,
		Index:     1,
		Answers:   domain.Answers{1: 1, 99: 0},
	})
	if act.Submit || act.ScheduleAdvance {
		t.Fatalf("unexpected action on resume: %+v", act)
	}
	v := m.View()
	if v.Index != 1 || v.Question == nil || v.Question.ID != 2 {
		t.Fatalf("expected to resume on question 2, got %+v", v)
	}
	got := m.Answers()
	if len(got) != 1 || got[1] != 1 {
		t.Fatalf("expected only the assigned answer to be restored, got %v", got)
	}

	// Question 1 cannot be answered again.
	if act := m.Step(app.AnswerEvent{QuestionID: 1, Option: 0}); act.ScheduleAdvance || act.Submit {
		t.Fatalf("answer for an earlier question must be ignored: %+v", act)
	}
	if m.Answers()[1] != 1 {
		t.Fatalf("earlier answer changed: %v", m.Answers())
	}
}

func TestResumeOnAnsweredLastQuestionSubmits(t *testing.T) {
	m := app.NewMachine(threeQuestions(), app.DefaultTiming, domain.StatusActive, false)
	act := m.Step(app.StartEvent{
		At:        t0.Add(5 * time.Second),
		StartedAt: t0,
		Index:     7,
		Answers:   domain.Answers{1: 0, 2: 1, 3: 0},
	})
	if !act.Submit {
		t.Fatalf("expected submit when every question was already answered, got %+v", act)
	}
	if m.Screen() != app.ScreenSubmitting {
		t.Fatalf("expected submitting, got %s", m.Screen())
	}
}

func TestProgressFromAnotherSessionConverges(t *testing.T) {
	m := startedMachine(t, threeQuestions())

	// Progress of an older claim is ignored.
	if act := m.Step(app.ProgressEvent{StartedAt: t0.Add(-time.Hour), Index: 2, Answers: domain.Answers{1: 1}}); act != (app.Action{}) {
		t.Fatalf("stale progress produced %+v", act)
	}
	if m.View().Index != 0 {
		t.Fatalf("stale progress moved the index: %+v", m.View())
	}

	m.Step(app.AnswerEvent{QuestionID: 1, Option: 0})

	// The other tab answered question 1 first; its answer wins and the
	// session moves past the answered question.
	act := m.Step(app.ProgressEvent{StartedAt: t0, Index: 0, Answers: domain.Answers{1: 1}})
	if !act.ScheduleAdvance || act.AdvanceIndex != 0 {
		t.Fatalf("expected an advance for question 1, got %+v", act)
	}
	if m.Answers()[1] != 1 {
		t.Fatalf("expected the stored answer to win, got %v", m.Answers())
	}

	// Repeating the same progress changes nothing.
	if act := m.Step(app.ProgressEvent{StartedAt: t0, Index: 0, Answers: domain.Answers{1: 1}}); act != (app.Action{}) {
		t.Fatalf("repeated progress produced %+v", act)
	}

	m.Step(app.ProgressEvent{StartedAt: t0, Index: 2, Answers: domain.Answers{1: 1, 2: 0}})
	if v := m.View(); v.Index != 2 || v.QuestionSeconds != 15 {
		t.Fatalf("expected to jump to the last question, got %+v", v)
	}
	if act := m.Step(app.AdvanceEvent{Index: 0}); act != (app.Action{}) {
		t.Fatalf("an outdated advance must be ignored, got %+v", act)
	}
	if m.View().Index != 2 {
		t.Fatalf("outdated advance moved the index: %+v", m.View())
	}
}
