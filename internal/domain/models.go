package domain

import (
	"fmt"
	"sort"
	"time"
)

// Status is the global quiz lifecycle value.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusActive     Status = "active"
	StatusFinished   Status = "finished"
)

// Valid reports whether s is one of the known lifecycle values.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusActive, StatusFinished:
		return true
	}
	return false
}

// Question models an MCQ question tagged to a research paper.
type Question struct {
	ID              int      `json:"id"`
	Text            string   `json:"text"`
	Options         []string `json:"options"`
	CorrectAnswer   int      `json:"correctAnswer"` // index into Options
	ResearchPaperID string   `json:"researchPaperId"`
}

// UserSeed is a participant as uploaded by an admin, before a quiz id is issued.
type UserSeed struct {
	ID              string `json:"id"` // email
	Name            string `json:"name"`
	ResearchPaperID string `json:"researchPaperId"`
}

// User is a participant on the roster.
type User struct {
	ID              string    `json:"id"`
	QuizID          string    `json:"quizId"`
	Name            string    `json:"name"`
	ResearchPaperID string    `json:"researchPaperId"`
	Score           *int      `json:"score"`
	TotalQuestions  *int      `json:"totalQuestions"`
	Completed       bool      `json:"completed"`
	SessionStarted  time.Time `json:"sessionStarted,omitempty"`
	// SessionIndex and Answers hold the progress of a claimed session until
	// it completes; after completion Answers are the submitted answers.
	SessionIndex    int       `json:"sessionIndex,omitempty"`
	Answers         Answers   `json:"answers,omitempty"`
}

// QuizURL is the public session path for the user.
func (u User) QuizURL() string {
	return "/quiz/" + u.QuizID
}

// Answers maps question id to the selected option index.
type Answers map[int]int

// Clone returns an independent copy.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// MergeMissing copies entries of other that a does not have yet and reports
// whether anything was added. Existing entries always win.
func (a Answers) MergeMissing(other Answers) bool {
	changed := false
	for k, v := range other {
		if _, ok := a[k]; !ok {
			a[k] = v
			changed = true
		}
	}
	return changed
}

// SessionClaim is the persisted state of a participant's session: when it
// was first started and how far it has progressed.
type SessionClaim struct {
	StartedAt time.Time
	Index     int
	Answers   Answers
}

// Claim returns the user's persisted session claim.
func (u User) Claim() SessionClaim {
	return SessionClaim{StartedAt: u.SessionStarted, Index: u.SessionIndex, Answers: u.Answers.Clone()}
}

// SaveProgress merges a session's progress into the user record: the index
// only moves forward and answers already stored are kept. It reports
// whether the record changed. Progress for another claim, or for a
// completed user, is ignored.
func (u *User) SaveProgress(startedAt time.Time, index int, answers Answers) bool {
	if u.Completed || u.SessionStarted.IsZero() || !u.SessionStarted.Equal(startedAt) {
		return false
	}
	changed := false
	if index > u.SessionIndex {
		u.SessionIndex = index
		changed = true
	}
	if u.Answers == nil {
		u.Answers = Answers{}
	}
	if u.Answers.MergeMissing(answers) {
		changed = true
	}
	return changed
}

// NewUser is a roster entry together with its frozen assignment.
type NewUser struct {
	User        User
	QuestionIDs []int
}

// Snapshot is the full lifecycle state as seen by one process.
type Snapshot struct {
	Status      Status           `json:"status"`
	Users       []User           `json:"users"`
	Questions   []Question       `json:"questions"`
	Assignments map[string][]int `json:"userAssignments"`
	Version     uint64           `json:"version"`
}

// UserByQuizID finds the participant owning a quiz link.
func (s Snapshot) UserByQuizID(quizID string) (User, bool) {
	for _, u := range s.Users {
		if u.QuizID == quizID {
			return u, true
		}
	}
	return User{}, false
}

// UserByID finds a participant by email.
func (s Snapshot) UserByID(id string) (User, bool) {
	for _, u := range s.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// AssignedQuestions returns the user's assigned questions in bank order.
// Question ids that no longer exist in the bank are skipped.
func (s Snapshot) AssignedQuestions(userID string) []Question {
	ids := s.Assignments[userID]
	if len(ids) == 0 {
		return nil
	}
	want := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]Question, 0, len(ids))
	for _, q := range s.Questions {
		if _, ok := want[q.ID]; ok {
			out = append(out, q)
		}
	}
	return out
}

// SessionResult is the outcome of one completed session.
type SessionResult struct {
	Score     int        `json:"score"`
	Total     int        `json:"total"`
	Questions []Question `json:"questions"`
	Answers   Answers    `json:"answers"`
}

// LeaderboardEntry is one row of a ranked projection. Rank is zero for
// users that have not completed.
type LeaderboardEntry struct {
	Rank            int    `json:"rank,omitempty"`
	UserID          string `json:"userId"`
	Name            string `json:"name"`
	ResearchPaperID string `json:"researchPaperId"`
	Score           int    `json:"score"`
	TotalQuestions  int    `json:"totalQuestions"`
	Completed       bool   `json:"completed"`
}

// Leaderboard captures an ordered scoreboard, optionally filtered by paper.
type Leaderboard struct {
	Paper     string             `json:"paper,omitempty"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Validate checks the structural invariants of a question.
func (q Question) Validate() error {
	switch {
	case q.ResearchPaperID == "":
		return fmt.Errorf("%w: question %d has no research paper", ErrInvalidQuestion, q.ID)
	case len(q.Options) < 2:
		return fmt.Errorf("%w: question %d needs at least two options", ErrInvalidQuestion, q.ID)
	case q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options):
		return fmt.Errorf("%w: question %d correct answer out of range", ErrInvalidQuestion, q.ID)
	}
	return nil
}

// Validate checks the required fields of an uploaded user.
func (u UserSeed) Validate() error {
	if u.ID == "" || u.Name == "" || u.ResearchPaperID == "" {
		return fmt.Errorf("%w: id, name and research paper are required", ErrInvalidUser)
	}
	return nil
}

// Sort orders users by name, then id, and questions by id.
func (s *Snapshot) Sort() {
	sort.Slice(s.Users, func(i, j int) bool {
		if s.Users[i].Name != s.Users[j].Name {
			return s.Users[i].Name < s.Users[j].Name
		}
		return s.Users[i].ID < s.Users[j].ID
	})
	sort.Slice(s.Questions, func(i, j int) bool {
		return s.Questions[i].ID < s.Questions[j].ID
	})
}

// ClearResult drops the user's score, answers and session claim.
func (u User) ClearResult() User {
	u.Score = nil
	u.TotalQuestions = nil
	u.Completed = false
	u.Answers = nil
	u.SessionStarted = time.Time{}
	u.SessionIndex = 0
	return u
}
