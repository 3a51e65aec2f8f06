package domain

import "errors"

var (
	// ErrInvalidTransition is returned when a lifecycle change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid quiz status transition")
	// ErrNoUsers is returned when starting a quiz with an empty roster.
	ErrNoUsers = errors.New("quiz has no participants")
	// ErrUserNotFound is returned when a participant id is unknown.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidQuizLink is returned for unknown quiz tokens.
	ErrInvalidQuizLink = errors.New("invalid quiz link")
	// ErrAlreadyCompleted is returned when a participant has already been scored.
	ErrAlreadyCompleted = errors.New("quiz already completed")
	// ErrNoQuestions indicates the participant's assignment is empty.
	ErrNoQuestions = errors.New("no questions assigned")
	// ErrQuizNotStarted indicates the global quiz is not accepting sessions yet.
	ErrQuizNotStarted = errors.New("quiz not started")
	// ErrQuizFinished indicates the global quiz has ended.
	ErrQuizFinished = errors.New("quiz finished")
	// ErrQuestionNotFound indicates a question id is unknown.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidCSV is returned when a CSV upload has no usable header.
	ErrInvalidCSV = errors.New("invalid csv")
	// ErrInvalidQuestion is returned for questions that break model invariants.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrInvalidUser is returned for users missing required fields.
	ErrInvalidUser = errors.New("invalid user")
	// ErrSessionClosed is returned when events are sent to a stopped session.
	ErrSessionClosed = errors.New("session closed")
)

// ErrUserExists is returned when adding a participant whose id is already on the roster.
var ErrUserExists = errors.New("user already exists")

// ErrNotCompleted is returned when asking for the result of an unfinished quiz.
var ErrNotCompleted = errors.New("quiz not completed")
