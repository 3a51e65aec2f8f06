package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"paper-quiz-service/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidQuizLink),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyCompleted),
		errors.Is(err, domain.ErrNoUsers),
		errors.Is(err, domain.ErrUserExists),
		errors.Is(err, domain.ErrNotCompleted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidCSV),
		errors.Is(err, domain.ErrInvalidQuestion),
		errors.Is(err, domain.ErrInvalidUser):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
