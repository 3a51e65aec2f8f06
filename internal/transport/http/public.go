package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/domain"
)

type publicHandler struct {
	service *app.QuizService
	top     int
}

// leaderboard serves the public top-N of completed participants.
func (h *publicHandler) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := h.top
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	board := h.service.Leaderboard(r.URL.Query().Get("paper"))
	board.Entries = app.Top(board.Entries, limit)
	writeJSON(w, http.StatusOK, board)
}

func (h *publicHandler) papers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.Papers(h.service.Lifecycle().State().Users))
}

type precheckResponse struct {
	Name            string `json:"name"`
	ResearchPaperID string `json:"researchPaperId"`
	app.SessionView
}

func (h *publicHandler) precheck(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	view, err := h.service.Precheck(quizID)
	if err != nil {
		writeError(w, err)
		return
	}
	user, _ := h.service.Lifecycle().State().UserByQuizID(quizID)
	writeJSON(w, http.StatusOK, precheckResponse{Name: user.Name, ResearchPaperID: user.ResearchPaperID, SessionView: view})
}

type resultResponse struct {
	domain.SessionResult
	Ranking *domain.LeaderboardEntry `json:"ranking,omitempty"`
}

// result returns a completed participant's answers with the answer key.
func (h *publicHandler) result(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	res, err := h.service.Result(quizID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := resultResponse{SessionResult: res}
	user, _ := h.service.Lifecycle().State().UserByQuizID(quizID)
	for _, e := range h.service.Leaderboard("").Entries {
		if e.UserID == user.ID {
			out.Ranking = &e
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}
