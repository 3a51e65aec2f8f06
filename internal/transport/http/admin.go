package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/csvimport"
	"paper-quiz-service/internal/domain"
	"paper-quiz-service/internal/export"
)

const maxUploadBytes = 8 << 20

type adminHandler struct {
	service *app.QuizService
	inviter Inviter
	logger  *zap.Logger
}

func (h *adminHandler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Lifecycle().State())
}

// upload returns the request body, or the "file" part of a multipart form,
// and whether it should be parsed as CSV.
func upload(r *http.Request) (io.Reader, bool, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, false, fmt.Errorf("%w: %v", domain.ErrInvalidCSV, err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, false, fmt.Errorf("%w: missing file part", domain.ErrInvalidCSV)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, false, err
		}
		return bytes.NewReader(data), true, nil
	case "text/csv", "application/csv":
		return http.MaxBytesReader(nil, r.Body, maxUploadBytes), true, nil
	}
	return http.MaxBytesReader(nil, r.Body, maxUploadBytes), false, nil
}

// decodeOneOrMany accepts either a JSON object or an array of them.
func decodeOneOrMany[T any](body io.Reader) ([]T, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var many []T
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

type questionsResponse struct {
	Added       int                    `json:"added"`
	Diagnostics []csvimport.Diagnostic `json:"diagnostics,omitempty"`
}

func (h *adminHandler) addQuestions(w http.ResponseWriter, r *http.Request) {
	body, isCSV, err := upload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if isCSV {
		res, err := h.service.Lifecycle().ImportQuestionsCSV(r.Context(), body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, questionsResponse{Added: len(res.Questions), Diagnostics: res.Diagnostics})
		return
	}
	questions, err := decodeOneOrMany[domain.Question](body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid question payload"})
		return
	}
	if err := h.service.Lifecycle().AddQuestions(r.Context(), questions); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questionsResponse{Added: len(questions)})
}

func (h *adminHandler) deleteQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "question id must be an integer"})
		return
	}
	if err := h.service.Lifecycle().DeleteQuestion(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) clearQuestions(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Lifecycle().ClearAllQuestions(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type usersResponse struct {
	app.AddUsersResult
	Diagnostics []csvimport.Diagnostic `json:"diagnostics,omitempty"`
}

func (h *adminHandler) addUsers(w http.ResponseWriter, r *http.Request) {
	body, isCSV, err := upload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if isCSV {
		parsed, added, err := h.service.Lifecycle().ImportUsersCSV(r.Context(), body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, usersResponse{AddUsersResult: added, Diagnostics: parsed.Diagnostics})
		return
	}
	seeds, err := decodeOneOrMany[domain.UserSeed](body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid user payload"})
		return
	}
	added, err := h.service.Lifecycle().AddUsers(r.Context(), seeds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usersResponse{AddUsersResult: added})
}

func (h *adminHandler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Lifecycle().DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) clearUsers(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Lifecycle().ClearAllUsers(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) startQuiz(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Lifecycle().StartQuiz)
}

func (h *adminHandler) endQuiz(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Lifecycle().EndQuiz)
}

func (h *adminHandler) resetQuiz(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Lifecycle().ResetQuiz)
}

type statusResponse struct {
	Status domain.Status `json:"status"`
}

// transition runs a status change and waits briefly until the local
// snapshot reflects it, so the response carries the new status.
func (h *adminHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) error) {
	lc := h.service.Lifecycle()
	before := lc.State().Version
	if err := fn(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	snap, err := lc.WaitFor(ctx, func(s domain.Snapshot) bool { return s.Version > before })
	if err != nil {
		snap = lc.State()
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: snap.Status})
}

func (h *adminHandler) assignments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.CheckAssignments(h.service.Lifecycle().State()))
}

// leaderboard lists every participant; ?format=xlsx downloads a workbook.
func (h *adminHandler) leaderboard(w http.ResponseWriter, r *http.Request) {
	board := h.service.Leaderboard(r.URL.Query().Get("paper"))
	if r.URL.Query().Get("format") != "xlsx" {
		writeJSON(w, http.StatusOK, board)
		return
	}
	data, err := export.LeaderboardXLSX(board)
	if err != nil {
		writeError(w, err)
		return
	}
	name := "leaderboard"
	if board.Paper != "" {
		name += "-" + board.Paper
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name + ".xlsx"}))
	_, _ = w.Write(data)
}

type inviteRequest struct {
	UserIDs []string `json:"userIds"`
}

// invite queues quiz links for the given users, or for every participant
// that has not completed when no ids are given.
func (h *adminHandler) invite(w http.ResponseWriter, r *http.Request) {
	if h.inviter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "invitation queue not configured"})
		return
	}
	var req inviteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid invitation payload"})
			return
		}
	}

	snap := h.service.Lifecycle().State()
	var users []domain.User
	if len(req.UserIDs) == 0 {
		for _, u := range snap.Users {
			if !u.Completed {
				users = append(users, u)
			}
		}
	} else {
		for _, id := range req.UserIDs {
			u, ok := snap.UserByID(id)
			if !ok {
				writeError(w, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id))
				return
			}
			users = append(users, u)
		}
	}

	res, err := h.inviter.Invite(users)
	if err != nil {
		h.logger.Warn("some invitations were not queued", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
