package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/domain"
	"paper-quiz-service/internal/metrics"
	"paper-quiz-service/internal/notify"
)

// Inviter queues quiz-link invitations for participants.
type Inviter interface {
	Invite(users []domain.User) (notify.InviteResult, error)
}

// Deps wires the HTTP layer. Inviter may be nil when no queue is configured.
type Deps struct {
	Service        *app.QuizService
	Inviter        Inviter
	Admin          AdminAuth
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	LeaderboardTop int
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.LeaderboardTop == 0 {
		d.LeaderboardTop = 5
	}
	public := &publicHandler{service: d.Service, top: d.LeaderboardTop}
	admin := &adminHandler{service: d.Service, inviter: d.Inviter, logger: d.Logger}
	ws := NewSessionHandler(d.Service, d.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe(d.Metrics, d.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
	r.Get("/ws/quiz/{quizID}", ws.ServeWS)

	r.Route("/api", func(api chi.Router) {
		api.Get("/leaderboard", public.leaderboard)
		api.Get("/papers", public.papers)
		api.Get("/quiz/{quizID}", public.precheck)
		api.Get("/quiz/{quizID}/result", public.result)

		api.Route("/admin", func(ad chi.Router) {
			ad.Use(d.Admin.Middleware)
			ad.Get("/state", admin.state)
			ad.Post("/questions", admin.addQuestions)
			ad.Delete("/questions", admin.clearQuestions)
			ad.Delete("/questions/{id}", admin.deleteQuestion)
			ad.Post("/users", admin.addUsers)
			ad.Delete("/users", admin.clearUsers)
			ad.Delete("/users/{id}", admin.deleteUser)
			ad.Post("/quiz/start", admin.startQuiz)
			ad.Post("/quiz/end", admin.endQuiz)
			ad.Post("/quiz/reset", admin.resetQuiz)
			ad.Get("/assignments", admin.assignments)
			ad.Get("/leaderboard", admin.leaderboard)
			ad.Post("/invitations", admin.invite)
		})
	})
	return r
}
