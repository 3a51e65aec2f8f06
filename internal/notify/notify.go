package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"paper-quiz-service/internal/domain"
)

const TypeInvitation = "invitation:send"

// InvitationPayload is the task body for one participant's quiz link.
type InvitationPayload struct {
	UserID          string `json:"userId"`
	Name            string `json:"name"`
	ResearchPaperID string `json:"researchPaperId"`
	QuizURL         string `json:"quizUrl"`
}

// Enqueuer is the part of *asynq.Client the notifier uses.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier queues invitations. A participant is queued at most once per
// quiz id; re-sending only picks up new participants.
type Notifier struct {
	enqueuer Enqueuer
	baseURL  string
	maxRetry int
	logger   *zap.Logger
}

func NewNotifier(enqueuer Enqueuer, publicBaseURL string, maxRetry int, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		enqueuer: enqueuer,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		maxRetry: maxRetry,
		logger:   logger,
	}
}

// InviteResult summarises one send-out.
type InviteResult struct {
	Queued    []string `json:"queued"`
	Duplicate []string `json:"duplicate"`
	Failed    []string `json:"failed"`
}

// Invite queues one invitation per user.
func (n *Notifier) Invite(users []domain.User) (InviteResult, error) {
	var res InviteResult
	var errs []error
	for _, u := range users {
		payload, err := json.Marshal(InvitationPayload{
			UserID:          u.ID,
			Name:            u.Name,
			ResearchPaperID: u.ResearchPaperID,
			QuizURL:         n.baseURL + u.QuizURL(),
		})
		if err != nil {
			return res, fmt.Errorf("marshal invitation: %w", err)
		}
		task := asynq.NewTask(TypeInvitation, payload)
		info, err := n.enqueuer.Enqueue(task,
			asynq.Queue("default"),
			asynq.MaxRetry(n.maxRetry),
			asynq.Timeout(30*time.Second),
			asynq.TaskID("invite:"+u.QuizID),
		)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict):
			res.Duplicate = append(res.Duplicate, u.ID)
		case err != nil:
			res.Failed = append(res.Failed, u.ID)
			errs = append(errs, fmt.Errorf("%s: %w", u.ID, err))
			n.logger.Warn("invitation not queued", zap.String("user", u.ID), zap.Error(err))
		default:
			res.Queued = append(res.Queued, u.ID)
			n.logger.Info("invitation queued", zap.String("user", u.ID), zap.String("task", info.ID))
		}
	}
	return res, errors.Join(errs...)
}

// RelayHandler delivers invitations by posting them to a form relay, which
// sends the actual email.
type RelayHandler struct {
	relayURL string
	client   *http.Client
	logger   *zap.Logger
}

func NewRelayHandler(relayURL string, client *http.Client, logger *zap.Logger) *RelayHandler {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayHandler{relayURL: relayURL, client: client, logger: logger}
}

type relayMessage struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Subject string `json:"_subject"`
	Message string `json:"message"`
}

// ProcessTask implements asynq.Handler. Relay 4xx responses are not retried.
func (h *RelayHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var p InvitationPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode invitation: %v: %w", err, asynq.SkipRetry)
	}
	body, err := json.Marshal(relayMessage{
		Email:   p.UserID,
		Name:    p.Name,
		Subject: "Your research paper quiz",
		Message: fmt.Sprintf("Hi %s,\n\nYour quiz for paper %s is ready: %s\n", p.Name, p.ResearchPaperID, p.QuizURL),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.relayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %v: %w", err, asynq.SkipRetry)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to relay: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("relay returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("relay rejected invitation for %s with %d: %w", p.UserID, resp.StatusCode, asynq.SkipRetry)
	}
	h.logger.Info("invitation sent", zap.String("user", p.UserID))
	return nil
}

// NewMux routes invitation tasks to h.
func NewMux(h asynq.Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeInvitation, h)
	return mux
}

// NewServer builds the background worker that processes invitation tasks.
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
		Logger: zapLogger{logger.Sugar()},
	})
}

// zapLogger adapts zap to asynq's logger interface.
type zapLogger struct{ s *zap.SugaredLogger }

func (l zapLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l zapLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l zapLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l zapLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l zapLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
