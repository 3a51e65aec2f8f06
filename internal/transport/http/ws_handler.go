package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/domain"
)

// SessionHandler serves one participant's quiz session over a websocket.
type SessionHandler struct {
	service  *app.QuizService
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewSessionHandler(service *app.QuizService, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// A non-zero handshake timeout also clears the server's write
			// deadline from the hijacked connection.
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionID int `json:"questionId"`
	Option     int `json:"option"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS resolves the quiz link, upgrades the connection and runs the
// session until the client goes away. Unknown links are rejected before
// the upgrade.
func (h *SessionHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	runner, err := h.service.OpenSession(ctx, quizID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Time{})

	logger := h.logger.With(zap.String("session", runner.ID), zap.String("user", runner.User().ID))
	logger.Info("session connected")

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("session stopped", zap.Error(err))
		}
	}()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		updates := runner.Updates()
		for {
			select {
			case view, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: "state", Payload: view}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	// Participants send a handful of messages per question; anything
	// faster is dropped with an error reply.
	limiter := rate.NewLimiter(rate.Limit(5), 10)

	reply := func(msg outboundMessage) {
		select {
		case send <- msg:
		case <-writerDone:
		}
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if !limiter.Allow() {
			reply(outboundMessage{Type: "error", Payload: errorPayload{Message: "too many messages"}})
			continue
		}
		var err error
		switch inbound.Type {
		case "start":
			err = runner.Start()
		case "answer":
			var payload answerPayload
			if jsonErr := json.Unmarshal(inbound.Payload, &payload); jsonErr != nil {
				reply(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
				continue
			}
			err = runner.Answer(payload.QuestionID, payload.Option)
		default:
			reply(outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
			continue
		}
		if errors.Is(err, domain.ErrSessionClosed) {
			reply(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
		}
	}

	cancel()
	close(closeSignals)
	<-updatesDone
	<-runDone
	close(send)
	<-writerDone
	logger.Info("session disconnected")
}
