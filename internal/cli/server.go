package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/config"
	"paper-quiz-service/internal/logging"
	"paper-quiz-service/internal/metrics"
	"paper-quiz-service/internal/notify"
	transport "paper-quiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func timingFromConfig(cfg config.Config) app.Timing {
	return app.Timing{
		PerQuestion: config.TTLDuration(cfg.Quiz.PerQuestion, app.DefaultTiming.PerQuestion),
		Tick:        config.TTLDuration(cfg.Quiz.Tick, app.DefaultTiming.Tick),
		AnswerGrace: config.TTLDuration(cfg.Quiz.AnswerGrace, app.DefaultTiming.AnswerGrace),
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	lc, runErr, err := startLifecycle(runCtx, backend, logger, m)
	if err != nil {
		return err
	}

	scorer := app.NewScorer(lc, *cfg.Quiz.SubmitRetries, logger, m)
	service := app.NewQuizService(lc, scorer, timingFromConfig(cfg), logger, m)

	var inviter transport.Inviter
	if cfg.Redis.Addr != "" && cfg.Notify.RelayURL != "" {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		inviter = notify.NewNotifier(client, cfg.Notify.PublicBaseURL, cfg.Notify.MaxRetry, logger)

		worker := notify.NewServer(redisOpt, cfg.Notify.Concurrency, logger)
		relay := notify.NewRelayHandler(cfg.Notify.RelayURL, &http.Client{Timeout: 10 * time.Second}, logger)
		if err := worker.Start(notify.NewMux(relay)); err != nil {
			return err
		}
		defer worker.Shutdown()
		logger.Info("invitation worker started", zap.Int("concurrency", cfg.Notify.Concurrency))
	} else {
		logger.Info("invitations disabled; set redis.addr and notify.relayURL to enable")
	}

	if cfg.Admin.Email == "" {
		logger.Warn("admin.email not set; admin API is locked")
	}

	server := &http.Server{
		Addr: ":" + finalPort,
		Handler: transport.NewRouter(transport.Deps{
			Service:        service,
			Inviter:        inviter,
			Admin:          transport.AdminAuth{Email: cfg.Admin.Email, PasswordHash: cfg.Admin.PasswordHash},
			Metrics:        m,
			Logger:         logger,
			LeaderboardTop: cfg.Quiz.LeaderboardTop,
		}),
		ReadTimeout:  config.TTLDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: config.TTLDuration(cfg.Server.WriteTimeout, 15*time.Second),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting quiz service", zap.String("addr", server.Addr), zap.String("backend", cfg.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-serveErr:
		logger.Error("server failed", zap.Error(err))
		return err
	case err := <-runErr:
		if err != nil {
			logger.Error("quiz state feed stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	cancelRun()
	return err
}
