package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/config"
	"paper-quiz-service/internal/csvimport"
	"paper-quiz-service/internal/logging"
)

// NewImportCmd loads question and roster CSV files into the configured store.
func NewImportCmd(configPath *string) *cobra.Command {
	var questionsFile, usersFile string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import questions and users from CSV files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if questionsFile == "" && usersFile == "" {
				return fmt.Errorf("nothing to import: pass --questions and/or --users")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return withLifecycle(cmd.Context(), cfg, logger, func(ctx context.Context, lc *app.Lifecycle) error {
				// Questions first so new users get their assignment resolved against them.
				if questionsFile != "" {
					if err := importQuestions(ctx, lc, questionsFile, logger); err != nil {
						return err
					}
				}
				if usersFile != "" {
					return importUsers(ctx, lc, usersFile, logger)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&questionsFile, "questions", "", "questions CSV file")
	cmd.Flags().StringVar(&usersFile, "users", "", "users CSV file")
	return cmd
}

// withLifecycle opens the configured backend, runs fn against a loaded
// lifecycle store and tears both down.
func withLifecycle(ctx context.Context, cfg config.Config, logger *zap.Logger, fn func(ctx context.Context, lc *app.Lifecycle) error) error {
	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lc, _, err := startLifecycle(runCtx, backend, logger, nil)
	if err != nil {
		return err
	}
	return fn(ctx, lc)
}

func logDiagnostics(logger *zap.Logger, file string, diags []csvimport.Diagnostic) {
	for _, d := range diags {
		logger.Warn("row skipped", zap.String("file", file), zap.Int("line", d.Line), zap.String("reason", d.Reason))
	}
}

func importQuestions(ctx context.Context, lc *app.Lifecycle, path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	res, err := lc.ImportQuestionsCSV(ctx, f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	logDiagnostics(logger, path, res.Diagnostics)
	logger.Info("questions imported", zap.Int("added", len(res.Questions)), zap.Int("skipped", len(res.Diagnostics)))
	return nil
}

func importUsers(ctx context.Context, lc *app.Lifecycle, path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	parsed, added, err := lc.ImportUsersCSV(ctx, f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	logDiagnostics(logger, path, parsed.Diagnostics)
	for _, u := range added.Added {
		logger.Info("user added", zap.String("user", u.ID), zap.String("quizId", u.QuizID), zap.Int("questions", len(lc.State().Assignments[u.ID])))
	}
	logger.Info("users imported", zap.Int("added", len(added.Added)), zap.Strings("existing", added.Skipped), zap.Int("invalid", len(parsed.Diagnostics)))
	return nil
}
