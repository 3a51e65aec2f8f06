package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paper-quiz-service/internal/app"
	"paper-quiz-service/internal/config"
	"paper-quiz-service/internal/domain"
	"paper-quiz-service/internal/export"
	"paper-quiz-service/internal/logging"
)

// NewExportCmd writes the leaderboard as an XLSX workbook.
func NewExportCmd(configPath *string) *cobra.Command {
	var paper, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the leaderboard to an XLSX file",
		RunE: func(cmd *cobra.Command, args []string) error {
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
				board := domain.Leaderboard{
					Paper:     paper,
					Entries:   app.Rank(lc.State().Users, paper),
					UpdatedAt: time.Now().UTC(),
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := export.WriteLeaderboard(f, board); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				logger.Info("leaderboard exported", zap.String("file", out), zap.Int("rows", len(board.Entries)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&paper, "paper", "", "only include participants of this research paper")
	cmd.Flags().StringVarP(&out, "output", "o", "leaderboard.xlsx", "output file")
	return cmd
}
