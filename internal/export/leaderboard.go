package export

import (
	"bytes"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"paper-quiz-service/internal/domain"
)

var leaderboardHeaders = []string{"rank", "name", "email", "research_paper", "score", "total_questions", "completed"}

// LeaderboardXLSX renders a leaderboard as a single-sheet workbook. Users
// without a rank are listed after the ranked ones with an empty rank cell.
func LeaderboardXLSX(board domain.Leaderboard) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteLeaderboard(&buf, board); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func WriteLeaderboard(w io.Writer, board domain.Leaderboard) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Leaderboard"
	if board.Paper != "" {
		sheet = board.Paper
	}
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	for i, h := range leaderboardHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, e := range board.Entries {
		row := i + 2
		var rank any
		if e.Rank > 0 {
			rank = e.Rank
		}
		values := []any{rank, e.Name, e.UserID, e.ResearchPaperID, e.Score, e.TotalQuestions, e.Completed}
		for col, v := range values {
			if v == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "A", 8)
	_ = f.SetColWidth(sheet, "B", "D", 26)
	_ = f.SetColWidth(sheet, "E", "G", 16)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write excel: %w", err)
	}
	return nil
}
