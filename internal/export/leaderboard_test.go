package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"paper-quiz-service/internal/domain"
)

func TestLeaderboardXLSX(t *testing.T) {
	board := domain.Leaderboard{
		Paper: "P1",
		Entries: []domain.LeaderboardEntry{
			{Rank: 1, UserID: "a@x.io", Name: "Ann", ResearchPaperID: "P1", Score: 2, TotalQuestions: 2, Completed: true},
			{UserID: "b@x.io", Name: "Bob", ResearchPaperID: "P1"},
		},
		UpdatedAt: time.Now(),
	}

	data, err := LeaderboardXLSX(board)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("P1")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "rank" || rows[1][0] != "1" || rows[1][1] != "Ann" || rows[1][4] != "2" {
		t.Fatalf("unexpected ranked row %v", rows[1])
	}
	if rows[2][0] != "" || rows[2][1] != "Bob" {
		t.Fatalf("unranked row should have an empty rank: %v", rows[2])
	}
}
