package csvimport

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"paper-quiz-service/internal/domain"
)

func TestParseQuestionsResolvesCorrectAnswerIndex(t *testing.T) {
	in := "id,text,option1,option2,correctAnswer,researchPaperId\n1,\"Q?\",A,B,B,P1\n"

	res, err := ParseQuestions(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics)
	}
	want := []domain.Question{{ID: 1, Text: "Q?", Options: []string{"A", "B"}, CorrectAnswer: 1, ResearchPaperID: "P1"}}
	if !reflect.DeepEqual(res.Questions, want) {
		t.Fatalf("got %+v, want %+v", res.Questions, want)
	}
}

func TestParseQuestionsQuotedFields(t *testing.T) {
	in := strings.Join([]string{
		"id, text, option1, option2, option3, correctAnswer, researchPaperId",
		`7,"Which, of these ""works""?","a, b",c,,c,P2`,
	}, "\n")

	res, err := ParseQuestions(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Questions) != 1 {
		t.Fatalf("expected 1 question, got %d (%v)", len(res.Questions), res.Diagnostics)
	}
	q := res.Questions[0]
	if q.Text != `Which, of these "works"?` {
		t.Fatalf("unexpected text %q", q.Text)
	}
	if !reflect.DeepEqual(q.Options, []string{"a, b", "c"}) {
		t.Fatalf("empty options should be dropped, got %q", q.Options)
	}
	if q.CorrectAnswer != 1 {
		t.Fatalf("expected correct index 1, got %d", q.CorrectAnswer)
	}
}

func TestParseQuestionsSkipsBadRows(t *testing.T) {
	in := strings.Join([]string{
		"id,text,option1,option2,correctAnswer,researchPaperId",
		"1,Good,A,B,A,P1",
		"x,Bad id,A,B,A,P1",
		"3,Missing answer,A,B,C,P1",
		"4,Short,A",
		"5,One option,A,,A,P1",
		"6,Also good,Yes,No,No,P2",
	}, "\n")

	res, err := ParseQuestions(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Questions) != 2 || res.Questions[0].ID != 1 || res.Questions[1].ID != 6 {
		t.Fatalf("expected questions 1 and 6, got %+v", res.Questions)
	}
	if len(res.Diagnostics) != 4 {
		t.Fatalf("expected 4 diagnostics, got %v", res.Diagnostics)
	}
	if res.Diagnostics[0].Line != 3 {
		t.Fatalf("expected first diagnostic on line 3, got %d", res.Diagnostics[0].Line)
	}
}

func TestParseQuestionsRequiresHeader(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"no options": "id,text,correctAnswer,researchPaperId\n1,a,b,P1",
		"no paper":   "id,text,option1,correctAnswer\n1,a,b,b",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseQuestions(strings.NewReader(in))
			if !errors.Is(err, domain.ErrInvalidCSV) {
				t.Fatalf("expected ErrInvalidCSV, got %v", err)
			}
		})
	}
}

func TestParseUsers(t *testing.T) {
	in := strings.Join([]string{
		"userId,userName,researchPaperId",
		"alice@example.com, Alice ,P1",
		",Nobody,P1",
		"bob@example.com,Bob,P2",
	}, "\n")

	res, err := ParseUsers(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []domain.UserSeed{
		{ID: "alice@example.com", Name: "Alice", ResearchPaperID: "P1"},
		{ID: "bob@example.com", Name: "Bob", ResearchPaperID: "P2"},
	}
	if !reflect.DeepEqual(res.Users, want) {
		t.Fatalf("got %+v, want %+v", res.Users, want)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Line != 3 {
		t.Fatalf("expected one diagnostic on line 3, got %v", res.Diagnostics)
	}

	if _, err := ParseUsers(strings.NewReader("email,name\n")); !errors.Is(err, domain.ErrInvalidCSV) {
		t.Fatalf("expected ErrInvalidCSV, got %v", err)
	}
}
