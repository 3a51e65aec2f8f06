// Package csvimport turns admin CSV uploads into questions and roster seeds.
// Bad rows are skipped and reported as diagnostics; only a missing header
// fails the whole upload.
package csvimport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"paper-quiz-service/internal/domain"
)

// Diagnostic describes a rejected row.
type Diagnostic struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("line %d: %s", d.Line, d.Reason)
}

// QuestionsResult is the outcome of parsing a questions CSV.
type QuestionsResult struct {
	Questions   []domain.Question
	Diagnostics []Diagnostic
}

// UsersResult is the outcome of parsing a users CSV.
type UsersResult struct {
	Users       []domain.UserSeed
	Diagnostics []Diagnostic
}

type header map[string]int

func (h header) index(name string) int {
	if i, ok := h[name]; ok {
		return i
	}
	return -1
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

func readHeader(cr *csv.Reader) ([]string, header, error) {
	fields, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: empty input", domain.ErrInvalidCSV)
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidCSV, err)
	}
	cols := make(header, len(fields))
	names := make([]string, len(fields))
	for i, f := range fields {
		name := strings.TrimSpace(strings.TrimPrefix(f, "\ufeff"))
		names[i] = name
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	return names, cols, nil
}

// rows yields trimmed records with their line numbers. Records that fail to
// tokenize, blank lines, and short rows are reported instead of yielded.
func rows(cr *csv.Reader, width int, yield func(line int, rec []string), report func(Diagnostic)) {
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				report(Diagnostic{Line: perr.Line, Reason: perr.Err.Error()})
				continue
			}
			report(Diagnostic{Reason: err.Error()})
			return
		}
		line, _ := cr.FieldPos(0)
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < width {
			report(Diagnostic{Line: line, Reason: fmt.Sprintf("incorrect column count: got %d, want %d", len(rec), width)})
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		yield(line, rec)
	}
}

// ParseQuestions reads a questions CSV. The header must carry id, text,
// correctAnswer, researchPaperId and at least one option* column. The
// correctAnswer cell holds the text of the correct option.
func ParseQuestions(r io.Reader) (QuestionsResult, error) {
	var res QuestionsResult
	cr := newReader(r)
	names, cols, err := readHeader(cr)
	if err != nil {
		return res, err
	}

	idIdx := cols.index("id")
	textIdx := cols.index("text")
	answerIdx := cols.index("correctAnswer")
	paperIdx := cols.index("researchPaperId")
	var optionIdx []int
	for i, name := range names {
		if strings.HasPrefix(name, "option") {
			optionIdx = append(optionIdx, i)
		}
	}
	if idIdx < 0 || textIdx < 0 || answerIdx < 0 || paperIdx < 0 || len(optionIdx) == 0 {
		return res, fmt.Errorf("%w: header needs id, text, correctAnswer, researchPaperId and option columns", domain.ErrInvalidCSV)
	}

	report := func(d Diagnostic) { res.Diagnostics = append(res.Diagnostics, d) }
	rows(cr, len(names), func(line int, rec []string) {
		id, err := strconv.Atoi(rec[idIdx])
		if err != nil {
			report(Diagnostic{Line: line, Reason: fmt.Sprintf("invalid id %q", rec[idIdx])})
			return
		}
		options := make([]string, 0, len(optionIdx))
		for _, i := range optionIdx {
			if rec[i] != "" {
				options = append(options, rec[i])
			}
		}
		correct := indexOf(options, rec[answerIdx])
		if correct < 0 {
			report(Diagnostic{Line: line, Reason: fmt.Sprintf("correct answer %q not found in options for question %d", rec[answerIdx], id)})
			return
		}
		q := domain.Question{
			ID:              id,
			Text:            rec[textIdx],
			Options:         options,
			CorrectAnswer:   correct,
			ResearchPaperID: rec[paperIdx],
		}
		if err := q.Validate(); err != nil {
			report(Diagnostic{Line: line, Reason: err.Error()})
			return
		}
		res.Questions = append(res.Questions, q)
	}, report)
	return res, nil
}

// ParseUsers reads a users CSV with userId, userName and researchPaperId columns.
func ParseUsers(r io.Reader) (UsersResult, error) {
	var res UsersResult
	cr := newReader(r)
	names, cols, err := readHeader(cr)
	if err != nil {
		return res, err
	}
	idIdx := cols.index("userId")
	nameIdx := cols.index("userName")
	paperIdx := cols.index("researchPaperId")
	if idIdx < 0 || nameIdx < 0 || paperIdx < 0 {
		return res, fmt.Errorf("%w: header needs userId, userName and researchPaperId", domain.ErrInvalidCSV)
	}

	report := func(d Diagnostic) { res.Diagnostics = append(res.Diagnostics, d) }
	rows(cr, len(names), func(line int, rec []string) {
		seed := domain.UserSeed{
			ID:              rec[idIdx],
			Name:            rec[nameIdx],
			ResearchPaperID: rec[paperIdx],
		}
		if err := seed.Validate(); err != nil {
			report(Diagnostic{Line: line, Reason: err.Error()})
			return
		}
		res.Users = append(res.Users, seed)
	}, report)
	return res, nil
}

func indexOf(options []string, want string) int {
	for i, o := range options {
		if o == want {
			return i
		}
	}
	return -1
}
