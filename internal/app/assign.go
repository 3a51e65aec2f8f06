package app

import (
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"paper-quiz-service/internal/domain"
)

// ResolveAssignment returns the ids of every question tagged with paper, in
// ascending id order. The result is meant to be stored once per user and
// never recomputed.
func ResolveAssignment(paper string, bank []domain.Question) []int {
	ids := make([]int, 0)
	for _, q := range bank {
		if q.ResearchPaperID == paper {
			ids = append(ids, q.ID)
		}
	}
	sort.Ints(ids)
	return ids
}

// AssignmentCheck reports how many questions one participant will get.
type AssignmentCheck struct {
	UserID          string `json:"userId"`
	Name            string `json:"name"`
	ResearchPaperID string `json:"researchPaperId"`
	QuestionIDs     []int  `json:"questionIds"`
	Missing         []int  `json:"missing,omitempty"` // assigned ids no longer in the bank
	Empty           bool   `json:"empty"`
}

// CheckAssignments builds the admin assignment report. Users whose
// assignment is empty, or whose questions were all deleted, are flagged.
func CheckAssignments(s domain.Snapshot) []AssignmentCheck {
	bank := make(map[int]struct{}, len(s.Questions))
	for _, q := range s.Questions {
		bank[q.ID] = struct{}{}
	}
	out := make([]AssignmentCheck, 0, len(s.Users))
	for _, u := range s.Users {
		ids := s.Assignments[u.ID]
		check := AssignmentCheck{
			UserID:          u.ID,
			Name:            u.Name,
			ResearchPaperID: u.ResearchPaperID,
			QuestionIDs:     append([]int(nil), ids...),
		}
		for _, id := range ids {
			if _, ok := bank[id]; !ok {
				check.Missing = append(check.Missing, id)
			}
		}
		check.Empty = len(ids) == len(check.Missing)
		out = append(out, check)
	}
	return out
}

var (
	idMu  sync.Mutex
	idRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewQuizID builds an opaque, URL-safe token from a random base-36 fragment
// followed by a time-derived fragment. It is not a secret.
func NewQuizID(now time.Time) string {
	idMu.Lock()
	r := idRnd.Int63()
	idMu.Unlock()

	random := strconv.FormatInt(r, 36)
	if len(random) < 7 {
		random = strings.Repeat("0", 7-len(random)) + random
	}
	stamp := strconv.FormatInt(now.UnixMilli(), 36)
	if len(stamp) > 4 {
		stamp = stamp[4:]
	}
	return random[:7] + stamp
}
