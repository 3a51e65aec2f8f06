package app

import (
	"sort"

	"paper-quiz-service/internal/domain"
)

// Rank builds a leaderboard from the roster. Completed users are ranked by
// score, highest first. Ranks are 1-based and contiguous; tied scores get
// increasing ranks in roster order rather than a shared rank.
//
// The overall order is computed once over every completed user. When paper
// is set, the filtered view keeps that order for ties and renumbers from 1.
// Users who have not completed are appended unranked, after all ranked ones.
func Rank(users []domain.User, paper string) []domain.LeaderboardEntry {
	completed := make([]domain.User, 0, len(users))
	var pending []domain.User
	for _, u := range users {
		if u.Completed && u.Score != nil {
			completed = append(completed, u)
		} else {
			pending = append(pending, u)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return *completed[i].Score > *completed[j].Score
	})

	entries := make([]domain.LeaderboardEntry, 0, len(users))
	for _, u := range completed {
		if paper != "" && u.ResearchPaperID != paper {
			continue
		}
		e := entryFor(u)
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	for _, u := range pending {
		if paper != "" && u.ResearchPaperID != paper {
			continue
		}
		entries = append(entries, entryFor(u))
	}
	return entries
}

// Top returns at most n ranked entries, dropping unranked ones. n <= 0 means no limit.
func Top(entries []domain.LeaderboardEntry, n int) []domain.LeaderboardEntry {
	out := make([]domain.LeaderboardEntry, 0, len(entries))
	for _, e := range entries {
		if e.Rank == 0 {
			continue
		}
		if n > 0 && len(out) == n {
			break
		}
		out = append(out, e)
	}
	return out
}

// Papers lists the distinct research paper tags on the roster, sorted.
func Papers(users []domain.User) []string {
	set := make(map[string]struct{})
	for _, u := range users {
		if u.ResearchPaperID != "" {
			set[u.ResearchPaperID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func entryFor(u domain.User) domain.LeaderboardEntry {
	e := domain.LeaderboardEntry{
		UserID:          u.ID,
		Name:            u.Name,
		ResearchPaperID: u.ResearchPaperID,
		Completed:       u.Completed,
	}
	if u.Score != nil {
		e.Score = *u.Score
	}
	if u.TotalQuestions != nil {
		e.TotalQuestions = *u.TotalQuestions
	}
	return e
}
