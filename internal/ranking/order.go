package ranking

import (
	"fmt"
	"sort"
	"time"

	"daggle/internal/models"
)

// TieBreak decides the order of entries with equal best scores
type TieBreak string

const (
	// TieBreakEarliestBest ranks the entry whose best submission came first higher
	TieBreakEarliestBest TieBreak = "earliest_best"
	// TieBreakEarliestFirst ranks the entry that started submitting first higher
	TieBreakEarliestFirst TieBreak = "earliest_first"
)

// ParseTieBreak validates a configured tie-break policy, defaulting to earliest_best
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakEarliestBest:
		return TieBreakEarliestBest, nil
	case TieBreakEarliestFirst:
		return TieBreakEarliestFirst, nil
	}
	return "", fmt.Errorf("unknown tie-break policy: %q", s)
}

// Update is a newly scored submission to fold into the leaderboard
type Update struct {
	UserID       string
	SubmissionID string
	Score        float64
	SubmittedAt  time.Time
}

// Rank sorts entries best-first and assigns dense ranks 1..N. Equal scores are
// ordered by the tie-break policy, then by the other timestamp, then by user id,
// so the result is a total order independent of input order.
func Rank(entries []models.LeaderboardEntry, metric models.Metric, policy TieBreak) {
	sort.SliceStable(entries, func(i, j int) bool {
		return before(&entries[i], &entries[j], metric, policy)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

func before(a, b *models.LeaderboardEntry, metric models.Metric, policy TieBreak) bool {
	if a.BestScore != b.BestScore {
		return metric.Better(a.BestScore, b.BestScore)
	}

	primary, secondary := a.BestSubmissionAt, a.FirstSubmissionAt
	otherPrimary, otherSecondary := b.BestSubmissionAt, b.FirstSubmissionAt
	if policy == TieBreakEarliestFirst {
		primary, secondary = secondary, primary
		otherPrimary, otherSecondary = otherSecondary, otherPrimary
	}

	if !primary.Equal(otherPrimary) {
		return primary.Before(otherPrimary)
	}
	if !secondary.Equal(otherSecondary) {
		return secondary.Before(otherSecondary)
	}
	return a.UserID < b.UserID
}

// fold applies upd to entry in place and reports whether the best score improved.
// entry must already carry the user's identity.
func fold(entry *models.LeaderboardEntry, upd Update, metric models.Metric) bool {
	improved := false
	if entry.SubmissionCount == 0 {
		entry.BestScore = upd.Score
		entry.BestSubmissionID = upd.SubmissionID
		entry.BestSubmissionAt = upd.SubmittedAt
		entry.FirstSubmissionAt = upd.SubmittedAt
		improved = true
	} else if metric.Better(upd.Score, entry.BestScore) {
		entry.BestScore = upd.Score
		entry.BestSubmissionID = upd.SubmissionID
		entry.BestSubmissionAt = upd.SubmittedAt
		improved = true
	}

	if upd.SubmittedAt.Before(entry.FirstSubmissionAt) {
		entry.FirstSubmissionAt = upd.SubmittedAt
	}
	entry.SubmissionCount++
	entry.LastSubmissionID = upd.SubmissionID
	if upd.SubmittedAt.After(entry.LastSubmissionAt) {
		entry.LastSubmissionAt = upd.SubmittedAt
	}
	return improved
}

// apply integrates upd into the competition's entries and re-ranks them.
// It returns the new entry set, or nil when upd was already integrated
// (fresh is false).
func apply(entries []models.LeaderboardEntry, competitionID uint, upd Update, metric models.Metric, policy TieBreak, fresh bool) (*Result, []models.LeaderboardEntry) {
	idx := -1
	for i := range entries {
		if entries[i].UserID == upd.UserID {
			idx = i
			break
		}
	}

	if !fresh {
		if idx < 0 {
			return &Result{Entry: models.LeaderboardEntry{CompetitionID: competitionID, UserID: upd.UserID}}, nil
		}
		return &Result{Entry: entries[idx], PreviousRank: entries[idx].Rank}, nil
	}

	next := make([]models.LeaderboardEntry, len(entries), len(entries)+1)
	copy(next, entries)

	previousRank := 0
	if idx < 0 {
		next = append(next, models.LeaderboardEntry{
			CompetitionID: competitionID,
			UserID:        upd.UserID,
		})
		idx = len(next) - 1
	} else {
		previousRank = next[idx].Rank
	}

	improved := fold(&next[idx], upd, metric)
	Rank(next, metric, policy)

	res := &Result{PreviousRank: previousRank, Improved: improved, Changed: true}
	for _, e := range next {
		if e.UserID == upd.UserID {
			res.Entry = e
			break
		}
	}
	return res, next
}
