// Package testutil provides in-memory implementations of the persistence
// interfaces for package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"daggle/internal/common"
	"daggle/internal/models"
)

// Store is an in-memory stand-in for the PostgreSQL repository
type Store struct {
	mu           sync.Mutex
	nextID       uint
	competitions map[uint]*models.Competition
	enrollments  map[uint]map[string]models.Enrollment
	submissions  map[string]*models.Submission
	leaderboards map[uint][]models.LeaderboardEntry
	ranked       map[string]bool
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		competitions: make(map[uint]*models.Competition),
		enrollments:  make(map[uint]map[string]models.Enrollment),
		submissions:  make(map[string]*models.Submission),
		leaderboards: make(map[uint][]models.LeaderboardEntry),
		ranked:       make(map[string]bool),
	}
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

// CreateCompetition stores comp, assigning an id when unset
func (s *Store) CreateCompetition(_ context.Context, comp *models.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if comp.ID == 0 {
		s.nextID++
		comp.ID = s.nextID
	} else if comp.ID > s.nextID {
		s.nextID = comp.ID
	}
	cp := *comp
	s.competitions[comp.ID] = &cp
	return nil
}

func (s *Store) GetCompetition(_ context.Context, id uint) (*models.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	comp, ok := s.competitions[id]
	if !ok {
		return nil, common.ErrCompetitionNotFound
	}
	cp := *comp
	return &cp, nil
}

func (s *Store) GetCompetitionBySlug(_ context.Context, slug string) (*models.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, comp := range s.competitions {
		if comp.Slug == slug {
			cp := *comp
			return &cp, nil
		}
	}
	return nil, common.ErrCompetitionNotFound
}

func (s *Store) UpdateCompetitionStatus(_ context.Context, id uint, from, to models.CompetitionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	comp, ok := s.competitions[id]
	if !ok {
		return common.ErrCompetitionNotFound
	}
	if comp.Status != from {
		return common.ErrInvalidTransition
	}
	comp.Status = to
	return nil
}

func (s *Store) GetEnrollment(_ context.Context, competitionID uint, userID string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[competitionID][userID]
	if !ok {
		return nil, common.ErrNotEnrolled
	}
	return &e, nil
}

func (s *Store) CreateEnrollment(_ context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrollments[e.CompetitionID] == nil {
		s.enrollments[e.CompetitionID] = make(map[string]models.Enrollment)
	}
	if _, exists := s.enrollments[e.CompetitionID][e.UserID]; exists {
		return common.ErrAlreadyEnrolled
	}
	s.enrollments[e.CompetitionID][e.UserID] = *e
	return nil
}

func (s *Store) DeleteEnrollment(_ context.Context, competitionID uint, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[competitionID][userID]; !ok {
		return common.ErrNotEnrolled
	}
	delete(s.enrollments[competitionID], userID)
	return nil
}

func (s *Store) CreateSubmission(_ context.Context, sub *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.UpdatedAt = time.Now()
	cp := *sub
	s.submissions[sub.ID] = &cp
	return nil
}

func (s *Store) GetSubmission(_ context.Context, id string) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, common.ErrSubmissionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) ListSubmissions(_ context.Context, competitionID uint, userID string, offset, limit int) ([]models.Submission, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.Submission
	for _, sub := range s.submissions {
		if sub.CompetitionID == competitionID && (userID == "" || sub.UserID == userID) {
			matched = append(matched, *sub)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	total := int64(len(matched))
	if offset >= len(matched) {
		return []models.Submission{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (s *Store) TransitionSubmission(_ context.Context, id string, to models.SubmissionStatus, patch models.SubmissionPatch) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, common.ErrSubmissionNotFound
	}
	if !sub.Status.CanTransition(to) {
		return nil, common.ErrInvalidTransition
	}
	sub.Status = to
	patch.Apply(sub)
	sub.UpdatedAt = time.Now()
	cp := *sub
	return &cp, nil
}

func (s *Store) FailStaleSubmissions(_ context.Context, before time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sub := range s.submissions {
		if !sub.Status.Terminal() && sub.UpdatedAt.Before(before) {
			sub.Status = models.SubmissionFailed
			msg := reason
			sub.Error = &msg
			sub.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *Store) ScoredSubmissions(_ context.Context, competitionID uint) ([]models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Submission
	for _, sub := range s.submissions {
		if sub.CompetitionID == competitionID && sub.Status == models.SubmissionScored {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateLeaderboard holds the store lock for the whole read-modify-write
func (s *Store) UpdateLeaderboard(_ context.Context, competitionID uint, submissionID string, fn func([]models.LeaderboardEntry, bool) ([]models.LeaderboardEntry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := !s.ranked[submissionID]
	current := append([]models.LeaderboardEntry(nil), s.leaderboards[competitionID]...)
	next, err := fn(current, fresh)
	if err != nil {
		return err
	}
	s.claim(submissionID)
	if next == nil {
		return nil
	}
	s.leaderboards[competitionID] = append([]models.LeaderboardEntry(nil), next...)
	return nil
}

func (s *Store) ReplaceLeaderboard(_ context.Context, competitionID uint, entries []models.LeaderboardEntry, submissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderboards[competitionID] = append([]models.LeaderboardEntry(nil), entries...)
	for _, id := range submissionIDs {
		s.claim(id)
	}
	return nil
}

// claim marks a submission as folded into the leaderboard. Callers hold s.mu.
func (s *Store) claim(submissionID string) {
	s.ranked[submissionID] = true
	if sub, ok := s.submissions[submissionID]; ok {
		sub.Ranked = true
	}
}

func (s *Store) GetLeaderboardEntry(_ context.Context, competitionID uint, userID string) (*models.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.leaderboards[competitionID] {
		if e.UserID == userID {
			cp := e
			return &cp, nil
		}
	}
	return nil, common.ErrNotRanked
}

func (s *Store) LeaderboardEntries(_ context.Context, competitionID uint) ([]models.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.LeaderboardEntry(nil), s.leaderboards[competitionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (s *Store) LeaderboardPage(ctx context.Context, competitionID uint, offset, limit int) ([]models.LeaderboardEntry, int64, error) {
	all, _ := s.LeaderboardEntries(ctx, competitionID)
	total := int64(len(all))
	if offset >= len(all) {
		return []models.LeaderboardEntry{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}
