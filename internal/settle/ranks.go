package settle

import (
	"context"
	"fmt"

	"quorum/internal/domain"
	"quorum/internal/repo"
)

// rankFor maps a points percentile (share of users outranked, 0-100) to
// a rank bucket.
func rankFor(percentile float64) string {
	switch {
	case percentile >= 90:
		return domain.RankArbiter
	case percentile >= 50:
		return domain.RankOfficer
	default:
		return domain.RankCadet
	}
}

// UpdateAllUserRanks recomputes every user's rank bucket from the full
// population ordered by points descending, earlier accounts ranking
// higher on ties.
func (s *Services) UpdateAllUserRanks(ctx context.Context) error {
	users, err := s.Repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	total := len(users)
	if total == 0 {
		return nil
	}
	for i, u := range users {
		percentile := float64(total-(i+1)) / float64(total) * 100
		rank := rankFor(percentile)
		if rank == u.Rank {
			continue
		}
		if err := s.Repo.SetRank(ctx, u.ID, rank); err != nil {
			return fmt.Errorf("set rank for %s: %w", u.ID, err)
		}
		if err := s.Events.AppendDB(ctx, "rank.updated", "user", u.ID, "settlement", map[string]any{
			"from":       u.Rank,
			"to":         rank,
			"percentile": percentile,
		}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateUserRank recomputes a single user's bucket against the current
// population.
func (s *Services) UpdateUserRank(ctx context.Context, userID string) error {
	users, err := s.Repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	total := len(users)
	for i, u := range users {
		if u.ID != userID {
			continue
		}
		percentile := float64(total-(i+1)) / float64(total) * 100
		rank := rankFor(percentile)
		if rank == u.Rank {
			return nil
		}
		return s.Repo.SetRank(ctx, userID, rank)
	}
	return repo.ErrNotFound
}
