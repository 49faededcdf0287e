package engine

import (
	"context"
	"database/sql"
	"fmt"

	"quorum/internal/domain"
)

// fallbackPoolSize is the top-N rescue pool when a percentile filter
// yields no eligible voters.
const fallbackPoolSize = 3

// GetPhaseEligibleVoters resolves the voter pool for a phase. Phase 1 is
// every non-banned user; later phases filter by leaderboard percentile
// with a top-N fallback so a sparse leaderboard never stalls a task.
// The returned pool is never truncated below requiredCount: the entire
// qualifying set stays eligible.
func (e Engine) GetPhaseEligibleVoters(ctx context.Context, phase domain.Phase, requiredCount int) ([]domain.VoterEligibility, error) {
	active, err := e.Repo.ListActiveUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	if phase == domain.Phase1 {
		pool := make([]domain.VoterEligibility, 0, len(active))
		for _, id := range active {
			pool = append(pool, domain.VoterEligibility{
				UserID:   id,
				Phase:    phase,
				Eligible: true,
				Reason:   "phase 1: all active users",
			})
		}
		return pool, nil
	}

	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}
	cut := phase.Percentile()
	ranked, err := e.Ranker.TopPercentile(ctx, cut)
	if err != nil {
		return nil, err
	}
	reason := fmt.Sprintf("%s: top %.0f%% by accuracy", phase, cut*100)
	if len(filterActive(ranked, activeSet)) == 0 {
		// Sparse leaderboard: rescue with the best ranked voters overall.
		ranked, err = e.Ranker.TopN(ctx, fallbackPoolSize)
		if err != nil {
			return nil, err
		}
		reason = fmt.Sprintf("%s: sparse pool fallback, top %d ranked voters", phase, fallbackPoolSize)
	}
	var pool []domain.VoterEligibility
	for _, v := range filterActive(ranked, activeSet) {
		pool = append(pool, domain.VoterEligibility{
			UserID:   v.UserID,
			Phase:    phase,
			Eligible: true,
			Reason:   reason,
		})
	}
	return pool, nil
}

// filterActive drops banned or deleted users so later-phase pools stay
// nested inside the phase 1 pool.
func filterActive(ranked []domain.RankedVoter, active map[string]bool) []domain.RankedVoter {
	var res []domain.RankedVoter
	for _, v := range ranked {
		if active[v.UserID] {
			res = append(res, v)
		}
	}
	return res
}

// RecordVoterEligibility persists the pool for a (task, phase) pair,
// replacing any prior rows for the same pair.
func (e Engine) RecordVoterEligibility(ctx context.Context, tx *sql.Tx, taskID string, phase domain.Phase, pool []domain.VoterEligibility) error {
	for i := range pool {
		pool[i].TaskID = taskID
		pool[i].Phase = phase
	}
	return e.Repo.ReplaceVoterEligibility(ctx, tx, taskID, phase, pool)
}
