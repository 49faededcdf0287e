package settle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quorum/internal/config"
	"quorum/internal/domain"
	"quorum/internal/events"
	"quorum/internal/leaderboard"
	"quorum/internal/payout"
	"quorum/internal/repo"
)

const (
	pointsForMatch    = 3
	pointsForMismatch = -1
)

// Services applies post-consensus settlement: points, ranks and rewards.
type Services struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Rail   payout.Rail
	Ranker *leaderboard.Ranker
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, rail payout.Rail, ranker *leaderboard.Ranker, log *zap.Logger) *Services {
	if log == nil {
		log = zap.NewNop()
	}
	return &Services{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Rail:   rail,
		Ranker: ranker,
		Log:    log,
		Now:    time.Now,
	}
}

func (s *Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SettleTask runs the full settlement pipeline for a resolved task.
// Prior-phase votes were cleared on transition; only the final tally
// settles.
func (s *Services) SettleTask(ctx context.Context, task domain.Task, decision string, finalVotes []domain.Vote) error {
	if err := s.settlePoints(ctx, task.ID, decision, finalVotes); err != nil {
		return err
	}
	s.Ranker.InvalidateCache()
	if err := s.UpdateAllUserRanks(ctx); err != nil {
		return err
	}
	if s.Config != nil && s.Config.Rewards.Enabled {
		if _, err := s.DistributeRewardToWinners(ctx, task.ID, decision, s.Config.Rewards.Amount); err != nil {
			return err
		}
	}
	return nil
}

// CalculateAndUpdatePoints settles points for every final-phase vote of
// the task: +3 for matching the consensus decision, -1 otherwise.
func (s *Services) CalculateAndUpdatePoints(ctx context.Context, taskID, decision string) error {
	votes, err := s.Repo.ListVotes(ctx, taskID)
	if err != nil {
		return err
	}
	return s.settlePoints(ctx, taskID, decision, votes)
}

func (s *Services) settlePoints(ctx context.Context, taskID, decision string, votes []domain.Vote) error {
	now := s.now().UTC().Format(time.RFC3339)
	for _, v := range votes {
		if v.UserID == nil {
			continue
		}
		userID := *v.UserID
		correct := v.Decision == decision
		delta := pointsForMismatch
		if correct {
			delta = pointsForMatch
		}
		if err := s.settleOne(ctx, taskID, userID, delta, correct, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// Account deleted by a concurrent settlement; nothing to apply.
				continue
			}
			return fmt.Errorf("settle points for %s: %w", userID, err)
		}
	}
	return nil
}

// settleOne applies one voter's delta in its own transaction. The point
// update is a single SQL increment so concurrent settlements for the
// same user cannot lose updates. A balance below zero deletes the
// account outright, vote history included.
func (s *Services) settleOne(ctx context.Context, taskID, userID string, delta int, correct bool, now string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	balance, err := s.Repo.AddPoints(ctx, tx, userID, delta)
	if err != nil {
		return err
	}
	claimed, err := s.Repo.ClaimSettlement(ctx, tx, taskID, userID, now)
	if err != nil {
		return err
	}
	if !claimed {
		// A prior run already applied this voter's delta; the rollback
		// discards the increment so retries never double-count.
		return nil
	}
	if err := s.Repo.RecordVoteOutcome(ctx, tx, userID, correct); err != nil {
		return err
	}
	if err := s.Repo.AppendVoteAccuracy(ctx, tx, domain.VoteAccuracy{
		UserID:    userID,
		IsCorrect: correct,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "points.settled", "user", userID, "settlement", events.EventPayload{
		"task_id": taskID,
		"delta":   delta,
		"balance": balance,
		"correct": correct,
	}); err != nil {
		return err
	}
	if balance < 0 {
		if err := s.Repo.DeleteUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, "user.deleted", "user", userID, "settlement", events.EventPayload{
			"task_id": taskID,
			"balance": balance,
			"reason":  "points went negative",
		}); err != nil {
			return err
		}
		s.Log.Warn("user deleted on negative balance",
			zap.String("user_id", userID),
			zap.Int("balance", balance))
	}
	return tx.Commit()
}
