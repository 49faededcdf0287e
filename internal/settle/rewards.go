package settle

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"quorum/internal/domain"
	"quorum/internal/events"
)

// SkipReason is the machine-readable code returned when a distribution
// performs no transfers. Configuration gaps are recovered here and never
// surface as errors.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipNoReward        SkipReason = "no_reward_configured"
	SkipNoWinners       SkipReason = "no_winners"
	SkipNoWalletWinners SkipReason = "no_wallet_winners"
	SkipZeroShare       SkipReason = "share_rounds_to_zero"
)

// Distribution summarizes one reward run.
type Distribution struct {
	Skipped SkipReason `json:"skipped,omitempty"`
	Share   float64    `json:"share"`
	Paid    int        `json:"paid"`
	Failed  int        `json:"failed"`
}

const payoutWorkers = 4

type winner struct {
	userID  string
	address string
}

// DistributeRewardToWinners splits totalAmount evenly among final-phase
// voters who matched the consensus decision and registered a payout
// address. Transfers run in parallel; a failed transfer is logged and
// skipped without aborting the siblings.
func (s *Services) DistributeRewardToWinners(ctx context.Context, taskID, decision string, totalAmount float64) (Distribution, error) {
	if s.Rail == nil || totalAmount <= 0 || (s.Config != nil && s.Config.Rewards.Treasury == "") {
		s.logSkip(ctx, taskID, SkipNoReward)
		return Distribution{Skipped: SkipNoReward}, nil
	}
	votes, err := s.Repo.ListVotes(ctx, taskID)
	if err != nil {
		return Distribution{}, err
	}
	var matched int
	var winners []winner
	for _, v := range votes {
		if v.UserID == nil || v.Decision != decision {
			continue
		}
		matched++
		u, err := s.Repo.GetUser(ctx, *v.UserID)
		if err != nil {
			// Deleted during point settlement; no payout destination.
			continue
		}
		if u.WalletAddress == nil || *u.WalletAddress == "" {
			continue
		}
		winners = append(winners, winner{userID: u.ID, address: *u.WalletAddress})
	}
	if matched == 0 {
		s.logSkip(ctx, taskID, SkipNoWinners)
		return Distribution{Skipped: SkipNoWinners}, nil
	}
	if len(winners) == 0 {
		s.logSkip(ctx, taskID, SkipNoWalletWinners)
		return Distribution{Skipped: SkipNoWalletWinners}, nil
	}
	// Shares are truncated to micro units; dust stays in the treasury.
	// The share is fixed by the full winner set so a retry pays the same
	// amount per head as the original run.
	share := math.Floor(totalAmount/float64(len(winners))*1e6) / 1e6
	if share <= 0 {
		s.logSkip(ctx, taskID, SkipZeroShare)
		return Distribution{Skipped: SkipZeroShare}, nil
	}

	// Winners already confirmed by an earlier run keep their payout; a
	// retried distribution only covers the remainder.
	prior, err := s.Repo.ListPayouts(ctx, taskID)
	if err != nil {
		return Distribution{}, err
	}
	confirmed := make(map[string]bool, len(prior))
	for _, p := range prior {
		if p.Status == "confirmed" {
			confirmed[p.UserID] = true
		}
	}

	var paid, failed atomic.Int64
	pool := pond.NewPool(payoutWorkers)
	group := pool.NewGroup()
	for _, w := range winners {
		if confirmed[w.userID] {
			paid.Add(1)
			continue
		}
		group.Submit(func() {
			if s.payWinner(ctx, taskID, w, share) {
				paid.Add(1)
			} else {
				failed.Add(1)
			}
		})
	}
	group.Wait()
	pool.StopAndWait()

	dist := Distribution{Share: share, Paid: int(paid.Load()), Failed: int(failed.Load())}
	s.Log.Info("reward distributed",
		zap.String("task_id", taskID),
		zap.Float64("share", share),
		zap.Int("paid", dist.Paid),
		zap.Int("failed", dist.Failed))
	return dist, nil
}

// payWinner issues one transfer and records the outcome in the payout
// ledger. Returns whether the transfer succeeded.
func (s *Services) payWinner(ctx context.Context, taskID string, w winner, share float64) bool {
	now := s.now().UTC().Format(time.RFC3339)
	p := domain.Payout{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		UserID:    w.userID,
		ToAddress: w.address,
		Amount:    share,
		CreatedAt: now,
	}
	confirmation, err := s.Rail.Transfer(ctx, w.address, share)
	if err != nil {
		p.Status = "failed"
		p.Error = err.Error()
		s.Log.Warn("payout transfer failed",
			zap.String("task_id", taskID),
			zap.String("user_id", w.userID),
			zap.Error(err))
	} else {
		p.Status = "confirmed"
		p.ConfirmationID = confirmation
	}
	if err := s.Repo.InsertPayout(ctx, p); err != nil {
		s.Log.Error("record payout", zap.String("user_id", w.userID), zap.Error(err))
		return false
	}
	evtType := "reward.paid"
	if p.Status == "failed" {
		evtType = "reward.failed"
	}
	_ = s.Events.AppendDB(ctx, evtType, "user", w.userID, "settlement", events.EventPayload{
		"task_id": taskID,
		"amount":  share,
		"status":  p.Status,
	})
	return p.Status == "confirmed"
}

func (s *Services) logSkip(ctx context.Context, taskID string, reason SkipReason) {
	s.Log.Info("reward skipped",
		zap.String("task_id", taskID),
		zap.String("reason", string(reason)))
	_ = s.Events.AppendDB(ctx, "reward.skipped", "task", taskID, "settlement", events.EventPayload{
		"reason": string(reason),
	})
}
