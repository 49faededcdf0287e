package server

import (
	"encoding/json"

	"quorum/internal/domain"
	"quorum/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ID               *string `json:"id,omitempty"`
	Query            string  `json:"query"`
	Confidence       float64 `json:"ai_confidence" minimum:"0" maximum:"1"`
	RequesterID      *string `json:"requester_id,omitempty"`
	DepositSignature *string `json:"deposit_signature,omitempty"`
	DepositAmount    float64 `json:"deposit_amount,omitempty"`
}

type CastVoteRequest struct {
	UserID   *string `json:"user_id,omitempty"`
	Decision string  `json:"decision" enum:"yes,no"`
}

type RegisterUserRequest struct {
	ID            *string `json:"id,omitempty"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

type UpdateUserRequest struct {
	Banned        *bool   `json:"banned,omitempty"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID                 string             `json:"id"`
	Query              string             `json:"query"`
	Confidence         float64            `json:"ai_confidence"`
	CurrentPhase       string             `json:"current_phase" enum:"PHASE_1,PHASE_2,PHASE_3,TERMINATED"`
	RequiredVoters     int                `json:"required_voters"`
	ConsensusThreshold float64            `json:"consensus_threshold"`
	YesVotes           int                `json:"yes_votes"`
	NoVotes            int                `json:"no_votes"`
	CurrentVoteCount   int                `json:"current_vote_count"`
	Status             string             `json:"status" enum:"pending,resolved,failed"`
	Result             *domain.TaskResult `json:"result,omitempty"`
	SettledAt          *string            `json:"settled_at,omitempty" format:"date-time"`
	RequesterID        *string            `json:"requester_id,omitempty"`
	CreatedAt          string             `json:"created_at" format:"date-time"`
	UpdatedAt          string             `json:"updated_at" format:"date-time"`
}

type VoteResponse struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	UserID    *string `json:"user_id,omitempty"`
	Decision  string  `json:"decision" enum:"yes,no"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	// State of the task after this vote was tallied.
	Outcome string       `json:"outcome" enum:"waiting,consensus,advance,terminate,none"`
	Task    TaskResponse `json:"task"`
}

type PhaseInfoResponse struct {
	Phase          string  `json:"phase"`
	Description    string  `json:"description"`
	Percentile     float64 `json:"percentile"`
	YesVotes       int     `json:"yes_votes"`
	NoVotes        int     `json:"no_votes"`
	VoteCount      int     `json:"vote_count"`
	RequiredVoters int     `json:"required_voters"`
}

type TransitionResponse struct {
	FromPhase  string `json:"from_phase"`
	ToPhase    string `json:"to_phase,omitempty"`
	Reason     string `json:"reason"`
	VoterCount int    `json:"voter_count"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type UserResponse struct {
	ID            string  `json:"id"`
	Points        int     `json:"points"`
	Rank          string  `json:"rank" enum:"CADET,OFFICER,ARBITER"`
	TotalVotes    int     `json:"total_votes"`
	CorrectVotes  int     `json:"correct_votes"`
	Banned        bool    `json:"banned"`
	WalletAddress *string `json:"wallet_address,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type LeaderboardEntryResponse struct {
	UserID     string  `json:"user_id"`
	Accuracy   float64 `json:"accuracy"`
	TotalVotes int     `json:"total_votes"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
}

type PayoutResponse struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	ToAddress      string  `json:"to_address"`
	Amount         float64 `json:"amount"`
	Status         string  `json:"status" enum:"confirmed,failed"`
	ConfirmationID string  `json:"confirmation_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type EventResponseItem struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                 t.ID,
		Query:              t.Query,
		Confidence:         t.Confidence,
		CurrentPhase:       t.CurrentPhase.String(),
		RequiredVoters:     t.RequiredVoters,
		ConsensusThreshold: t.ConsensusThreshold,
		YesVotes:           t.YesVotes,
		NoVotes:            t.NoVotes,
		CurrentVoteCount:   t.CurrentVoteCount,
		Status:             t.Status,
		Result:             t.Result,
		SettledAt:          t.SettledAt,
		RequesterID:        t.RequesterID,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func voteResponse(v domain.Vote, eval engine.Evaluation, t domain.Task) VoteResponse {
	return VoteResponse{
		ID:        v.ID,
		TaskID:    v.TaskID,
		UserID:    v.UserID,
		Decision:  v.Decision,
		CreatedAt: v.CreatedAt,
		Outcome:   eval.Outcome.String(),
		Task:      taskResponse(t),
	}
}

func transitionResponse(tr domain.PhaseTransition) TransitionResponse {
	res := TransitionResponse{
		FromPhase:  tr.FromPhase.String(),
		Reason:     tr.Reason,
		VoterCount: tr.VoterCount,
		CreatedAt:  tr.CreatedAt,
	}
	if tr.ToPhase != nil {
		res.ToPhase = tr.ToPhase.String()
	}
	return res
}

func mapTransitions(items []domain.PhaseTransition) []TransitionResponse {
	res := make([]TransitionResponse, 0, len(items))
	for _, tr := range items {
		res = append(res, transitionResponse(tr))
	}
	return res
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:            u.ID,
		Points:        u.Points,
		Rank:          u.Rank,
		TotalVotes:    u.TotalVotes,
		CorrectVotes:  u.CorrectVotes,
		Banned:        u.Banned,
		WalletAddress: u.WalletAddress,
		CreatedAt:     u.CreatedAt,
	}
}

func mapLeaderboard(items []domain.RankedVoter) []LeaderboardEntryResponse {
	res := make([]LeaderboardEntryResponse, 0, len(items))
	for _, v := range items {
		res = append(res, LeaderboardEntryResponse{
			UserID:     v.UserID,
			Accuracy:   v.Accuracy,
			TotalVotes: v.TotalVotes,
			Rank:       v.Rank,
			Percentile: v.Percentile,
		})
	}
	return res
}

func mapPayouts(items []domain.Payout) []PayoutResponse {
	res := make([]PayoutResponse, 0, len(items))
	for _, p := range items {
		res = append(res, PayoutResponse{
			ID:             p.ID,
			UserID:         p.UserID,
			ToAddress:      p.ToAddress,
			Amount:         p.Amount,
			Status:         p.Status,
			ConfirmationID: p.ConfirmationID,
			CreatedAt:      p.CreatedAt,
		})
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponseItem {
	res := make([]EventResponseItem, 0, len(items))
	for _, e := range items {
		item := EventResponseItem{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
		}
		if e.Payload != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
				item.Payload = payload
			}
		}
		res = append(res, item)
	}
	return res
}
