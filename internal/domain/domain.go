package domain

// Phase identifies one escalation round of the voting protocol.
type Phase int

const (
	PhaseNone Phase = 0
	Phase1    Phase = 1
	Phase2    Phase = 2
	Phase3    Phase = 3
	// PhaseTerminated is absorbing; a task never leaves it.
	PhaseTerminated Phase = -1
)

func (p Phase) String() string {
	switch p {
	case Phase1:
		return "PHASE_1"
	case Phase2:
		return "PHASE_2"
	case Phase3:
		return "PHASE_3"
	case PhaseTerminated:
		return "TERMINATED"
	default:
		return "NONE"
	}
}

// Next returns the successor phase, or PhaseNone when there is none.
func (p Phase) Next() Phase {
	switch p {
	case Phase1:
		return Phase2
	case Phase2:
		return Phase3
	default:
		return PhaseNone
	}
}

// Percentile returns the leaderboard cut for a phase's voter pool.
func (p Phase) Percentile() float64 {
	switch p {
	case Phase2:
		return 0.5
	case Phase3:
		return 0.1
	default:
		return 1.0
	}
}

const (
	DecisionYes = "yes"
	DecisionNo  = "no"

	TaskPending  = "pending"
	TaskResolved = "resolved"
	TaskFailed   = "failed"

	RankCadet   = "CADET"
	RankOfficer = "OFFICER"
	RankArbiter = "ARBITER"
)

// PhaseWindow records when a single phase opened and closed.
type PhaseWindow struct {
	Phase     Phase   `json:"phase"`
	StartedAt string  `json:"started_at" format:"date-time"`
	EndedAt   *string `json:"ended_at,omitempty" format:"date-time"`
}

// PhaseMeta is the typed per-phase bookkeeping carried by a task.
type PhaseMeta struct {
	Windows       []PhaseWindow `json:"windows,omitempty"`
	Notifications []string      `json:"notifications,omitempty"`
}

// TaskResult is the audit snapshot written at termination.
type TaskResult struct {
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	FinalPhase Phase  `json:"final_phase"`
	YesVotes   int    `json:"yes_votes"`
	NoVotes    int    `json:"no_votes"`
}

type Task struct {
	ID                 string      `json:"id"`
	Query              string      `json:"query"`
	Confidence         float64     `json:"confidence"`
	CurrentPhase       Phase       `json:"current_phase"`
	RequiredVoters     int         `json:"required_voters"`
	ConsensusThreshold float64     `json:"consensus_threshold"`
	YesVotes           int         `json:"yes_votes"`
	NoVotes            int         `json:"no_votes"`
	CurrentVoteCount   int         `json:"current_vote_count"`
	Status             string      `json:"status" enum:"pending,resolved,failed"`
	PhaseMeta          PhaseMeta   `json:"phase_meta"`
	Result             *TaskResult `json:"result,omitempty"`
	// SettledAt is stamped once point/rank/reward settlement has run to
	// completion; a resolved task with a nil SettledAt is retried.
	SettledAt   *string `json:"settled_at,omitempty" format:"date-time"`
	RequesterID *string `json:"requester_id,omitempty"`
	CreatedAt          string      `json:"created_at" format:"date-time"`
	UpdatedAt          string      `json:"updated_at" format:"date-time"`
}

// Vote is scoped to the task's current phase; rows are deleted on
// phase transition so each tally starts empty.
type Vote struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	UserID    *string `json:"user_id,omitempty"`
	Decision  string  `json:"decision" enum:"yes,no"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type VoterEligibility struct {
	TaskID   string `json:"task_id"`
	UserID   string `json:"user_id"`
	Phase    Phase  `json:"phase"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// PhaseTransition is an append-only audit row. ToPhase is nil while the
// task is still waiting inside a phase.
type PhaseTransition struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	FromPhase  Phase  `json:"from_phase"`
	ToPhase    *Phase `json:"to_phase,omitempty"`
	Reason     string `json:"reason"`
	VoterCount int    `json:"voter_count"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// VoteAccuracy is the ground-truth record feeding the leaderboard.
type VoteAccuracy struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	IsCorrect bool   `json:"is_correct"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID            string  `json:"id"`
	Points        int     `json:"points"`
	Rank          string  `json:"rank" enum:"CADET,OFFICER,ARBITER"`
	TotalVotes    int     `json:"total_votes"`
	CorrectVotes  int     `json:"correct_votes"`
	Banned        bool    `json:"banned"`
	WalletAddress *string `json:"wallet_address,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// Payout is one per-winner ledger entry written by the rewards distributor.
type Payout struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"task_id"`
	UserID         string  `json:"user_id"`
	ToAddress      string  `json:"to_address"`
	Amount         float64 `json:"amount"`
	Status         string  `json:"status" enum:"confirmed,failed"`
	ConfirmationID string  `json:"confirmation_id,omitempty"`
	Error          string  `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RankedVoter is one leaderboard entry.
type RankedVoter struct {
	UserID     string  `json:"user_id"`
	Accuracy   float64 `json:"accuracy"`
	TotalVotes int     `json:"total_votes"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
}
