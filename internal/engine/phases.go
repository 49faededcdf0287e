package engine

import "quorum/internal/domain"

// PhaseOutcome classifies what a tally evaluation demands next.
type PhaseOutcome int

const (
	// OutcomeWaiting: quota not reached, no consensus yet.
	OutcomeWaiting PhaseOutcome = iota
	// OutcomeConsensus: consensus reached, terminate successfully.
	OutcomeConsensus
	// OutcomeAdvance: quota reached without consensus, narrow the pool.
	OutcomeAdvance
	// OutcomeTerminate: final phase exhausted without consensus.
	OutcomeTerminate
	// OutcomeNone: task already terminated; nothing to do.
	OutcomeNone
)

func (o PhaseOutcome) String() string {
	switch o {
	case OutcomeWaiting:
		return "waiting"
	case OutcomeConsensus:
		return "consensus"
	case OutcomeAdvance:
		return "advance"
	case OutcomeTerminate:
		return "terminate"
	default:
		return "none"
	}
}

// Evaluation is the decision produced by EvaluatePhaseCompletion.
type Evaluation struct {
	Outcome   PhaseOutcome
	Consensus ConsensusResult
	NextPhase domain.Phase
	Reason    string
}

const (
	reasonConsensus    = "consensus reached"
	reasonQuotaNoCons  = "vote quota reached without consensus"
	reasonFinalNoCons  = "no consensus after final phase"
	reasonPhaseStalled = "phase stalled"
	reasonPhaseStart   = "phase started"
)

// EvaluatePhaseCompletion inspects the current tally and decides whether
// the task terminates, advances, or keeps waiting. Pure: it re-derives
// everything from the task snapshot, so retries after a crash are safe.
// A yes/no tie at quota counts as no consensus and forces a transition.
func (e Engine) EvaluatePhaseCompletion(t domain.Task) Evaluation {
	if t.CurrentPhase == domain.PhaseTerminated || t.Status != domain.TaskPending {
		return Evaluation{Outcome: OutcomeNone}
	}
	res := CheckMultiPhaseConsensus(t.YesVotes, t.NoVotes, t.RequiredVoters, t.ConsensusThreshold, t.CurrentPhase)
	if res.Reached {
		return Evaluation{Outcome: OutcomeConsensus, Consensus: res, Reason: reasonConsensus}
	}
	if t.CurrentVoteCount < t.RequiredVoters {
		return Evaluation{Outcome: OutcomeWaiting, Consensus: res}
	}
	next := t.CurrentPhase.Next()
	if next == domain.PhaseNone {
		return Evaluation{Outcome: OutcomeTerminate, Consensus: res, NextPhase: domain.PhaseTerminated, Reason: reasonFinalNoCons}
	}
	return Evaluation{Outcome: OutcomeAdvance, Consensus: res, NextPhase: next, Reason: reasonQuotaNoCons}
}

// PhaseInfo is the read-only projection of a task's voting round.
type PhaseInfo struct {
	Phase       string  `json:"phase"`
	Description string  `json:"description"`
	Percentile  float64 `json:"percentile"`
}

// GetCurrentPhaseInfo describes the task's current round.
func (e Engine) GetCurrentPhaseInfo(t domain.Task) PhaseInfo {
	switch t.CurrentPhase {
	case domain.Phase1:
		return PhaseInfo{Phase: t.CurrentPhase.String(), Description: "all active voters", Percentile: 1.0}
	case domain.Phase2:
		return PhaseInfo{Phase: t.CurrentPhase.String(), Description: "top 50% of voters by accuracy", Percentile: 0.5}
	case domain.Phase3:
		return PhaseInfo{Phase: t.CurrentPhase.String(), Description: "top 10% of voters by accuracy", Percentile: 0.1}
	default:
		return PhaseInfo{Phase: t.CurrentPhase.String(), Description: "voting closed"}
	}
}
