package engine

import "quorum/internal/domain"

// ConsensusResult is the outcome of a single tally evaluation.
type ConsensusResult struct {
	Reached            bool    `json:"reached"`
	Decision           string  `json:"decision,omitempty"`
	MajorityPercentage float64 `json:"majority_percentage"`
}

// CheckConsensus evaluates a tally against the phase-invariant parameters.
// The denominator is the target voter count, not votes cast so far, which
// lets a lopsided tally reach consensus before every voter has responded.
// A yes/no tie is never consensus and carries no decision.
func CheckConsensus(yes, no, requiredVoters int, threshold float64) ConsensusResult {
	if requiredVoters <= 0 {
		return ConsensusResult{}
	}
	leader := yes
	decision := domain.DecisionYes
	if no > yes {
		leader = no
		decision = domain.DecisionNo
	}
	majority := float64(leader) / float64(requiredVoters)
	if yes == no {
		return ConsensusResult{MajorityPercentage: majority}
	}
	if majority >= threshold {
		return ConsensusResult{Reached: true, Decision: decision, MajorityPercentage: majority}
	}
	return ConsensusResult{Decision: decision, MajorityPercentage: majority}
}

// CheckMultiPhaseConsensus applies the same arithmetic in every phase;
// the phase only selects the voter pool, never the consensus rule.
func CheckMultiPhaseConsensus(yes, no, requiredVoters int, threshold float64, _ domain.Phase) ConsensusResult {
	return CheckConsensus(yes, no, requiredVoters, threshold)
}
