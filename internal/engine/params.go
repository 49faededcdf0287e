package engine

import "math"

// ConsensusParams are the voting parameters derived from AI confidence.
type ConsensusParams struct {
	RequiredVoters     int     `json:"required_voters"`
	ConsensusThreshold float64 `json:"consensus_threshold"`
}

const (
	minVoters    = 3
	maxVoters    = 15
	minThreshold = 0.51
	maxThreshold = 0.90
)

// CalculateConsensusParams maps an AI certainty in [0.5,1.0] to a voter
// count and consensus threshold. Lower certainty demands more voters and
// a stronger majority. Pure and deterministic.
func CalculateConsensusParams(confidence float64) ConsensusParams {
	c := clamp(confidence, 0.5, 1.0)
	// Uncertainty factor: 0 = certain, 1 = maximally uncertain.
	u := clamp((1.0-c)/0.5, 0.0, 1.0)

	voters := minVoters + int(math.Ceil(u*12))
	if voters < minVoters {
		voters = minVoters
	}
	if voters > maxVoters {
		voters = maxVoters
	}
	// Odd counts cannot tie on vote count (a tie in value remains possible).
	if voters%2 == 0 {
		voters++
	}
	if voters > maxVoters {
		voters = maxVoters
	}

	threshold := clamp(minThreshold+u*0.39, minThreshold, maxThreshold)
	return ConsensusParams{RequiredVoters: voters, ConsensusThreshold: threshold}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
