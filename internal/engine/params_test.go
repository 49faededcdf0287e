package engine

import (
	"math"
	"testing"

	"quorum/internal/domain"
)

func TestCalculateConsensusParams(t *testing.T) {
	cases := []struct {
		name       string
		confidence float64
		voters     int
		threshold  float64
	}{
		{"high certainty", 0.95, 5, 0.549},
		{"moderate certainty", 0.70, 11, 0.744},
		{"full certainty", 1.0, 3, 0.51},
		{"floor certainty", 0.5, 15, 0.90},
		{"below floor clamps", 0.2, 15, 0.90},
		{"above ceiling clamps", 1.3, 3, 0.51},
		{"even count rounds up to odd", 0.96, 5, 0.5412},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := CalculateConsensusParams(tc.confidence)
			if p.RequiredVoters != tc.voters {
				t.Errorf("voters = %d, want %d", p.RequiredVoters, tc.voters)
			}
			if math.Abs(p.ConsensusThreshold-tc.threshold) > 1e-6 {
				t.Errorf("threshold = %v, want %v", p.ConsensusThreshold, tc.threshold)
			}
			if p.RequiredVoters%2 == 0 {
				t.Errorf("voter count %d is even", p.RequiredVoters)
			}
			if p.RequiredVoters < 3 || p.RequiredVoters > 15 {
				t.Errorf("voter count %d out of bounds", p.RequiredVoters)
			}
			if p.ConsensusThreshold < 0.51 || p.ConsensusThreshold > 0.90 {
				t.Errorf("threshold %v out of bounds", p.ConsensusThreshold)
			}
		})
	}
}

func TestCheckConsensusEarly(t *testing.T) {
	// 3 of 5 against a 0.549 threshold: consensus before the pool is
	// exhausted.
	res := CheckConsensus(3, 0, 5, 0.549)
	if !res.Reached || res.Decision != domain.DecisionYes {
		t.Fatalf("expected early yes consensus, got %+v", res)
	}
	if math.Abs(res.MajorityPercentage-0.6) > 1e-9 {
		t.Fatalf("majority = %v, want 0.6", res.MajorityPercentage)
	}
}

func TestCheckConsensusThresholdInclusive(t *testing.T) {
	res := CheckConsensus(9, 0, 10, 0.9)
	if !res.Reached {
		t.Fatalf("majority equal to threshold should reach consensus")
	}
}

func TestCheckConsensusTie(t *testing.T) {
	res := CheckConsensus(4, 4, 9, 0.51)
	if res.Reached {
		t.Fatalf("tie must never be consensus")
	}
	if res.Decision != "" {
		t.Fatalf("tie carries no decision, got %q", res.Decision)
	}
}

func TestCheckConsensusNoDecisionBelowThreshold(t *testing.T) {
	res := CheckConsensus(6, 5, 11, 0.744)
	if res.Reached {
		t.Fatalf("6/11 should not meet 0.744")
	}
	if res.Decision != domain.DecisionYes {
		t.Fatalf("leader should still be reported, got %q", res.Decision)
	}
}

func TestCheckConsensusZeroVoters(t *testing.T) {
	if res := CheckConsensus(1, 0, 0, 0.51); res.Reached {
		t.Fatalf("zero required voters cannot reach consensus")
	}
}

func TestPhaseNarrowing(t *testing.T) {
	if domain.Phase1.Percentile() != 1.0 || domain.Phase2.Percentile() != 0.5 || domain.Phase3.Percentile() != 0.1 {
		t.Fatalf("phase percentiles changed")
	}
	if domain.Phase1.Next() != domain.Phase2 || domain.Phase2.Next() != domain.Phase3 {
		t.Fatalf("phase order changed")
	}
	if domain.Phase3.Next() != domain.PhaseNone {
		t.Fatalf("phase 3 must be the last voting round")
	}
}
