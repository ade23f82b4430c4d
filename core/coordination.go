package core

import (
	"math"
	"time"
)

// ElectionStatus is the lifecycle state of an election round.
type ElectionStatus string

const (
	ElectionInProgress ElectionStatus = "in_progress"
	ElectionCompleted  ElectionStatus = "completed"
	ElectionTimeout    ElectionStatus = "timeout"
)

// ElectionRecord is the persisted result of one leader election.
// Leader is set exactly once, when the round leaves ElectionInProgress.
type ElectionRecord struct {
	ElectionID  string             `json:"electionId"`
	OperationID string             `json:"operationId"`
	Candidates  []string           `json:"candidates"`
	Votes       map[string]float64 `json:"votes"`
	Leader      *string            `json:"leader,omitempty"`
	Status      ElectionStatus     `json:"status"`
	StartTime   time.Time          `json:"startTime"`
	Timeout     time.Duration      `json:"timeout"`
	FinishedAt  *time.Time         `json:"finishedAt,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// Finalized reports whether the round is over.
func (r *ElectionRecord) Finalized() bool { return r.Status != ElectionInProgress }

// LeaderID returns the elected leader or "".
func (r *ElectionRecord) LeaderID() string {
	if r.Leader == nil {
		return ""
	}
	return *r.Leader
}

// VoteChoice is a participant's answer in a consensus round.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// Valid reports whether c is one of the known choices.
func (c VoteChoice) Valid() bool {
	return c == VoteApprove || c == VoteReject || c == VoteAbstain
}

// Vote is a single consensus ballot.
type Vote struct {
	Choice     VoteChoice `json:"vote"`
	Confidence float64    `json:"confidence"`
}

// ConsensusStatus is the lifecycle state of a consensus round.
type ConsensusStatus string

const (
	ConsensusVoting    ConsensusStatus = "voting"
	ConsensusCompleted ConsensusStatus = "completed"
	ConsensusTimedOut  ConsensusStatus = "timeout"
)

// ConsensusResult is the decision reached by a round.
type ConsensusResult string

const (
	ResultApproved ConsensusResult = "approved"
	ResultRejected ConsensusResult = "rejected"
)

// ConsensusRecord is the persisted state of one weighted vote.
type ConsensusRecord struct {
	ConsensusID      string           `json:"consensusId"`
	OperationID      string           `json:"operationId"`
	Topic            string           `json:"topic"`
	Participants     []string         `json:"participants"`
	Votes            map[string]Vote  `json:"votes"`
	Threshold        float64          `json:"threshold"`
	WeightedApproval float64          `json:"weightedApproval"`
	Status           ConsensusStatus  `json:"status"`
	Result           *ConsensusResult `json:"result,omitempty"`
	StartTime        time.Time        `json:"startTime"`
	Timeout          time.Duration    `json:"timeout"`
	FinishedAt       *time.Time       `json:"finishedAt,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// IsParticipant reports whether agentID may vote in this round.
func (r *ConsensusRecord) IsParticipant(agentID string) bool {
	for _, p := range r.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// WeightedApproval computes
//
//	(countApprove / countParticipants) * averageConfidenceAmongApprovers
//
// Participants that did not vote count towards the denominator.
func WeightedApproval(votes map[string]Vote, participants int) float64 {
	if participants <= 0 {
		return 0
	}
	approvals := 0
	var confidence float64
	for _, v := range votes {
		if v.Choice == VoteApprove {
			approvals++
			confidence += v.Confidence
		}
	}
	if approvals == 0 {
		return 0
	}
	return (float64(approvals) / float64(participants)) * (confidence / float64(approvals))
}

// InUnitRange reports whether v is a number within [0,1]. NaN is not.
func InUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
