package agent

import (
	"context"
	"strings"

	"github.com/hupe1980/swarmkit/core"
)

// VotePolicy decides how a worker answers a consensus request.
type VotePolicy interface {
	Decide(ctx context.Context, req core.ConsensusRequested) core.Vote
}

// VotePolicyFunc adapts a function to VotePolicy.
type VotePolicyFunc func(ctx context.Context, req core.ConsensusRequested) core.Vote

// Decide implements VotePolicy.
func (f VotePolicyFunc) Decide(ctx context.Context, req core.ConsensusRequested) core.Vote {
	return f(ctx, req)
}

// FixedVote always answers with the same ballot.
func FixedVote(choice core.VoteChoice, confidence float64) VotePolicy {
	v := core.Vote{Choice: choice, Confidence: confidence}
	return VotePolicyFunc(func(context.Context, core.ConsensusRequested) core.Vote { return v })
}

// TopicVotes answers with the ballot registered for the first matching
// topic prefix and falls back to fallback otherwise.
func TopicVotes(byPrefix map[string]core.Vote, fallback core.Vote) VotePolicy {
	return VotePolicyFunc(func(_ context.Context, req core.ConsensusRequested) core.Vote {
		best := ""
		for prefix := range byPrefix {
			// longest prefix wins so "deploy/prod" beats "deploy"
			if strings.HasPrefix(req.Topic, prefix) && len(prefix) > len(best) {
				best = prefix
			}
		}
		if v, ok := byPrefix[best]; ok && best != "" {
			return v
		}
		return fallback
	})
}
