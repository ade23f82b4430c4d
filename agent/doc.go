// Package agent contains the worker side of a SwarmKit agent: the Worker
// interface the runtime drives, optional Bidder/Voter/EventHandler/Lifecycle
// capabilities, and composable implementations.
//
//  1. BaseWorker: identity, candidate profile, vote policy and Start/Stop state
//  2. Composites: SequentialWorker, ParallelWorker, LoopWorker
//  3. Vote policies: FixedVote, TopicVotes, VotePolicyFunc
//
// Workers never touch the bus or the state store directly; the runtime turns
// their answers into ELECTION_BID and CONSENSUS_VOTE events and records task
// outcomes in the operation document.
package agent
