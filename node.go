package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

// This file holds the node state machine: the role transitions and the
// tick-driven election, heartbeat and lease policies. Everything here
// runs on the raft loop.

// becomeFollower transitions to follower at the given term, remembering
// the leader when known.
func (r *Raft) becomeFollower(term, leader uint64) {
	wasLeader := r.getStatus() == Leader
	if wasLeader {
		r.clock.RemoveListener(heartbeatListenerName)
		r.clock.RemoveListener(leaseListenerName)
		r.clock.AddListener(electionListenerName, r.electionTicker)
		r.proposals.cancelAll(LeadershipLost)
	}

	r.votes = nil
	r.leased = nil
	r.leaseMisses = 0
	if term != r.getCurrentTerm() {
		r.setVotedFor(NotVote)
		r.setCurrentTerm(term)
		r.hardDirty = true
	} else if wasLeader {
		r.setVotedFor(NotVote)
		r.hardDirty = true
	}
	r.setLeader(leader)
	r.electionTicker.Reset()

	// Arm the replay barrier against the commit watermark at transition.
	r.replayCommit = r.getCommitIndex()
	r.setReplayBarrier(r.replayCommit)
	if r.getAppliedIndex() >= r.replayCommit {
		r.transitionReplay(Replayed)
	} else {
		r.transitionReplay(Replaying)
	}

	r.setStatus(Follower)
	r.metrics.term.Set(float64(term))
	r.logger.Info("entering Follower state",
		zap.Uint64("term", term), zap.Uint64("leader", leader))
	r.notifyElection(Follower)
}

// becomePreCandidate starts a pre-vote round. The term is not bumped;
// that is the whole point of the probe.
func (r *Raft) becomePreCandidate() {
	r.votes = make(map[uint64]bool, r.cluster.Size())
	r.setLeader(None)
	r.electionTicker.Reset()
	r.setStatus(PreCandidate)
	r.logger.Info("entering PreCandidate state", zap.Uint64("term", r.getCurrentTerm()))
	r.notifyElection(PreCandidate)
}

// becomeCandidate bumps the term and votes for ourselves.
func (r *Raft) becomeCandidate() {
	r.votes = make(map[uint64]bool, r.cluster.Size())
	r.setCurrentTerm(r.getCurrentTerm() + 1)
	r.setVotedFor(r.conf.ID)
	r.hardDirty = true
	r.electionTicker.Reset()
	r.setStatus(Candidate)
	r.metrics.term.Set(float64(r.getCurrentTerm()))
	r.logger.Info("entering Candidate state", zap.Uint64("term", r.getCurrentTerm()))
	r.notifyElection(Candidate)
}

// becomeLeader is the won-election transition. A no-op entry is
// dispatched right after so entries from prior terms can commit under
// the no-commit-across-terms rule.
func (r *Raft) becomeLeader() {
	if r.getStatus() == Leader {
		return
	}

	r.votes = nil
	r.setVotedFor(NotVote)
	r.hardDirty = true

	r.clock.RemoveListener(electionListenerName)
	r.heartbeatTicker.Reset()
	r.leaseTicker.Reset()
	r.clock.AddListener(heartbeatListenerName, r.heartbeatTicker)
	r.clock.AddListener(leaseListenerName, r.leaseTicker)
	r.leased = make(map[uint64]struct{}, r.cluster.Size())
	r.leaseMisses = 0

	lastIndex := r.log.LastIndex()
	r.nextOffsetMeta = nextOffsetMetaData{nextOffset: lastIndex}
	for _, peer := range r.cluster.Peers() {
		peer.setNextIndex(lastIndex + 1)
		peer.setMatchIndex(0)
	}

	r.notifyElection(Leader)

	// Arm the replay barrier against the log tail at transition. An
	// empty or fully applied log has nothing to replay.
	r.lowWaterMark = lastIndex
	r.setReplayBarrier(lastIndex)
	snapIndex, _ := r.log.SnapshotBoundary()
	if lastIndex == 0 || lastIndex == snapIndex || r.getAppliedIndex() >= lastIndex {
		r.transitionReplay(Replayed)
	} else {
		r.transitionReplay(Replaying)
	}

	r.setStatus(Leader)
	r.setLeader(r.conf.ID)
	r.logger.Info("entering Leader state",
		zap.Uint64("term", r.getCurrentTerm()),
		zap.Uint64("lowWaterMark", r.lowWaterMark))

	r.dispatchNoop()
	r.broadcastAppend()
}

// transitionReplay updates the node-wide replay state and mirrors it on
// the local member's info.
func (r *Raft) transitionReplay(s ReplayState) {
	r.setReplayState(s)
	if self := r.cluster.Self(); self != nil {
		self.setReplayState(s)
	}
}

// handleTick dispatches a logical-clock event by kind.
func (r *Raft) handleTick(t tickEvent) {
	switch t.kind {
	case tickElection:
		r.onElectionTimeout()
	case tickHeartbeat:
		r.onHeartbeatTick()
	case tickLease:
		r.onLeaseTick()
	}
}

// onElectionTimeout fires on followers and candidates that have not
// heard from a leader. It opens a pre-vote round instead of bumping the
// term straight away.
func (r *Raft) onElectionTimeout() {
	if r.getStatus() == Leader {
		return
	}
	r.logger.Warn("election timeout reached, starting pre-vote",
		zap.Uint64("term", r.getCurrentTerm()))
	r.startPreVote()
}

// startPreVote is the HUP path: probe the cluster for willingness to
// elect us before disturbing any terms.
func (r *Raft) startPreVote() {
	r.becomePreCandidate()
	r.votes[r.conf.ID] = true
	if r.countVotes() >= r.cluster.Quorum() {
		r.startElection()
		return
	}

	lastIndex, lastTerm := r.log.LastEntry()
	for _, peer := range r.cluster.Peers() {
		r.send(&raftpb.Message{
			Type:    raftpb.MessageType_PREVOTE,
			To:      peer.ID,
			Term:    r.getCurrentTerm() + 1,
			Index:   lastIndex,
			LogTerm: lastTerm,
		})
	}
}

// startElection is the real vote: bump the term and ask for ballots.
func (r *Raft) startElection() {
	r.becomeCandidate()
	r.votes[r.conf.ID] = true
	if r.countVotes() >= r.cluster.Quorum() {
		r.becomeLeader()
		return
	}

	lastIndex, lastTerm := r.log.LastEntry()
	for _, peer := range r.cluster.Peers() {
		r.send(&raftpb.Message{
			Type:    raftpb.MessageType_VOTE,
			To:      peer.ID,
			Term:    r.getCurrentTerm(),
			Index:   lastIndex,
			LogTerm: lastTerm,
		})
	}
}

func (r *Raft) countVotes() int {
	granted := 0
	for _, yes := range r.votes {
		if yes {
			granted++
		}
	}
	return granted
}

// onHeartbeatTick sends heartbeats and keeps slow peers fed.
func (r *Raft) onHeartbeatTick() {
	if r.getStatus() != Leader {
		return
	}
	commit := r.getCommitIndex()
	for _, peer := range r.cluster.Peers() {
		r.send(&raftpb.Message{
			Type:        raftpb.MessageType_HEARTBEAT,
			To:          peer.ID,
			Term:        r.getCurrentTerm(),
			CommitIndex: min(commit, peer.MatchIndex()),
		})
		if peer.NextIndex() <= r.log.LastIndex() {
			r.sendAppend(peer)
		}
	}
}

// onLeaseTick checks quorum support. Two consecutive windows without a
// quorum of fresh heartbeat responses force a step-down, bounding how
// long a partitioned leader keeps accepting proposals.
func (r *Raft) onLeaseTick() {
	if r.getStatus() != Leader {
		return
	}

	supported := len(r.leased) + 1
	r.leased = make(map[uint64]struct{}, r.cluster.Size())

	if supported >= r.cluster.Quorum() {
		r.leaseMisses = 0
		return
	}
	r.leaseMisses++
	r.logger.Warn("lease check failed",
		zap.Int("supported", supported),
		zap.Int("quorum", r.cluster.Quorum()),
		zap.Int("misses", r.leaseMisses))
	if r.leaseMisses >= 2 {
		r.logger.Warn("lease lost, stepping down")
		r.becomeFollower(r.getCurrentTerm(), None)
	}
}

// markLeaderContact records that the current leader was heard from, which
// both defers our own election and denies pre-votes to disruptors.
func (r *Raft) markLeaderContact() {
	r.lastLeaderContact.Store(time.Now())
	r.electionTicker.Reset()
}

// leaderLeaseValid reports whether we have heard from a live leader
// recently enough to deny a pre-vote.
func (r *Raft) leaderLeaseValid() bool {
	if r.getLeader() == None {
		return false
	}
	last, _ := r.lastLeaderContact.Load().(time.Time)
	if last.IsZero() {
		return false
	}
	return time.Since(last) < r.conf.ElectionTimeoutMin
}

// send queues an outbound message for the next Ready batch, stamping the
// sender.
func (r *Raft) send(m *raftpb.Message) {
	m.From = r.conf.ID
	if m.Term == 0 {
		m.Term = r.getCurrentTerm()
	}
	r.msgs = append(r.msgs, m)
}
