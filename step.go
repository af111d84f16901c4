package raft

import (
	"sort"

	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

// This file holds the pure message transitions: how one inbound message
// or local event mutates node state and which outputs (entries to
// persist, messages to send, apply work) it produces. All of it runs on
// the raft loop.

// stepMessage is the top of the message handling table.
func (r *Raft) stepMessage(m *raftpb.Message) {
	// A higher term always demotes us first, except for pre-votes which
	// probe with a future term on purpose.
	if m.Term > r.getCurrentTerm() &&
		m.Type != raftpb.MessageType_PREVOTE &&
		m.Type != raftpb.MessageType_PREVOTE_RESPONSE {
		leader := None
		if m.Type == raftpb.MessageType_APPEND_ENTRIES_REQUEST ||
			m.Type == raftpb.MessageType_HEARTBEAT ||
			m.Type == raftpb.MessageType_SNAPSHOT_REQUEST {
			leader = m.From
		}
		r.becomeFollower(m.Term, leader)
	}

	switch m.Type {
	case raftpb.MessageType_HUP:
		r.startPreVote()
	case raftpb.MessageType_PREVOTE:
		r.handlePreVote(m)
	case raftpb.MessageType_PREVOTE_RESPONSE:
		r.handlePreVoteResponse(m)
	case raftpb.MessageType_VOTE:
		r.handleVote(m)
	case raftpb.MessageType_VOTE_RESPONSE:
		r.handleVoteResponse(m)
	case raftpb.MessageType_APPEND_ENTRIES_REQUEST:
		r.handleAppendEntries(m)
	case raftpb.MessageType_APPEND_ENTRIES_RESPONSE:
		r.handleAppendEntriesResponse(m)
	case raftpb.MessageType_SNAPSHOT_REQUEST:
		r.handleSnapshotRequest(m)
	case raftpb.MessageType_SNAPSHOT_RESPONSE:
		r.handleSnapshotResponse(m)
	case raftpb.MessageType_HEARTBEAT:
		r.handleHeartbeat(m)
	case raftpb.MessageType_HEARTBEAT_RESPONSE:
		r.handleHeartbeatResponse(m)
	default:
		r.logger.Error("unexpected message type", zap.String("type", m.Type.String()))
	}
}

// isUpToDate checks if a candidate's log is at least as new as ours.
func (r *Raft) isUpToDate(lastLogTerm, lastLogIndex uint64) bool {
	index, term := r.log.LastEntry()
	return lastLogTerm > term || (lastLogTerm == term && lastLogIndex >= index)
}

// handlePreVote grants a pre-vote to an up-to-date candidate, but only
// when we have not heard from a live leader within the lease. That keeps
// a partitioned node from disrupting a healthy group.
func (r *Raft) handlePreVote(m *raftpb.Message) {
	resp := &raftpb.Message{
		Type: raftpb.MessageType_PREVOTE_RESPONSE,
		To:   m.From,
		Term: r.getCurrentTerm(),
	}
	switch {
	case m.Term < r.getCurrentTerm():
		resp.Reject = true
		resp.RejectType = raftpb.RejectType_LOW_TERM
	case r.leaderLeaseValid():
		r.logger.Info("rejecting pre-vote, leader lease still valid",
			zap.Uint64("candidate", m.From))
		resp.Reject = true
	case !r.isUpToDate(m.LogTerm, m.Index):
		r.logger.Info("rejecting pre-vote, log more up-to-date",
			zap.Uint64("candidate", m.From))
		resp.Reject = true
		resp.RejectType = raftpb.RejectType_LOG_NOT_MATCH
	}
	r.send(resp)
}

func (r *Raft) handlePreVoteResponse(m *raftpb.Message) {
	if r.getStatus() != PreCandidate {
		return
	}
	if m.Term > r.getCurrentTerm()+1 {
		r.becomeFollower(m.Term, None)
		return
	}
	r.votes[m.From] = !m.Reject
	if r.countVotes() >= r.cluster.Quorum() {
		r.logger.Info("pre-vote quorum reached", zap.Int("granted", r.countVotes()))
		r.startElection()
	}
}

// handleVote grants a real ballot at most once per term, to an
// up-to-date candidate.
func (r *Raft) handleVote(m *raftpb.Message) {
	resp := &raftpb.Message{
		Type: raftpb.MessageType_VOTE_RESPONSE,
		To:   m.From,
		Term: r.getCurrentTerm(),
	}
	voted := r.getVotedFor()
	switch {
	case m.Term < r.getCurrentTerm():
		resp.Reject = true
		resp.RejectType = raftpb.RejectType_LOW_TERM
	case voted != NotVote && voted != m.From:
		r.logger.Info("rejecting vote, already voted this term",
			zap.Uint64("candidate", m.From), zap.Uint64("votedFor", voted))
		resp.Reject = true
	case !r.isUpToDate(m.LogTerm, m.Index):
		r.logger.Info("rejecting vote, log more up-to-date",
			zap.Uint64("candidate", m.From))
		resp.Reject = true
		resp.RejectType = raftpb.RejectType_LOG_NOT_MATCH
	default:
		r.setVotedFor(m.From)
		r.hardDirty = true
		r.electionTicker.Reset()
	}
	r.send(resp)
}

func (r *Raft) handleVoteResponse(m *raftpb.Message) {
	if r.getStatus() != Candidate {
		return
	}
	r.votes[m.From] = !m.Reject
	if r.countVotes() >= r.cluster.Quorum() {
		r.logger.Info("election won", zap.Int("granted", r.countVotes()))
		r.becomeLeader()
	}
}

// handleAppendEntries is the follower half of replication.
func (r *Raft) handleAppendEntries(m *raftpb.Message) {
	resp := &raftpb.Message{
		Type: raftpb.MessageType_APPEND_ENTRIES_RESPONSE,
		To:   m.From,
		Term: r.getCurrentTerm(),
	}

	if m.Term < r.getCurrentTerm() {
		resp.Reject = true
		resp.RejectType = raftpb.RejectType_LOW_TERM
		r.send(resp)
		return
	}
	if r.getStatus() != Follower {
		r.becomeFollower(m.Term, m.From)
	}
	r.setLeader(m.From)
	r.markLeaderContact()

	lastIndex := r.log.LastIndex()
	if m.Index > lastIndex {
		// We are missing entries before the leader's prev point.
		resp.Reject = true
		resp.RejectType = raftpb.RejectType_LOG_NON_SEQUENTIAL
		resp.RejectHint = lastIndex + 1
		r.send(resp)
		return
	}

	if m.Index > 0 {
		prevTerm, err := r.log.Term(m.Index)
		if err != nil || prevTerm != m.LogTerm {
			resp.Reject = true
			resp.RejectType = raftpb.RejectType_LOG_NOT_MATCH
			resp.RejectHint = r.conflictHint(m.Index)
			r.logger.Warn("previous log term mismatch",
				zap.Uint64("index", m.Index),
				zap.Uint64("ours", prevTerm),
				zap.Uint64("leader", m.LogTerm))
			r.send(resp)
			return
		}
	}

	lastNew := m.Index
	for _, entry := range m.Entries {
		lastNew = entry.Index
		have, err := r.log.Term(entry.Index)
		if err == nil && have == entry.Term {
			// Already matching; skip.
			continue
		}
		if err == nil && have != entry.Term {
			// Conflict: drop the uncommitted suffix.
			r.logger.Warn("clearing conflicting log suffix",
				zap.Uint64("from", entry.Index),
				zap.Uint64("to", r.log.LastIndex()))
			if terr := r.log.TruncateSuffix(entry.Index); terr != nil {
				r.logger.Error("failed to clear log suffix", zap.Error(terr))
				resp.Reject = true
				resp.RejectType = raftpb.RejectType_LOG_NOT_MATCH
				r.send(resp)
				return
			}
		}
		if aerr := r.log.Append([]*raftpb.Entry{entry}); aerr != nil {
			r.logger.Error("failed to append to log", zap.Error(aerr))
			resp.Reject = true
			resp.RejectType = raftpb.RejectType_LOG_NON_SEQUENTIAL
			r.send(resp)
			return
		}
	}

	if m.CommitIndex > r.getCommitIndex() {
		r.advanceCommit(min(m.CommitIndex, lastNew))
	}

	resp.Index = lastNew
	r.send(resp)
}

// conflictHint finds the first index of the term that conflicts at
// index, so the leader can jump its backoff across the whole term.
func (r *Raft) conflictHint(index uint64) uint64 {
	term, err := r.log.Term(index)
	if err != nil {
		first := r.log.FirstIndex()
		if first > 1 {
			return first
		}
		return 1
	}
	first := r.log.FirstIndex()
	hint := index
	for hint > first {
		t, err := r.log.Term(hint - 1)
		if err != nil || t != term {
			break
		}
		hint--
	}
	return hint
}

// handleAppendEntriesResponse is the leader half of replication.
func (r *Raft) handleAppendEntriesResponse(m *raftpb.Message) {
	if r.getStatus() != Leader {
		return
	}
	peer := r.cluster.Node(m.From)
	if peer == nil {
		return
	}

	if m.Reject {
		if m.RejectType == raftpb.RejectType_LOW_TERM {
			// stepMessage already demoted us if the term was higher.
			return
		}
		peer.backoff(peer.NextIndex()-1, m.RejectHint)
		r.logger.Info("append rejected, backing off",
			zap.Uint64("peer", m.From),
			zap.Uint64("nextIndex", peer.NextIndex()),
			zap.String("reason", m.RejectType.String()))
		r.sendAppend(peer)
		return
	}

	peer.updateProgress(m.Index)
	r.maybeCommit()
	if peer.NextIndex() <= r.log.LastIndex() {
		r.sendAppend(peer)
	}
}

// handleHeartbeat refreshes the follower's leader lease and piggybacks
// commit advancement.
func (r *Raft) handleHeartbeat(m *raftpb.Message) {
	if m.Term < r.getCurrentTerm() {
		r.send(&raftpb.Message{
			Type:   raftpb.MessageType_HEARTBEAT_RESPONSE,
			To:     m.From,
			Term:   r.getCurrentTerm(),
			Reject: true,
		})
		return
	}
	if r.getStatus() != Follower {
		r.becomeFollower(m.Term, m.From)
	}
	r.setLeader(m.From)
	r.markLeaderContact()

	if m.CommitIndex > r.getCommitIndex() {
		r.advanceCommit(min(m.CommitIndex, r.log.LastIndex()))
	}
	r.send(&raftpb.Message{
		Type:  raftpb.MessageType_HEARTBEAT_RESPONSE,
		To:    m.From,
		Index: r.log.LastIndex(),
	})
}

// handleHeartbeatResponse refreshes the peer's lease observation.
func (r *Raft) handleHeartbeatResponse(m *raftpb.Message) {
	if r.getStatus() != Leader {
		return
	}
	peer := r.cluster.Node(m.From)
	if peer == nil || m.Reject {
		return
	}
	r.leased[m.From] = struct{}{}
	if m.Index < r.log.LastIndex() {
		r.sendAppend(peer)
	}
}

// handleSnapshotRequest installs a leader-sent snapshot when it is newer
// than anything we hold.
func (r *Raft) handleSnapshotRequest(m *raftpb.Message) {
	resp := &raftpb.Message{
		Type: raftpb.MessageType_SNAPSHOT_RESPONSE,
		To:   m.From,
		Term: r.getCurrentTerm(),
	}
	if m.Term < r.getCurrentTerm() || m.Snapshot == nil || m.Snapshot.Metadata == nil {
		resp.Reject = true
		resp.RejectType = raftpb.RejectType_LOW_TERM
		r.send(resp)
		return
	}
	if r.getStatus() != Follower {
		r.becomeFollower(m.Term, m.From)
	}
	r.setLeader(m.From)
	r.markLeaderContact()

	meta := m.Snapshot.Metadata
	snapIndex, _ := r.log.SnapshotBoundary()
	if meta.Index <= r.getCommitIndex() || meta.Index <= snapIndex {
		// Stale install; report where we already are.
		resp.Index = r.getCommitIndex()
		r.send(resp)
		return
	}

	r.logger.Info("installing snapshot",
		zap.Uint64("index", meta.Index), zap.Uint64("term", meta.Term))
	r.log.Restore(meta)
	r.advanceCommit(meta.Index)
	r.pendingSnapshot = m.Snapshot
	resp.Index = meta.Index
	r.send(resp)
}

// handleSnapshotResponse moves the peer's progress past the snapshot.
func (r *Raft) handleSnapshotResponse(m *raftpb.Message) {
	if r.getStatus() != Leader {
		return
	}
	peer := r.cluster.Node(m.From)
	if peer == nil {
		return
	}
	if m.Reject {
		r.logger.Warn("snapshot install rejected", zap.Uint64("peer", m.From))
		return
	}
	peer.updateProgress(m.Index)
	if peer.NextIndex() <= r.log.LastIndex() {
		r.sendAppend(peer)
	}
}

// handleProposal is the PROPOSAL drain: leaders dispatch, everyone else
// bounces with a redirect.
func (r *Raft) handleProposal(future *logFuture) {
	if r.getStatus() != Leader {
		r.metrics.proposalsFailed.Inc()
		future.respond(NotLeader)
		return
	}

	entry := future.entry
	r.nextOffsetMeta.nextOffset++
	entry.Index = r.nextOffsetMeta.nextOffset
	entry.Term = r.getCurrentTerm()
	sealEntry(entry)

	if err := r.log.Append([]*raftpb.Entry{entry}); err != nil {
		r.logger.Error("failed to append proposal", zap.Error(err))
		r.nextOffsetMeta.nextOffset--
		r.metrics.proposalsFailed.Inc()
		future.respond(err)
		return
	}
	r.metrics.proposals.Inc()
	r.proposals.register(future)
	r.maybeCommit()
	r.broadcastAppend()
}

// dispatchNoop appends the empty entry that establishes authority for a
// fresh leader.
func (r *Raft) dispatchNoop() {
	entry := &raftpb.Entry{
		Type:  raftpb.EntryType_NORMAL,
		Term:  r.getCurrentTerm(),
		Index: r.nextOffsetMeta.nextOffset + 1,
	}
	sealEntry(entry)
	if err := r.log.Append([]*raftpb.Entry{entry}); err != nil {
		r.logger.Error("failed to append no-op", zap.Error(err))
		return
	}
	r.nextOffsetMeta.nextOffset = entry.Index
	r.maybeCommit()
}

// broadcastAppend feeds every peer that is behind.
func (r *Raft) broadcastAppend() {
	for _, peer := range r.cluster.Peers() {
		if peer.NextIndex() <= r.log.LastIndex() {
			r.sendAppend(peer)
		}
	}
}

// sendAppend builds one append batch for the peer, falling back to a
// snapshot when the needed prefix has been compacted away.
func (r *Raft) sendAppend(peer *NodeInfo) {
	next := peer.NextIndex()
	prevIndex := next - 1
	prevTerm, err := r.log.Term(prevIndex)
	if err != nil && prevIndex > 0 {
		r.sendSnapshot(peer)
		return
	}

	entries, err := r.log.Entries(next, r.log.LastIndex())
	if err != nil {
		r.sendSnapshot(peer)
		return
	}

	r.send(&raftpb.Message{
		Type:        raftpb.MessageType_APPEND_ENTRIES_REQUEST,
		To:          peer.ID,
		Term:        r.getCurrentTerm(),
		Index:       prevIndex,
		LogTerm:     prevTerm,
		Entries:     entries,
		CommitIndex: r.getCommitIndex(),
	})
}

// sendSnapshot ships the newest stored snapshot to a peer too far behind
// for the log.
func (r *Raft) sendSnapshot(peer *NodeInfo) {
	snap, err := r.snapshots.Latest()
	if err != nil {
		r.logger.Error("no snapshot available for lagging peer",
			zap.Uint64("peer", peer.ID), zap.Error(err))
		return
	}
	r.logger.Info("sending snapshot",
		zap.Uint64("peer", peer.ID),
		zap.Uint64("index", snap.Metadata.Index))
	r.send(&raftpb.Message{
		Type:     raftpb.MessageType_SNAPSHOT_REQUEST,
		To:       peer.ID,
		Term:     r.getCurrentTerm(),
		Snapshot: snap,
	})
}

// maybeCommit advances the commit index to the quorum match point, but
// only through an entry of the current term.
func (r *Raft) maybeCommit() {
	if r.getStatus() != Leader {
		return
	}
	matched := r.cluster.matchIndexes(r.log.LastIndex())
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })

	// With the slice ascending, the quorum-replicated point is the
	// (N - quorum)th element.
	candidate := matched[len(matched)-r.cluster.Quorum()]
	if candidate <= r.getCommitIndex() {
		return
	}
	term, err := r.log.Term(candidate)
	if err != nil {
		return
	}
	if term != r.getCurrentTerm() {
		// Never commit across terms; the no-op after election closes
		// the gap.
		return
	}
	r.advanceCommit(candidate)
}

// advanceCommit moves the commit index forward, never backward.
func (r *Raft) advanceCommit(index uint64) {
	if index <= r.getCommitIndex() {
		return
	}
	r.setCommitIndex(index)
	r.hardDirty = true
	r.metrics.commitIndex.Set(float64(index))
}
