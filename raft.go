package raft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

var (
	keyCurrentTerm = []byte("CurrentTerm")
	keyVoteFor     = []byte("VoteFor")
	keyCommitIndex = []byte("CommitIndex")

	// NotLeader is returned when an operation needs the leader and this
	// node is not it. Callers can redirect using the leader accessor.
	NotLeader = fmt.Errorf("node is not the leader")
	// LeadershipLost is returned for proposals that were in flight when
	// leadership was lost.
	LeadershipLost = fmt.Errorf("leadership lost while committing log")
	// RaftShutdown is returned once the node has been stopped.
	RaftShutdown = fmt.Errorf("raft is already shutdown")
	// GroupUnavailable is returned for proposals while fewer than a
	// quorum of the cluster is reachable.
	GroupUnavailable = fmt.Errorf("raft group is unavailable")
)

// listener names on the clock.
const (
	electionListenerName  = "election"
	heartbeatListenerName = "heartbeat"
	leaseListenerName     = "lease"
)

type Raft struct {
	raftState

	// Configuration provided at Raft initialization
	conf *Config

	// cluster is the immutable membership view, including ourselves.
	cluster *Cluster

	// log is the replicated entry sequence.
	log *raftLog

	// stable provides durable storage for the hard state.
	stable StableStore

	// snapshots is used to store and retrieve snapshots.
	snapshots SnapshotStore

	// fsm is the client state machine to apply commands to.
	fsm StateMachine

	// The transport layer we use.
	trans Transporter

	// clock drives election, heartbeat and lease timing.
	clock *Clock

	// reqc is the typed mailbox the three loops communicate through.
	reqc *requestChannel

	logger  *zap.Logger
	metrics *metrics

	// ---- raft-loop-owned election state ----

	// votes tallies PREVOTE and VOTE responses for the current round.
	votes map[uint64]bool

	// leased is the set of peers heard from within the current lease
	// window; leaseMisses counts consecutive windows without quorum.
	leased      map[uint64]struct{}
	leaseMisses int

	// lastLeaderContact is when an authoritative message from the
	// current leader was last seen. Gates pre-vote grants.
	lastLeaderContact atomic.Value // time.Time

	// lowWaterMark is lastIndex captured at the leader transition;
	// replayCommit is committedIndex captured at the follower
	// transition. One of them arms the replay barrier.
	lowWaterMark uint64
	replayCommit uint64

	// nextOffsetMeta is the leader-only cursor handing out log offsets
	// to accepted proposals.
	nextOffsetMeta nextOffsetMetaData

	// msgs accumulates outbound messages for the next Ready.
	msgs []*raftpb.Message

	// pendingSnapshot is a leader-sent snapshot awaiting install.
	pendingSnapshot *raftpb.Snapshot

	// hardDirty is set whenever term, vote or commit changed since the
	// last Ready.
	hardDirty bool

	// readyInFlight gates Ready production until the group-commit loop
	// acknowledges the previous batch. readyProcessedMark remembers the
	// hand-off watermark before that batch, for rewinding on rejection.
	readyInFlight      bool
	readyProcessedMark uint64

	// tick listeners currently registered on the clock.
	electionTicker  *countdownListener
	heartbeatTicker *countdownListener
	leaseTicker     *countdownListener

	// proposals tracks in-flight log futures by index.
	proposals proposalRegistry

	// listeners for role and availability transitions.
	listenerMu        sync.Mutex
	electionObservers []ElectionListener
	groupObservers    []GroupStateListener

	// apply-loop-owned snapshot trigger state.
	snapLastIndex uint64
	snapBuilding  uint32
	snapTasks     chan func()

	// Shutdown handling, protected to prevent concurrent exits.
	running      uint32
	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
	routines     sync.WaitGroup
}

// nextOffsetMetaData is the leader-only cursor tracking the next local
// log offset used when accepting proposals.
type nextOffsetMetaData struct {
	nextOffset uint64
}

// proposalRegistry maps in-flight proposal indexes to their futures. The
// raft loop registers, the apply loop resolves, and a leadership change
// cancels.
type proposalRegistry struct {
	mu sync.Mutex
	m  map[uint64]*logFuture
}

func (p *proposalRegistry) register(f *logFuture) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[uint64]*logFuture)
	}
	p.m[f.entry.Index] = f
}

func (p *proposalRegistry) resolveUpTo(index uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, f := range p.m {
		if idx <= index {
			f.respond(err)
			delete(p.m, idx)
		}
	}
}

func (p *proposalRegistry) cancelAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, f := range p.m {
		f.respond(err)
		delete(p.m, idx)
	}
}

// NewRaft is used to construct a new Raft node. The caller provides the
// state machine and transport; stores are built from the configuration.
func NewRaft(conf *Config, fsm StateMachine, trans Transporter) (*Raft, error) {
	if fsm == nil {
		return nil, fmt.Errorf("state machine is required")
	}
	if trans == nil {
		return nil, fmt.Errorf("transporter is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	logs, stable, snaps, err := buildStores(conf)
	if err != nil {
		return nil, err
	}
	return newRaftWithStores(conf, fsm, trans, logs, stable, snaps)
}

// newRaftWithStores wires explicitly provided stores and starts the
// engine. Tests use it to inject in-memory backends.
func newRaftWithStores(conf *Config, fsm StateMachine, trans Transporter,
	logs LogStore, stable StableStore, snaps SnapshotStore) (*Raft, error) {

	r, err := assembleRaft(conf, fsm, trans, logs, stable, snaps)
	if err != nil {
		return nil, err
	}
	r.start()
	return r, nil
}

// assembleRaft builds a fully wired but not yet running node.
func assembleRaft(conf *Config, fsm StateMachine, trans Transporter,
	logs LogStore, stable StableStore, snaps SnapshotStore) (*Raft, error) {

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	members, err := conf.Members()
	if err != nil {
		return nil, err
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Uint64("id", conf.ID))

	r := &Raft{
		conf:       conf,
		cluster:    newCluster(conf.ID, members),
		stable:     stable,
		snapshots:  snaps,
		fsm:        fsm,
		trans:      trans,
		reqc:       newRequestChannel(),
		logger:     logger,
		metrics:    newMetrics(conf.Metrics),
		shutdownCh: make(chan struct{}),
		snapTasks:  make(chan func(), conf.BackgroundThreadsNum),
	}
	r.lastLeaderContact.Store(time.Time{})

	r.log, err = newRaftLog(logs, &r.raftState, logger)
	if err != nil {
		return nil, err
	}

	// Restore the current term and vote.
	currentTerm, err := stable.GetUint64(keyCurrentTerm)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, errors.Wrap(err, "failed to load current term")
	}
	voteFor, err := stable.GetUint64(keyVoteFor)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, errors.Wrap(err, "failed to load vote")
	}
	commit, err := stable.GetUint64(keyCommitIndex)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, errors.Wrap(err, "failed to load commit index")
	}
	r.setCurrentTerm(currentTerm)
	r.setVotedFor(voteFor)
	r.setCommitIndex(min(commit, r.log.LastIndex()))
	r.setStableIndex(r.log.LastIndex())
	r.setGroupState(r.cluster.groupState())

	// Attempt to restore a snapshot if there are any.
	if err := r.restoreSnapshot(); err != nil {
		return nil, err
	}

	r.clock = newClock(conf.TickInterval, logger)
	r.electionTicker = newCountdownListener(
		func() int {
			return ticks(randomRange(conf.ElectionTimeoutMin, conf.ElectionTimeoutMax), conf.TickInterval)
		},
		func() { r.reqc.Offer(raftpb.EventType_TICK, tickEvent{kind: tickElection}) },
	)
	r.heartbeatTicker = newCountdownListener(
		func() int { return ticks(conf.HeartbeatInterval, conf.TickInterval) },
		func() { r.reqc.Offer(raftpb.EventType_TICK, tickEvent{kind: tickHeartbeat}) },
	)
	r.leaseTicker = newCountdownListener(
		func() int { return ticks(conf.LeaseInterval, conf.TickInterval) },
		func() { r.reqc.Offer(raftpb.EventType_TICK, tickEvent{kind: tickLease}) },
	)

	// Initialize as a follower.
	r.setStatus(Follower)
	r.setReplayState(Replayed)
	r.clock.AddListener(electionListenerName, r.electionTicker)
	atomic.StoreUint32(&r.running, 1)
	return r, nil
}

// start launches the three event loops, the background executor and the
// clock.
func (r *Raft) start() {
	r.goFunc(r.runRaftLoop)
	r.goFunc(r.runGroupCommit)
	r.goFunc(r.runApply)
	for i := 0; i < r.conf.BackgroundThreadsNum; i++ {
		r.goFunc(r.runBackground)
	}
	r.clock.Start()
}

func buildStores(conf *Config) (LogStore, StableStore, SnapshotStore, error) {
	switch conf.StorageType {
	case StorageMemory:
		store := NewInmemStore()
		return store, store, NewInmemSnapshotStore(), nil
	case StorageDisk, StorageCombination:
		if conf.DataDir == "" {
			return nil, nil, nil, fmt.Errorf("data dir is required for %s storage", conf.StorageType)
		}
		bolt, err := NewBoltStore(fmt.Sprintf("%s/raft.db", conf.DataDir))
		if err != nil {
			return nil, nil, nil, err
		}
		logger := conf.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		snaps, err := NewFileSnapshotStore(fmt.Sprintf("%s/snapshots", conf.DataDir), logger)
		if err != nil {
			return nil, nil, nil, err
		}
		var logs LogStore = bolt
		if conf.StorageType == StorageCombination {
			logs = NewLogCache(conf.RingBufferSize, bolt)
		}
		return logs, bolt, snaps, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage type: %s", conf.StorageType)
	}
}

// restoreSnapshot loads the newest usable snapshot into the state
// machine at startup and rewinds the log to its boundary. Called only
// during initialization.
func (r *Raft) restoreSnapshot() error {
	metas, err := r.snapshots.Snapshots()
	if err != nil {
		return errors.Wrap(err, "failed to list snapshots")
	}

	for _, meta := range metas {
		snap, err := r.snapshots.Load(meta.Index)
		if err != nil {
			r.logger.Error("failed to open snapshot",
				zap.Uint64("index", meta.Index), zap.Error(err))
			continue
		}
		if err := r.fsm.ApplySnapshot(r.snapshotBytes(snap)); err != nil {
			r.logger.Error("failed to restore snapshot",
				zap.Uint64("index", meta.Index), zap.Error(err))
			continue
		}

		r.logger.Info("restored from snapshot", zap.Uint64("index", meta.Index))
		r.log.Restore(snap.Metadata)
		r.log.AppliedTo(meta.Index)
		r.snapLastIndex = meta.Index
		if meta.Index > r.getCommitIndex() {
			r.setCommitIndex(meta.Index)
		}
		if meta.Term > r.getCurrentTerm() {
			r.setCurrentTerm(meta.Term)
		}
		return nil
	}

	if len(metas) > 0 {
		return fmt.Errorf("failed to load any existing snapshots")
	}
	return nil
}

// snapshotBytes honors the SnapshotReadOnly knob: either alias the
// stored body or hand the state machine its own copy.
func (r *Raft) snapshotBytes(snap *raftpb.Snapshot) []byte {
	if r.conf.SnapshotReadOnly {
		return snap.Data
	}
	out := make([]byte, len(snap.Data))
	copy(out, snap.Data)
	return out
}

// goFunc wraps a routine in the shutdown wait group.
func (r *Raft) goFunc(f func()) {
	r.routines.Add(1)
	go func() {
		defer r.routines.Done()
		f()
	}()
}

func (r *Raft) isRunning() bool {
	return atomic.LoadUint32(&r.running) == 1
}

// Propose is used to apply a command to the FSM in a highly consistent
// manner. This returns a future that can be used to wait on the
// application. This must be run on the leader or it will fail with a
// redirect to the current leader.
func (r *Raft) Propose(cmd []byte) IndexFuture {
	return r.propose(&raftpb.Entry{Type: raftpb.EntryType_NORMAL, Data: cmd})
}

// ProposeWithAttachments is Propose with opaque per-entry metadata that
// rides along to every state machine in the cluster.
func (r *Raft) ProposeWithAttachments(cmd []byte, attachments map[string]string) IndexFuture {
	return r.propose(&raftpb.Entry{
		Type:        raftpb.EntryType_NORMAL,
		Data:        cmd,
		Attachments: attachments,
	})
}

func (r *Raft) propose(entry *raftpb.Entry) IndexFuture {
	if !r.isRunning() {
		return errorFuture{RaftShutdown}
	}
	if r.getGroupState() == Unavailable {
		r.metrics.proposalsFailed.Inc()
		return errorFuture{GroupUnavailable}
	}

	future := &logFuture{entry: entry}
	future.init()
	r.reqc.Offer(raftpb.EventType_PROPOSAL, future)
	return future
}

// Shutdown is used to stop the Raft background routines. Provides a
// future that can be used to block until all background routines have
// exited.
func (r *Raft) Shutdown() Future {
	r.shutdownLock.Lock()
	defer r.shutdownLock.Unlock()

	if !r.shutdown {
		atomic.StoreUint32(&r.running, 0)
		close(r.shutdownCh)
		r.shutdown = true
		r.clock.Stop()
		if err := r.trans.Close(); err != nil {
			r.logger.Error("failed to close transporter", zap.Error(err))
		}
		r.proposals.cancelAll(RaftShutdown)
	}

	return &shutdownFuture{r}
}

func (r *Raft) waitShutdown() {
	r.routines.Wait()
}

// Step feeds a wire message into the engine. Transports call this from
// their receive path.
func (r *Raft) Step(m *raftpb.Message) error {
	if !r.isRunning() {
		return RaftShutdown
	}
	r.reqc.Offer(raftpb.EventType_MESSAGE, m)
	return nil
}

// ReportConnectivity records a transport-level connect or disconnect for
// a peer and refreshes the group state.
func (r *Raft) ReportConnectivity(id uint64, connected bool) {
	peer := r.cluster.Node(id)
	if peer == nil || id == r.conf.ID {
		return
	}
	peer.setDisconnected(!connected)
	r.refreshGroupState(false)
}

// RefreshGroupState recomputes availability and notifies observers even
// without a transition.
func (r *Raft) RefreshGroupState() {
	r.refreshGroupState(true)
}

// refreshGroupState recomputes availability and notifies observers on a
// transition, or always when forced.
func (r *Raft) refreshGroupState(force bool) {
	from := r.getGroupState()
	to := r.cluster.groupState()
	if from == to && !force {
		return
	}
	r.setGroupState(to)
	r.metrics.groupState.Set(float64(to))
	r.logger.Info("group state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	r.listenerMu.Lock()
	observers := append([]GroupStateListener(nil), r.groupObservers...)
	r.listenerMu.Unlock()
	for _, observe := range observers {
		r.notifyGroupObserver(observe, from, to)
	}
}

func (r *Raft) notifyGroupObserver(observe GroupStateListener, from, to GroupState) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("group state listener panicked", zap.Any("panic", p))
		}
	}()
	observe(from, to)
}

// AddElectionListener registers an observer for role transitions.
func (r *Raft) AddElectionListener(l ElectionListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.electionObservers = append(r.electionObservers, l)
}

// AddGroupStateListener registers an observer for availability
// transitions.
func (r *Raft) AddGroupStateListener(l GroupStateListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.groupObservers = append(r.groupObservers, l)
}

func (r *Raft) notifyElection(status Status) {
	r.listenerMu.Lock()
	observers := append([]ElectionListener(nil), r.electionObservers...)
	r.listenerMu.Unlock()
	for _, observe := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("election listener panicked", zap.Any("panic", p))
				}
			}()
			observe(status)
		}()
	}
}

// ---- read accessors ----

// Leader returns the id of the current leader, or None when unknown.
func (r *Raft) Leader() uint64 {
	return r.getLeader()
}

// Term returns the current term.
func (r *Raft) Term() uint64 {
	return r.getCurrentTerm()
}

// Status returns the role raft is currently in.
func (r *Raft) Status() Status {
	return r.getStatus()
}

// GroupState returns the cluster availability as last computed.
func (r *Raft) GroupState() GroupState {
	return r.getGroupState()
}

// AppliedIndex returns the highest index delivered to the state machine.
func (r *Raft) AppliedIndex() uint64 {
	return r.getAppliedIndex()
}

// CommittedIndex returns the highest quorum-replicated index.
func (r *Raft) CommittedIndex() uint64 {
	return r.getCommitIndex()
}

// LastIndex returns the highest index present in the log.
func (r *Raft) LastIndex() uint64 {
	return r.log.LastIndex()
}

// ReplayState reports whether the state machine has caught up to the
// last role transition.
func (r *Raft) ReplayState() ReplayState {
	return r.getReplayState()
}

func (r *Raft) String() string {
	return fmt.Sprintf("Node %d [%v]", r.conf.ID, r.getStatus())
}
