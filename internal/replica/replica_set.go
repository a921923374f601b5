package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/shard"
)

// ReplicaStateFileName persists the per-peer state map in a replica-set
// shard directory.
const ReplicaStateFileName = "replica_state.json"

// PeerFailureCallback escalates a write failure against an Active replica so
// the consensus layer can propose marking the peer Dead.
type PeerFailureCallback func(peer cluster.PeerID, shardID cluster.ShardID)

type slotKind int

const (
	slotNone slotKind = iota
	slotLocal
	slotProxy
	slotDummy
)

// ReplicaSet is the set of replicas of one shard across peers. See the
// package documentation for the ownership and locking model.
type ReplicaSet struct {
	shardID    cluster.ShardID
	collection string
	thisPeer   cluster.PeerID
	path       string
	vectors    map[string]shard.VectorParams
	channels   *cluster.ChannelService
	onFailure  PeerFailureCallback

	mu      sync.RWMutex
	slot    slotKind
	local   *shard.LocalShard
	proxy   *ForwardProxy
	remotes map[cluster.PeerID]*shard.RemoteShard
	states  map[cluster.PeerID]cluster.ReplicaState
	// locallyDisabled collects remote peers whose Active replica failed a
	// read; SyncLocalState reports them upward and clears the set.
	locallyDisabled map[cluster.PeerID]bool
}

// BuildParams carries the inputs of Build.
type BuildParams struct {
	Vectors    map[string]shard.VectorParams
	Peers      map[cluster.PeerID]cluster.ReplicaState
	Channels   *cluster.ChannelService
	OnFailure  PeerFailureCallback
	Collection string
	Path       string
	ShardID    cluster.ShardID
	ThisPeer   cluster.PeerID
	// WithLocal builds a local replica for this peer. Absent that, a peer
	// entry for ThisPeer (if any) is served by a dummy placeholder.
	WithLocal bool
}

// Build constructs a ReplicaSet, creating the local replica when requested.
// Peers must contain every participating peer including this one when it
// holds a replica.
func Build(params BuildParams) (*ReplicaSet, error) {
	if len(params.Peers) == 0 {
		return nil, cluster.NewBadInput("replica set of shard %d has no peers", params.ShardID)
	}
	r := &ReplicaSet{
		shardID:         params.ShardID,
		collection:      params.Collection,
		thisPeer:        params.ThisPeer,
		path:            params.Path,
		vectors:         params.Vectors,
		channels:        params.Channels,
		onFailure:       params.OnFailure,
		remotes:         make(map[cluster.PeerID]*shard.RemoteShard),
		states:          make(map[cluster.PeerID]cluster.ReplicaState),
		locallyDisabled: make(map[cluster.PeerID]bool),
	}
	for peer, state := range params.Peers {
		r.states[peer] = state
		if peer != params.ThisPeer {
			r.remotes[peer] = shard.NewRemoteShard(params.ShardID, params.Collection, peer, params.Channels)
		}
	}
	if _, here := r.states[params.ThisPeer]; here {
		if params.WithLocal {
			local, err := shard.LoadLocalShard(params.ShardID, params.Path, params.Vectors)
			if err != nil {
				return nil, err
			}
			r.local = local
			r.slot = slotLocal
		} else {
			r.slot = slotDummy
		}
	}
	if err := r.saveReplicaState(); err != nil {
		return nil, err
	}
	return r, nil
}

// ShardID returns the shard this set replicates.
func (r *ReplicaSet) ShardID() cluster.ShardID { return r.shardID }

// ThisPeer returns the local peer id.
func (r *ReplicaSet) ThisPeer() cluster.PeerID { return r.thisPeer }

// Path returns the shard directory of the local replica.
func (r *ReplicaSet) Path() string { return r.path }

// Peers returns a copy of the peer-to-state map.
func (r *ReplicaSet) Peers() map[cluster.PeerID]cluster.ReplicaState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[cluster.PeerID]cluster.ReplicaState, len(r.states))
	for peer, state := range r.states {
		out[peer] = state
	}
	return out
}

// PeerState returns the state of one peer, or nil when it holds no replica.
func (r *ReplicaSet) PeerState(peer cluster.PeerID) *cluster.ReplicaState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[peer]
	if !ok {
		return nil
	}
	return &state
}

// IsLocal reports whether this peer holds a plain local replica (a forward
// proxy counts; a dummy does not).
func (r *ReplicaSet) IsLocal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slot == slotLocal || r.slot == slotProxy
}

// HasLocalShard reports whether any local slot exists, dummy included.
func (r *ReplicaSet) HasLocalShard() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slot != slotNone
}

// IsDummy reports whether the local replica is a placeholder awaiting data.
func (r *ReplicaSet) IsDummy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slot == slotDummy
}

// ActiveRemoteShards returns the peers with Active remote replicas.
func (r *ReplicaSet) ActiveRemoteShards() []cluster.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []cluster.PeerID
	for peer, state := range r.states {
		if peer != r.thisPeer && state == cluster.ReplicaActive {
			out = append(out, peer)
		}
	}
	return out
}

// SetReplicaState changes the state of an existing peer. Adding a state
// entry for an unknown remote peer also creates its stub, so consensus can
// introduce replicas it already decided on.
func (r *ReplicaSet) SetReplicaState(peer cluster.PeerID, state cluster.ReplicaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStateLocked(peer, state)
	return r.saveReplicaStateLocked()
}

// EnsureReplicaWithState inserts the peer if missing, then sets its state.
func (r *ReplicaSet) EnsureReplicaWithState(peer cluster.PeerID, state cluster.ReplicaState) error {
	return r.SetReplicaState(peer, state)
}

func (r *ReplicaSet) setStateLocked(peer cluster.PeerID, state cluster.ReplicaState) {
	r.states[peer] = state
	if peer != r.thisPeer {
		if _, ok := r.remotes[peer]; !ok {
			r.remotes[peer] = shard.NewRemoteShard(r.shardID, r.collection, peer, r.channels)
		}
	}
}

// RemovePeer removes a peer's replica. Removing the last replica of the
// shard is rejected.
func (r *ReplicaSet) RemovePeer(peer cluster.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[peer]; !ok {
		return cluster.NewBadRequest("peer %d has no replica of shard %d", peer, r.shardID)
	}
	if len(r.states) == 1 {
		return cluster.NewBadRequest("shard %d must keep at least one replica", r.shardID)
	}
	delete(r.states, peer)
	delete(r.locallyDisabled, peer)
	if remote, ok := r.remotes[peer]; ok {
		remote.Close()
		delete(r.remotes, peer)
	}
	if peer == r.thisPeer {
		r.dropLocalLocked()
	}
	return r.saveReplicaStateLocked()
}

func (r *ReplicaSet) dropLocalLocked() {
	if r.proxy != nil {
		r.proxy.Close()
	} else if r.local != nil {
		r.local.Close()
	}
	r.proxy = nil
	r.local = nil
	r.slot = slotNone
}

// SetLocal attaches a freshly built local replica, optionally setting this
// peer's replica state at the same time.
func (r *ReplicaSet) SetLocal(local *shard.LocalShard, state *cluster.ReplicaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocalLocked()
	r.local = local
	r.slot = slotLocal
	if state != nil {
		r.setStateLocked(r.thisPeer, *state)
	}
	return r.saveReplicaStateLocked()
}

// InitEmptyLocalShard creates an empty local replica, replacing a dummy.
// Used on the receiving side of a transfer.
func (r *ReplicaSet) InitEmptyLocalShard() error {
	local, err := shard.BuildLocalShard(r.shardID, r.path, r.vectors)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocalLocked()
	r.local = local
	r.slot = slotLocal
	return nil
}

// ProxifyLocal wraps the local replica in a forward proxy teeing writes to
// peer to. Idempotent when already proxied to the same destination.
func (r *ReplicaSet) ProxifyLocal(to cluster.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.slot {
	case slotProxy:
		if r.proxy.DestPeer() == to {
			return nil
		}
		return cluster.NewServiceError(
			"shard %d is already proxied to peer %d, cannot proxy to peer %d",
			r.shardID, r.proxy.DestPeer(), to)
	case slotLocal:
		dest := r.remotes[to]
		if dest == nil {
			dest = shard.NewRemoteShard(r.shardID, r.collection, to, r.channels)
		}
		r.proxy = NewForwardProxy(r.local, dest)
		r.slot = slotProxy
		return nil
	default:
		return cluster.NewServiceError("shard %d has no local replica to proxy", r.shardID)
	}
}

// UnProxifyLocal unwraps an outgoing-transfer proxy back to the plain local
// replica. A no-op when no proxy is installed.
func (r *ReplicaSet) UnProxifyLocal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slot != slotProxy {
		return nil
	}
	r.local = r.proxy.Unwrap()
	r.proxy = nil
	r.slot = slotLocal
	return nil
}

// PromoteProxyToRemote finishes a sync transfer on the sender: the local
// replica is dropped and reads route through a remote stub pointing at the
// transfer destination.
func (r *ReplicaSet) PromoteProxyToRemote() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slot != slotProxy {
		return cluster.NewServiceError("shard %d has no transfer proxy to promote", r.shardID)
	}
	to := r.proxy.DestPeer()
	r.dropLocalLocked()
	if _, ok := r.remotes[to]; !ok {
		r.remotes[to] = shard.NewRemoteShard(r.shardID, r.collection, to, r.channels)
	}
	return nil
}

// RerouteRemote retargets this peer's remote stub for the shard from peer
// from to peer to, or inserts a stub when none exists. Returns whether
// anything changed.
func (r *ReplicaSet) RerouteRemote(from, to cluster.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to == r.thisPeer {
		return false
	}
	if existing, ok := r.remotes[to]; ok && existing.Peer() == to {
		if _, hadFrom := r.remotes[from]; hadFrom {
			delete(r.remotes, from)
			return true
		}
		return false
	}
	delete(r.remotes, from)
	r.remotes[to] = shard.NewRemoteShard(r.shardID, r.collection, to, r.channels)
	return true
}

// EnsureRemote creates a remote stub for peer when none exists. Returns
// whether a stub was added.
func (r *ReplicaSet) EnsureRemote(peer cluster.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer == r.thisPeer {
		return false
	}
	if _, ok := r.remotes[peer]; ok {
		return false
	}
	r.remotes[peer] = shard.NewRemoteShard(r.shardID, r.collection, peer, r.channels)
	return true
}

// LocalShardForTransfer exposes the underlying local shard for the transfer
// driver's bulk stream, regardless of proxy wrapping. Nil when this peer
// holds no data.
func (r *ReplicaSet) LocalShardForTransfer() *shard.LocalShard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch r.slot {
	case slotLocal:
		return r.local
	case slotProxy:
		return r.proxy.Unwrap()
	default:
		return nil
	}
}

// localUpdater returns the write surface of the local slot, nil if none.
func (r *ReplicaSet) localUpdater() (cluster.PeerID, updater) {
	switch r.slot {
	case slotLocal:
		return r.thisPeer, r.local
	case slotProxy:
		return r.thisPeer, r.proxy
	default:
		return r.thisPeer, nil
	}
}

type updater interface {
	Update(ctx context.Context, op shard.UpdateOperation, wait bool) (shard.UpdateResult, error)
}

// UpdateLocal applies the operation to the local replica only, returning nil
// when this peer holds none. Used by peer-to-peer replication where the
// sender already fanned out.
func (r *ReplicaSet) UpdateLocal(ctx context.Context, op shard.UpdateOperation, wait bool) (*shard.UpdateResult, error) {
	r.mu.RLock()
	_, target := r.localUpdater()
	r.mu.RUnlock()
	if target == nil {
		return nil, nil
	}
	res, err := target.Update(ctx, op, wait)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateWithConsistency applies the operation to every non-Dead replica,
// honoring the write ordering:
//
//   - Weak: remote acks are not awaited
//   - Medium: the local replica (when present) must ack
//   - Strong: a quorum of Active replicas must ack
//
// A failure against an Active replica escalates via the failure callback;
// the call itself still succeeds if the ordering's requirement was met.
func (r *ReplicaSet) UpdateWithConsistency(ctx context.Context, op shard.UpdateOperation, wait bool, ordering shard.WriteOrdering) (shard.UpdateResult, error) {
	r.mu.RLock()
	_, local := r.localUpdater()
	localState := r.states[r.thisPeer]
	type remoteTarget struct {
		sh    *shard.RemoteShard
		peer  cluster.PeerID
		state cluster.ReplicaState
	}
	var remoteTargets []remoteTarget
	activeTotal := 0
	for peer, state := range r.states {
		if state == cluster.ReplicaDead {
			continue
		}
		if state == cluster.ReplicaActive {
			activeTotal++
		}
		if peer == r.thisPeer {
			continue
		}
		if sh, ok := r.remotes[peer]; ok {
			remoteTargets = append(remoteTargets, remoteTarget{peer: peer, state: state, sh: sh})
		}
	}
	r.mu.RUnlock()

	if local == nil && len(remoteTargets) == 0 {
		return shard.UpdateResult{}, cluster.NewServiceError("shard %d has no alive replicas to update", r.shardID)
	}

	var localRes *shard.UpdateResult
	var localErr error
	if local != nil && localState != cluster.ReplicaDead {
		res, err := local.Update(ctx, op, wait)
		if err != nil {
			localErr = err
			r.handleWriteFailure(r.thisPeer, localState, err)
		} else {
			localRes = &res
		}
	}

	if ordering == shard.OrderingWeak {
		// Fire and forget: remote failures surface later through the
		// failure callback, never to this caller.
		for _, target := range remoteTargets {
			go func(t remoteTarget) {
				if _, err := t.sh.Update(context.Background(), op, false); err != nil {
					r.handleWriteFailure(t.peer, t.state, err)
				}
			}(target)
		}
		if localRes != nil {
			return *localRes, nil
		}
		if localErr != nil {
			return shard.UpdateResult{}, localErr
		}
		return shard.UpdateResult{Status: shard.StatusAcknowledged}, nil
	}

	type remoteOutcome struct {
		err   error
		res   shard.UpdateResult
		peer  cluster.PeerID
		state cluster.ReplicaState
	}
	outcomes := make([]remoteOutcome, len(remoteTargets))
	var group errgroup.Group
	for i, target := range remoteTargets {
		i, target := i, target
		group.Go(func() error {
			res, err := target.sh.Update(ctx, op, wait)
			outcomes[i] = remoteOutcome{peer: target.peer, state: target.state, res: res, err: err}
			return nil
		})
	}
	group.Wait()

	successes := 0
	activeSuccesses := 0
	var anyRes *shard.UpdateResult
	var firstErr error
	if localRes != nil {
		successes++
		anyRes = localRes
		if localState == cluster.ReplicaActive {
			activeSuccesses++
		}
	} else if localErr != nil {
		firstErr = localErr
	}
	for _, outcome := range outcomes {
		if outcome.err != nil {
			r.handleWriteFailure(outcome.peer, outcome.state, outcome.err)
			if firstErr == nil {
				firstErr = outcome.err
			}
			continue
		}
		successes++
		if outcome.state == cluster.ReplicaActive {
			activeSuccesses++
		}
		if anyRes == nil {
			res := outcome.res
			anyRes = &res
		}
	}

	if successes == 0 {
		if firstErr == nil {
			firstErr = cluster.NewServiceError("shard %d has no alive replicas to update", r.shardID)
		}
		return shard.UpdateResult{}, firstErr
	}

	switch ordering {
	case shard.OrderingMedium:
		if local != nil && localErr != nil {
			return shard.UpdateResult{}, localErr
		}
	case shard.OrderingStrong:
		quorum := activeTotal/2 + 1
		if activeSuccesses < quorum {
			return shard.UpdateResult{}, cluster.WrapServiceError(firstErr,
				"shard %d write reached %d of %d active replicas, quorum is %d",
				r.shardID, activeSuccesses, activeTotal, quorum)
		}
	}
	return *anyRes, nil
}

// handleWriteFailure escalates failures on Active replicas; failures against
// non-Active replicas are expected during transfers and tolerated.
func (r *ReplicaSet) handleWriteFailure(peer cluster.PeerID, state cluster.ReplicaState, err error) {
	entry := log.WithFields(log.Fields{"shard": r.shardID, "peer": peer, "state": state})
	if state != cluster.ReplicaActive {
		entry.WithError(err).Debug("Tolerated write failure on non-active replica")
		return
	}
	entry.WithError(err).Warn("Write failed on active replica, escalating")
	if r.onFailure != nil {
		r.onFailure(peer, r.shardID)
	}
}

// readTarget is one replica a read can be served from, in preference order.
type readTarget struct {
	sh   readShard
	peer cluster.PeerID
}

type readShard interface {
	SearchBatch(ctx context.Context, batch shard.SearchRequestBatch) ([][]shard.ScoredPoint, error)
	Retrieve(ctx context.Context, req shard.PointRequest) ([]shard.Record, error)
	Count(ctx context.Context, req shard.CountRequest) (shard.CountResult, error)
	ScrollBy(ctx context.Context, offset *cluster.PointID, limit int, withPayload, withVector bool, filter *shard.Filter) ([]shard.Record, error)
	Info(ctx context.Context) (shard.Info, error)
}

// readTargets returns readable replicas, local first to avoid the network.
// Only Active (and, locally, Listener) replicas serve reads.
func (r *ReplicaSet) readTargets() []readTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var targets []readTarget
	localState := r.states[r.thisPeer]
	if (r.slot == slotLocal || r.slot == slotProxy) &&
		(localState == cluster.ReplicaActive || localState == cluster.ReplicaListener) {
		if r.slot == slotProxy {
			targets = append(targets, readTarget{peer: r.thisPeer, sh: r.proxy})
		} else {
			targets = append(targets, readTarget{peer: r.thisPeer, sh: r.local})
		}
	}
	for peer, state := range r.states {
		if peer == r.thisPeer || state != cluster.ReplicaActive {
			continue
		}
		if sh, ok := r.remotes[peer]; ok {
			targets = append(targets, readTarget{peer: peer, sh: sh})
		}
	}
	return targets
}

// readFallback runs op against each readable replica until one succeeds.
func (r *ReplicaSet) readFallback(op func(readTarget) error) error {
	targets := r.readTargets()
	if len(targets) == 0 {
		return cluster.NewServiceError("shard %d has no active replicas to read from", r.shardID)
	}
	var lastErr error
	for _, target := range targets {
		err := op(target)
		if err == nil {
			return nil
		}
		lastErr = err
		if target.peer != r.thisPeer {
			r.markLocallyDisabled(target.peer)
		}
		log.WithFields(log.Fields{"shard": r.shardID, "peer": target.peer}).
			WithError(err).Debug("Read failed, trying next replica")
	}
	return lastErr
}

func (r *ReplicaSet) markLocallyDisabled(peer cluster.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[peer] == cluster.ReplicaActive {
		r.locallyDisabled[peer] = true
	}
}

// Search runs the query batch on one readable replica with fallback.
func (r *ReplicaSet) Search(ctx context.Context, batch shard.SearchRequestBatch) ([][]shard.ScoredPoint, error) {
	var out [][]shard.ScoredPoint
	err := r.readFallback(func(t readTarget) error {
		res, err := t.sh.SearchBatch(ctx, batch)
		if err == nil {
			out = res
		}
		return err
	})
	return out, err
}

// Retrieve fetches points from one readable replica with fallback.
func (r *ReplicaSet) Retrieve(ctx context.Context, req shard.PointRequest) ([]shard.Record, error) {
	var out []shard.Record
	err := r.readFallback(func(t readTarget) error {
		res, err := t.sh.Retrieve(ctx, req)
		if err == nil {
			out = res
		}
		return err
	})
	return out, err
}

// Count counts points on one readable replica with fallback.
func (r *ReplicaSet) Count(ctx context.Context, req shard.CountRequest) (shard.CountResult, error) {
	var out shard.CountResult
	err := r.readFallback(func(t readTarget) error {
		res, err := t.sh.Count(ctx, req)
		if err == nil {
			out = res
		}
		return err
	})
	return out, err
}

// CountLocal counts on the local replica only; nil result when none exists.
func (r *ReplicaSet) CountLocal(ctx context.Context, req shard.CountRequest) (*shard.CountResult, error) {
	r.mu.RLock()
	var target readShard
	switch r.slot {
	case slotLocal:
		target = r.local
	case slotProxy:
		target = r.proxy
	}
	r.mu.RUnlock()
	if target == nil {
		return nil, nil
	}
	res, err := target.Count(ctx, req)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ScrollBy pages points from one readable replica with fallback.
func (r *ReplicaSet) ScrollBy(ctx context.Context, offset *cluster.PointID, limit int, withPayload, withVector bool, filter *shard.Filter) ([]shard.Record, error) {
	var out []shard.Record
	err := r.readFallback(func(t readTarget) error {
		res, err := t.sh.ScrollBy(ctx, offset, limit, withPayload, withVector, filter)
		if err == nil {
			out = res
		}
		return err
	})
	return out, err
}

// Info reports shard size from one readable replica with fallback.
func (r *ReplicaSet) Info(ctx context.Context) (shard.Info, error) {
	var out shard.Info
	err := r.readFallback(func(t readTarget) error {
		res, err := t.sh.Info(ctx)
		if err == nil {
			out = res
		}
		return err
	})
	return out, err
}

// CreateSnapshot writes this replica set's state and local data into
// targetPath: the replica-set shard config, the peer state map, and the
// local replica's content when one exists.
func (r *ReplicaSet) CreateSnapshot(ctx context.Context, tempPath, targetPath string, saveWAL bool) error {
	if err := os.MkdirAll(targetPath, 0o755); err != nil {
		return errors.Wrapf(err, "create snapshot target for shard %d", r.shardID)
	}
	// The local snapshot writes a local-type config of its own, so the
	// replica-set config is written after it.
	if local := r.LocalShardForTransfer(); local != nil {
		if err := local.CreateSnapshot(ctx, tempPath, targetPath, saveWAL); err != nil {
			return err
		}
	}
	if err := shard.SaveConfig(targetPath, shard.Config{Type: shard.TypeReplicaSet}); err != nil {
		return err
	}
	return r.saveReplicaStateTo(targetPath)
}

// RestoreLocalReplicaFrom loads the local replica's content from a snapshot
// shard directory, materializing an empty local replica first when this peer
// held only a dummy. Returns whether anything was restored.
func (r *ReplicaSet) RestoreLocalReplicaFrom(snapshotPath string) (bool, error) {
	if _, err := os.Stat(snapshotPath); err != nil {
		return false, nil
	}
	if !r.IsLocal() {
		if err := r.InitEmptyLocalShard(); err != nil {
			return false, err
		}
	}
	local := r.LocalShardForTransfer()
	if local == nil {
		return false, nil
	}
	if err := local.RestoreFrom(snapshotPath); err != nil {
		return false, err
	}
	return true, nil
}

// SyncLocalState reports replicas this peer locally disabled after failed
// reads, so consensus can mark them Dead, then clears the set.
func (r *ReplicaSet) SyncLocalState() error {
	r.mu.Lock()
	disabled := make([]cluster.PeerID, 0, len(r.locallyDisabled))
	for peer := range r.locallyDisabled {
		disabled = append(disabled, peer)
	}
	r.locallyDisabled = make(map[cluster.PeerID]bool)
	r.mu.Unlock()

	for _, peer := range disabled {
		log.WithFields(log.Fields{"shard": r.shardID, "peer": peer}).
			Info("Reporting locally disabled replica")
		if r.onFailure != nil {
			r.onFailure(peer, r.shardID)
		}
	}
	return nil
}

// Close releases the local replica and remote stubs.
func (r *ReplicaSet) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocalLocked()
	for _, remote := range r.remotes {
		remote.Close()
	}
	return nil
}

func (r *ReplicaSet) saveReplicaState() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saveReplicaStateLocked()
}

func (r *ReplicaSet) saveReplicaStateLocked() error {
	return r.writeReplicaState(r.path)
}

func (r *ReplicaSet) saveReplicaStateTo(dir string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writeReplicaState(dir)
}

// writeReplicaState persists the peer-state map; callers hold r.mu.
func (r *ReplicaSet) writeReplicaState(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create shard %d directory", r.shardID)
	}
	byPeer := make(map[string]cluster.ReplicaState, len(r.states))
	for peer, state := range r.states {
		byPeer[fmt.Sprintf("%d", peer)] = state
	}
	data, err := json.MarshalIndent(byPeer, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode replica state")
	}
	if err := os.WriteFile(filepath.Join(dir, ReplicaStateFileName), data, 0o644); err != nil {
		return errors.Wrapf(err, "write replica state of shard %d", r.shardID)
	}
	return nil
}

// LoadReplicaState reads a persisted peer-state map from dir.
func LoadReplicaState(dir string) (map[cluster.PeerID]cluster.ReplicaState, error) {
	data, err := os.ReadFile(filepath.Join(dir, ReplicaStateFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read replica state")
	}
	var byPeer map[string]cluster.ReplicaState
	if err := json.Unmarshal(data, &byPeer); err != nil {
		return nil, errors.Wrap(err, "decode replica state")
	}
	out := make(map[cluster.PeerID]cluster.ReplicaState, len(byPeer))
	for key, state := range byPeer {
		var peer uint64
		if _, err := fmt.Sscanf(key, "%d", &peer); err != nil {
			return nil, errors.Wrapf(err, "parse peer id %q", key)
		}
		out[cluster.PeerID(peer)] = state
	}
	return out, nil
}

// RestoreSnapshot prepares a replica-set shard directory extracted from a
// snapshot for use on this peer. In distributed mode the persisted state map
// is kept as it is; in single-node mode every
// replica is rewritten to belong to this peer so the collection loads
// standalone.
func RestoreSnapshot(snapshotPath string, thisPeer cluster.PeerID, isDistributed bool) error {
	states, err := LoadReplicaState(snapshotPath)
	if err != nil {
		return err
	}
	if states == nil {
		return cluster.NewServiceError("replica state missing in snapshot at %s", snapshotPath)
	}
	if isDistributed {
		return nil
	}
	rewritten := map[string]cluster.ReplicaState{
		fmt.Sprintf("%d", thisPeer): cluster.ReplicaActive,
	}
	data, err := json.MarshalIndent(rewritten, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode rewritten replica state")
	}
	return os.WriteFile(filepath.Join(snapshotPath, ReplicaStateFileName), data, 0o644)
}
