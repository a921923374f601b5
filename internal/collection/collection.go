package collection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/holder"
	"github.com/usmc2033/qdrant/internal/replica"
	"github.com/usmc2033/qdrant/internal/ring"
	"github.com/usmc2033/qdrant/internal/shard"
	"github.com/usmc2033/qdrant/internal/transfer"
)

// consensusWaitTimeout bounds how long an initiated receiver waits for the
// consensus-broadcast transfer set to include its transfer.
const consensusWaitTimeout = 60 * time.Second

// Callbacks into the consensus layer, captured at construction. They must
// outlive the Collection.
type (
	// OnTransferFailure reports a transfer that failed, with a reason.
	OnTransferFailure func(t cluster.ShardTransfer, collection, reason string)
	// OnTransferSuccess reports a transfer that finished successfully.
	OnTransferSuccess func(t cluster.ShardTransfer, collection string)
	// RequestShardTransfer asks consensus to schedule a transfer.
	RequestShardTransfer func(t cluster.ShardTransfer)
	// ChangePeerState asks consensus to change one replica's state.
	ChangePeerState func(peer cluster.PeerID, shardID cluster.ShardID)
)

// Dependencies carries the external collaborators of a Collection.
type Dependencies struct {
	Channels             *cluster.ChannelService
	OnReplicaFailure     ChangePeerState
	RequestShardTransfer RequestShardTransfer
	// MetricsRegisterer receives the collection's transfer gauge; a private
	// registry is used when nil.
	MetricsRegisterer prometheus.Registerer
	NodeType          cluster.NodeType
}

// Collection is the coordinator of one collection on one peer.
type Collection struct {
	name          string
	thisPeer      cluster.PeerID
	path          string
	snapshotsPath string
	nodeType      cluster.NodeType
	channels      *cluster.ChannelService

	holderMu sync.RWMutex
	holder   *holder.ShardHolder

	configMu sync.RWMutex
	config   Config

	// transferMu serializes state transitions per transfer key on top of
	// the pool's internal locking.
	transferMu    sync.Mutex
	transferTasks *transfer.TasksPool

	requestShardTransferCB RequestShardTransfer
	notifyPeerFailureCB    ChangePeerState

	initTime      time.Duration
	isInitialized *IsReady
	updatesLock   sync.RWMutex
}

// ShardDistribution assigns the replicas of every shard at creation time.
type ShardDistribution struct {
	Shards map[cluster.ShardID]map[cluster.PeerID]cluster.ReplicaState
}

// AllActiveDistribution places every shard on the given peers, all Active.
func AllActiveDistribution(shardNumber uint32, peers ...cluster.PeerID) ShardDistribution {
	dist := ShardDistribution{Shards: make(map[cluster.ShardID]map[cluster.PeerID]cluster.ReplicaState)}
	for id := uint32(0); id < shardNumber; id++ {
		replicas := make(map[cluster.PeerID]cluster.ReplicaState, len(peers))
		for _, peer := range peers {
			replicas[peer] = cluster.ReplicaActive
		}
		dist.Shards[cluster.ShardID(id)] = replicas
	}
	return dist
}

// versionedShardPath is the storage directory of one shard generation.
func versionedShardPath(base string, id cluster.ShardID, generation int) string {
	return filepath.Join(base, "shards", fmt.Sprintf("%d", id), fmt.Sprintf("%d", generation))
}

// New creates a collection at path with the given shard distribution. The
// collection is considered successfully created once its config and version
// marker are persisted.
func New(name string, thisPeer cluster.PeerID, path, snapshotsPath string, cfg Config, dist ShardDistribution, deps Dependencies) (*Collection, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, cluster.WrapServiceError(err, "create collection directory")
	}
	if err := os.MkdirAll(snapshotsPath, 0o755); err != nil {
		return nil, cluster.WrapServiceError(err, "create snapshots directory")
	}

	c := &Collection{
		name:                   name,
		thisPeer:               thisPeer,
		path:                   path,
		snapshotsPath:          snapshotsPath,
		nodeType:               deps.NodeType,
		channels:               deps.Channels,
		config:                 cfg.Clone(),
		transferTasks:          transfer.NewTasksPool(name, deps.MetricsRegisterer),
		requestShardTransferCB: deps.RequestShardTransfer,
		notifyPeerFailureCB:    deps.OnReplicaFailure,
		isInitialized:          NewIsReady(),
	}
	c.holder = holder.NewShardHolder(ring.Fair(cfg.Params.ShardNumber))

	for shardID, peers := range dist.Shards {
		_, holdsReplica := peers[thisPeer]
		rs, err := replica.Build(replica.BuildParams{
			ShardID:    shardID,
			Collection: name,
			ThisPeer:   thisPeer,
			Path:       versionedShardPath(path, shardID, 0),
			Vectors:    cfg.Params.Vectors,
			Peers:      peers,
			WithLocal:  holdsReplica,
			Channels:   deps.Channels,
			OnFailure:  replica.PeerFailureCallback(deps.OnReplicaFailure),
		})
		if err != nil {
			return nil, err
		}
		c.holder.AddShard(shardID, rs)
	}

	if err := SaveVersion(path); err != nil {
		return nil, err
	}
	if err := c.config.Save(path); err != nil {
		return nil, err
	}

	c.initTime = time.Since(start)
	c.checkInitialized()
	return c, nil
}

// Load opens an existing collection at path. Version problems are fatal:
// they abort the process at startup, never in steady state.
func Load(name string, thisPeer cluster.PeerID, path, snapshotsPath string, deps Dependencies) *Collection {
	start := time.Now()
	stored, err := LoadVersion(path)
	if err != nil {
		log.WithError(err).Fatal("Can't read collection version")
	}
	app, err := ParseVersion(CurrentVersion)
	if err != nil {
		log.WithError(err).Fatal("Malformed application storage version")
	}
	if stored.Greater(app) {
		log.WithFields(log.Fields{"stored": stored, "app": app}).
			Fatal("Collection was created by a newer version; downgrade is not supported")
	}
	if !CanUpgradeStorage(stored, app) {
		log.WithFields(log.Fields{"stored": stored, "app": app}).
			Fatal("Collection storage version is incompatible with this version")
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		log.WithError(err).Fatal("Can't read collection config")
	}

	c := &Collection{
		name:                   name,
		thisPeer:               thisPeer,
		path:                   path,
		snapshotsPath:          snapshotsPath,
		nodeType:               deps.NodeType,
		channels:               deps.Channels,
		config:                 cfg,
		transferTasks:          transfer.NewTasksPool(name, deps.MetricsRegisterer),
		requestShardTransferCB: deps.RequestShardTransfer,
		notifyPeerFailureCB:    deps.OnReplicaFailure,
		isInitialized:          NewIsReady(),
	}
	c.holder = holder.NewShardHolder(ring.Fair(cfg.Params.ShardNumber))

	for id := uint32(0); id < cfg.Params.ShardNumber; id++ {
		shardID := cluster.ShardID(id)
		shardPath := versionedShardPath(path, shardID, 0)
		peers, err := replica.LoadReplicaState(shardPath)
		if err != nil {
			log.WithError(err).WithField("shard", shardID).Fatal("Can't read replica state")
		}
		if peers == nil {
			peers = map[cluster.PeerID]cluster.ReplicaState{thisPeer: cluster.ReplicaActive}
		}
		state, holdsReplica := peers[thisPeer]
		rs, err := replica.Build(replica.BuildParams{
			ShardID:    shardID,
			Collection: name,
			ThisPeer:   thisPeer,
			Path:       shardPath,
			Vectors:    cfg.Params.Vectors,
			Peers:      peers,
			WithLocal:  holdsReplica && state != cluster.ReplicaDead,
			Channels:   deps.Channels,
			OnFailure:  replica.PeerFailureCallback(deps.OnReplicaFailure),
		})
		if err != nil {
			log.WithError(err).WithField("shard", shardID).Fatal("Can't load shard")
		}
		c.holder.AddShard(shardID, rs)
	}

	c.initTime = time.Since(start)
	c.checkInitialized()
	return c
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// ThisPeer returns the local peer id.
func (c *Collection) ThisPeer() cluster.PeerID { return c.thisPeer }

// ContainsShard reports whether the shard exists in this collection.
func (c *Collection) ContainsShard(shardID cluster.ShardID) bool {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()
	return c.holder.ContainsShard(shardID)
}

// GetLocalShards returns the shards with a local replica on this peer.
func (c *Collection) GetLocalShards() []cluster.ShardID {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()
	var out []cluster.ShardID
	for _, rs := range c.holder.AllShards() {
		if rs.IsLocal() {
			out = append(out, rs.ShardID())
		}
	}
	return out
}

// IsShardLocal reports whether the shard is explicitly local; nil when the
// shard doesn't exist.
func (c *Collection) IsShardLocal(shardID cluster.ShardID) *bool {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()
	rs := c.holder.GetShard(shardID)
	if rs == nil {
		return nil
	}
	local := rs.IsLocal()
	return &local
}

// IsAllActive reports whether every replica of every shard is Active.
func (c *Collection) IsAllActive() bool {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()
	for _, rs := range c.holder.AllShards() {
		for _, state := range rs.Peers() {
			if state != cluster.ReplicaActive {
				return false
			}
		}
	}
	return true
}

// checkInitialized flips the IsReady latch the first time every replica of
// every shard is Active.
func (c *Collection) checkInitialized() {
	if c.isInitialized.CheckReady() {
		return
	}
	if c.IsAllActive() {
		c.isInitialized.MakeReady()
	}
}

// WaitCollectionInitiated blocks until the collection was fully active at
// least once, bounded by timeout.
func (c *Collection) WaitCollectionInitiated(timeout time.Duration) bool {
	return c.isInitialized.AwaitReadyForTimeout(timeout)
}

// LockUpdates pauses every update path until the returned release function
// is called. Used by snapshot creation and migration.
func (c *Collection) LockUpdates() func() {
	c.updatesLock.Lock()
	return c.updatesLock.Unlock
}

// SetShardReplicaState is the consensus-driven replica state change. It
// validates the expected prior state when given, refuses to deactivate the
// last Active replica, terminates transfers related to a peer going Dead,
// and — when this peer's own replica just went Dead — requests a sync
// transfer from any Active peer to recover.
func (c *Collection) SetShardReplicaState(shardID cluster.ShardID, peer cluster.PeerID, state cluster.ReplicaState, from *cluster.ReplicaState) error {
	// transferMu before holderMu, always: the Dead path below aborts
	// related transfers.
	c.transferMu.Lock()
	defer c.transferMu.Unlock()
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()

	rs := c.holder.GetShard(shardID)
	if rs == nil {
		return cluster.NewNotFound("shard %d", shardID)
	}

	log.WithFields(log.Fields{
		"collection": c.name,
		"shard":      shardID,
		"peer":       peer,
		"from":       rs.PeerState(peer),
		"to":         state,
	}).Debug("Changing replica state")

	if from != nil {
		current := rs.PeerState(peer)
		if current == nil || *current != *from {
			return cluster.NewBadInput(
				"replica %d of shard %d has state %v, but expected %v", peer, shardID, current, *from)
		}
	}

	if state != cluster.ReplicaActive {
		active := 0
		peerIsActive := false
		for p, s := range rs.Peers() {
			if s == cluster.ReplicaActive {
				active++
				if p == peer {
					peerIsActive = true
				}
			}
		}
		if active == 1 && peerIsActive {
			return cluster.NewBadInput(
				"cannot deactivate the last active replica %d of shard %d", peer, shardID)
		}
	}

	if err := rs.EnsureReplicaWithState(peer, state); err != nil {
		return err
	}

	if state == cluster.ReplicaDead {
		// Terminate transfers whose source or target replica just died.
		for _, t := range c.holder.GetRelatedTransfers(shardID, peer) {
			if err := c.abortShardTransferLocked(t.Key()); err != nil {
				return err
			}
		}
	}

	c.checkInitialized()

	if state == cluster.ReplicaDead && peer == c.thisPeer {
		// Recover our own dead replica by pulling from any active peer.
		var transferFrom *cluster.PeerID
		for p, s := range rs.Peers() {
			if s == cluster.ReplicaActive {
				p := p
				transferFrom = &p
				break
			}
		}
		if transferFrom != nil {
			c.RequestShardTransfer(cluster.ShardTransfer{
				ShardID: shardID,
				From:    *transferFrom,
				To:      c.thisPeer,
				Sync:    true,
			})
		} else {
			log.WithFields(log.Fields{"collection": c.name, "shard": shardID}).
				Warn("No alive replicas to recover shard from")
		}
	}

	return nil
}

// ChangeKind discriminates replica changes.
type ChangeKind string

// ChangeRemove removes one peer's replica of one shard.
const ChangeRemove ChangeKind = "remove"

// ReplicaChange is one consensus-decided replica membership change.
type ReplicaChange struct {
	Kind  ChangeKind      `json:"kind"`
	Shard cluster.ShardID `json:"shard_id"`
	Peer  cluster.PeerID  `json:"peer_id"`
}

// HandleReplicaChanges applies replica membership changes. A change naming
// an absent peer or emptying a shard is rejected.
func (c *Collection) HandleReplicaChanges(changes []ReplicaChange) error {
	if len(changes) == 0 {
		return nil
	}
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()

	for _, change := range changes {
		if change.Kind != ChangeRemove {
			return cluster.NewBadRequest("unknown replica change kind %q", change.Kind)
		}
		rs := c.holder.GetShard(change.Shard)
		if rs == nil {
			return cluster.NewBadRequest("shard %d of %s not found", change.Shard, c.name)
		}
		peers := rs.Peers()
		if _, ok := peers[change.Peer]; !ok {
			return cluster.NewBadRequest("peer %d has no replica of shard %d", change.Peer, change.Shard)
		}
		if len(peers) == 1 {
			return cluster.NewBadRequest("shard %d must have at least one replica", change.Shard)
		}
		if err := rs.RemovePeer(change.Peer); err != nil {
			return err
		}
	}
	return nil
}

// RemoveShardsAtPeer removes every replica the given peer holds in this
// collection. Used when a peer leaves the cluster.
func (c *Collection) RemoveShardsAtPeer(peer cluster.PeerID) error {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()
	for _, rs := range c.holder.AllShards() {
		if _, ok := rs.Peers()[peer]; !ok {
			continue
		}
		if err := rs.RemovePeer(peer); err != nil {
			return err
		}
	}
	return nil
}

// CheckTransferExists reports whether a transfer with the key is registered.
func (c *Collection) CheckTransferExists(key cluster.ShardTransferKey) bool {
	return c.GetTransfer(key) != nil
}

// GetTransfer returns the registered transfer with the key, nil when none.
func (c *Collection) GetTransfer(key cluster.ShardTransferKey) *cluster.ShardTransfer {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()
	for _, t := range c.holder.Transfers.Snapshot() {
		if key.Check(t) {
			out := t
			return &out
		}
	}
	return nil
}

// GetOutgoingTransfers returns the registered transfers sourced at peer.
func (c *Collection) GetOutgoingTransfers(peer cluster.PeerID) []cluster.ShardTransfer {
	return c.GetTransfers(func(t cluster.ShardTransfer) bool { return t.From == peer })
}

// GetTransfers returns the registered transfers matching pred.
func (c *Collection) GetTransfers(pred func(cluster.ShardTransfer) bool) []cluster.ShardTransfer {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()
	return c.holder.GetTransfers(pred)
}

// RequestShardTransfer fires the injected transfer request callback.
func (c *Collection) RequestShardTransfer(t cluster.ShardTransfer) {
	if c.requestShardTransferCB != nil {
		c.requestShardTransferCB(t)
	}
}

// StartShardTransfer registers the transfer and plays this peer's role:
// the sender proxifies its local replica and spawns the streaming task, the
// receiver materializes a Partial replica, every peer marks the destination
// Partial. Conflicting transfers are rejected before registration. Returns
// whether a sender task was spawned on this peer.
func (c *Collection) StartShardTransfer(t cluster.ShardTransfer, onFinish, onError func()) (bool, error) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	c.holderMu.RLock()
	defer c.holderMu.RUnlock()

	if conflict := transfer.CheckConflictsStrict(t, c.holder.Transfers.Snapshot()); conflict != nil {
		return false, cluster.NewBadInput(
			"transfer %s conflicts with registered transfer %s", t.Key(), conflict.Key())
	}
	if _, err := c.holder.RegisterStartShardTransfer(t); err != nil {
		return false, err
	}

	rs := c.holder.GetShard(t.ShardID)
	if rs == nil {
		// Registration validated against cluster state; a missing shard
		// here means that validation was wrong.
		return false, cluster.NewServiceError("shard %d doesn't exist", t.ShardID)
	}

	isReceiver := c.thisPeer == t.To
	isSender := c.thisPeer == t.From

	// Disable queries to the receiving replica everywhere, even if it was
	// active before.
	if isReceiver && !rs.IsLocal() {
		if err := rs.InitEmptyLocalShard(); err != nil {
			return false, err
		}
	}
	if err := rs.EnsureReplicaWithState(t.To, cluster.ReplicaPartial); err != nil {
		return false, err
	}

	doTransfer := isSender && rs.IsLocal()
	if doTransfer {
		if err := rs.ProxifyLocal(t.To); err != nil {
			return false, err
		}
		driver := func(ctx context.Context) error {
			return transfer.TransferShard(ctx, rs, t, c.name, c.channels)
		}
		if res := c.transferTasks.StopIfExists(t.Key()); res != transfer.TaskNotFound {
			log.WithField("transfer", t.Key().String()).
				Warn("Stale transfer task found at start, stopped")
		}
		c.transferTasks.Spawn(t, driver, onFinish, onError)
	}
	return doTransfer, nil
}

// FinishShardTransfer completes a transfer on this peer, reconciling the
// replica set per this peer's role. Idempotent: finishing an already
// finished transfer changes nothing.
func (c *Collection) FinishShardTransfer(t cluster.ShardTransfer) error {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	finished := c.transferTasks.StopIfExists(t.Key()).IsFinished()
	log.WithFields(log.Fields{
		"collection": c.name,
		"transfer":   t.Key().String(),
		"finished":   finished,
	}).Debug("Finishing shard transfer")

	c.holderMu.RLock()
	defer c.holderMu.RUnlock()

	if c.thisPeer == t.From {
		if _, err := transfer.HandleTransferredShardProxy(c.holder, t.ShardID, t.To, t.Sync); err != nil {
			return err
		}
	}
	if c.thisPeer == t.To {
		if _, err := transfer.FinalizePartialShard(c.holder, t.ShardID); err != nil {
			return err
		}
	}
	if c.thisPeer != t.From {
		if _, err := transfer.ChangeRemoteShardRoute(c.holder, t.ShardID, t.From, t.To, t.Sync); err != nil {
			return err
		}
	}

	// Every peer records the destination as Active in its own view; the
	// receiver already promoted itself in FinalizePartialShard.
	if rs := c.holder.GetShard(t.ShardID); rs != nil && c.thisPeer != t.To {
		if err := rs.EnsureReplicaWithState(t.To, cluster.ReplicaActive); err != nil {
			return err
		}
	}

	c.holder.RegisterFinishTransfer(t.Key())
	c.checkInitialized()
	return nil
}

// AbortShardTransfer terminates a transfer: the task is stopped, the
// destination replica is reverted (removed, or marked Dead for sync
// transfers), and the sender's proxy is unwrapped. Idempotent.
func (c *Collection) AbortShardTransfer(key cluster.ShardTransferKey) error {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()
	return c.abortShardTransferLocked(key)
}

// abortShardTransferLocked is the internal abort path assuming transferMu
// and the holder read lock are already held. Callers already inside the
// read lock must use this wrapper instead of AbortShardTransfer to avoid a
// double-read deadlock against a pending writer.
func (c *Collection) abortShardTransferLocked(key cluster.ShardTransferKey) error {
	c.transferTasks.StopIfExists(key)

	rs := c.holder.GetShard(key.ShardID)
	if rs == nil {
		return cluster.NewBadRequest("shard %d doesn't exist", key.ShardID)
	}

	var sync bool
	for _, t := range c.holder.Transfers.Snapshot() {
		if key.Check(t) {
			sync = t.Sync
			break
		}
	}

	if state := rs.PeerState(key.To); state != nil {
		if sync {
			if err := rs.SetReplicaState(key.To, cluster.ReplicaDead); err != nil {
				return err
			}
		} else {
			if err := rs.RemovePeer(key.To); err != nil {
				return err
			}
		}
	}

	if c.thisPeer == key.From {
		if err := transfer.RevertProxyShardToLocal(c.holder, key.ShardID); err != nil {
			return err
		}
	}

	c.holder.RegisterFinishTransfer(key)
	return nil
}

// InitiateShardTransfer prepares this peer to receive a shard from
// consensus' decision: any proxy is unwrapped, a dummy local replica is
// materialized, and the call blocks until the consensus-broadcast transfer
// set includes a transfer targeting this peer for the shard, or times out.
func (c *Collection) InitiateShardTransfer(shardID cluster.ShardID) error {
	c.holderMu.RLock()
	rs := c.holder.GetShard(shardID)
	if rs == nil {
		c.holderMu.RUnlock()
		return cluster.NewServiceError("shard %d doesn't exist, repartition is not supported", shardID)
	}

	// A leftover outgoing-transfer proxy must not survive into an incoming
	// transfer; unwrapping is a no-op on a plain local replica.
	if err := rs.UnProxifyLocal(); err != nil {
		c.holderMu.RUnlock()
		return err
	}
	if rs.IsDummy() || !rs.HasLocalShard() {
		if err := rs.InitEmptyLocalShard(); err != nil {
			c.holderMu.RUnlock()
			return err
		}
	}
	watched := c.holder.Transfers
	c.holderMu.RUnlock()

	// The wait must not hold the holder lock: registration of the transfer
	// it is waiting for takes the same lock.
	if transfer.WaitForTransferToThisPeer(watched, shardID, c.thisPeer, consensusWaitTimeout) {
		return nil
	}
	return cluster.NewTimeout(
		"failed to initiate shard transfer: no shard transfer notification from consensus in %s",
		consensusWaitTimeout)
}

// UpdateFromPeer applies an update whose target shard was already chosen
// upstream. It touches the local replica only.
func (c *Collection) UpdateFromPeer(ctx context.Context, op shard.UpdateOperation, shardSelection cluster.ShardID, wait bool) (shard.UpdateResult, error) {
	c.updatesLock.RLock()
	defer c.updatesLock.RUnlock()
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()

	rs := c.holder.GetShard(shardSelection)
	if rs == nil {
		return shard.UpdateResult{}, cluster.NewServiceError("no target shard %d found for update", shardSelection)
	}
	res, err := rs.UpdateLocal(ctx, op, wait)
	if err != nil {
		return shard.UpdateResult{}, err
	}
	if res == nil {
		return shard.UpdateResult{}, cluster.NewServiceError("no target shard %d found for update", shardSelection)
	}
	return *res, nil
}

// UpdateFromClient validates the operation, splits it per shard through the
// hash ring, and dispatches the sub-operations in parallel under the chosen
// write ordering.
//
// Aggregation: if every sub-operation fails, the first error is returned
// as-is; if a proper subset fails, an InconsistentShardFailure carrying the
// first error is returned; otherwise any sub-result is returned.
func (c *Collection) UpdateFromClient(ctx context.Context, op shard.UpdateOperation, wait bool, ordering shard.WriteOrdering) (shard.UpdateResult, error) {
	if err := op.Validate(); err != nil {
		return shard.UpdateResult{}, err
	}
	c.updatesLock.RLock()
	defer c.updatesLock.RUnlock()

	c.holderMu.RLock()
	splits := c.holder.SplitByShard(op)
	c.holderMu.RUnlock()

	if len(splits) == 0 {
		return shard.UpdateResult{}, cluster.NewBadRequest("empty update request")
	}

	results := make([]shard.UpdateResult, len(splits))
	errs := make([]error, len(splits))
	var group errgroup.Group
	for i, split := range splits {
		i, split := i, split
		group.Go(func() error {
			results[i], errs[i] = split.Shard.UpdateWithConsistency(ctx, split.Op, wait, ordering)
			return nil
		})
	}
	group.Wait()

	failed := 0
	var firstErr error
	for _, err := range errs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	switch {
	case failed == 0:
		return results[0], nil
	case failed == len(splits):
		return shard.UpdateResult{}, firstErr
	default:
		return shard.UpdateResult{}, cluster.NewInconsistentShardFailure(len(splits), failed, firstErr)
	}
}
