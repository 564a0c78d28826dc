// Package tablet implements the write path of a tablet cell: write intake,
// mutation apply on leader and followers, and the transaction lifecycle
// hooks that settle queued writes.
package tablet

import (
	"bytes"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/store"
)

type Settings struct {
	TablePath         string
	PoolTag           string
	Atomicity         kv.Atomicity
	CommitOrdering    kv.CommitOrdering
	PhysicallyOrdered bool
	Replicated        bool
	Mount             kv.MountConfig
}

// ReplicaInfo is the replication progress of one replica of a replicated
// tablet.
type ReplicaInfo struct {
	ID                          kv.ReplicaID
	Mode                        kv.ReplicaMode
	State                       kv.ReplicaState
	CurrentReplicationRowIndex  int64
	CurrentReplicationTimestamp kv.Timestamp
}

type Tablet struct {
	id            kv.TabletID
	settings      Settings
	mountRevision uint64
	state         kv.TabletState

	storeManager store.Manager
	lockManager  *LockManager
	replicas     map[kv.ReplicaID]*ReplicaInfo

	inFlightUserMutationCount         int
	inFlightReplicatorMutationCount   int
	pendingUserWriteRecordCount       int
	pendingReplicatorWriteRecordCount int

	delayedLocklessRowCount   int64
	totalRowCount             int64
	replicatedTrimmedRowCount int64
	tabletLockCount           int

	lastCommitTimestamp kv.Timestamp
	lastWriteTimestamp  kv.Timestamp
	modificationTime    time.Time
}

func newTablet(id kv.TabletID, settings Settings, mountRevision uint64, storeManager store.Manager) *Tablet {
	return &Tablet{
		id:            id,
		settings:      settings,
		mountRevision: mountRevision,
		state:         kv.TabletStateMounted,
		storeManager:  storeManager,
		lockManager:   NewLockManager(),
		replicas:      make(map[kv.ReplicaID]*ReplicaInfo),
	}
}

func (t *Tablet) ID() kv.TabletID {
	return t.id
}

func (t *Tablet) Settings() Settings {
	return t.settings
}

func (t *Tablet) TablePath() string {
	return t.settings.TablePath
}

func (t *Tablet) PoolTag() string {
	return t.settings.PoolTag
}

func (t *Tablet) Atomicity() kv.Atomicity {
	return t.settings.Atomicity
}

func (t *Tablet) CommitOrdering() kv.CommitOrdering {
	return t.settings.CommitOrdering
}

// IsPhysicallyOrdered reports whether rows are appended by row index.
// Replicated tablets keep their replication log ordered.
func (t *Tablet) IsPhysicallyOrdered() bool {
	return t.settings.PhysicallyOrdered || t.settings.Replicated
}

func (t *Tablet) IsReplicated() bool {
	return t.settings.Replicated
}

func (t *Tablet) MountRevision() uint64 {
	return t.mountRevision
}

func (t *Tablet) ValidateMountRevision(revision uint64) error {
	if t.mountRevision != revision {
		return errors.Wrapf(kv.ErrMountRevisionMismatch,
			"tablet %s: expected %x, actual %x", t.id, revision, t.mountRevision)
	}
	return nil
}

func (t *Tablet) State() kv.TabletState {
	return t.state
}

func (t *Tablet) StoreManager() store.Manager {
	return t.storeManager
}

func (t *Tablet) LockManager() *LockManager {
	return t.lockManager
}

func (t *Tablet) Replicas() map[kv.ReplicaID]*ReplicaInfo {
	return t.replicas
}

func (t *Tablet) FindReplicaInfo(id kv.ReplicaID) *ReplicaInfo {
	return t.replicas[id]
}

func (t *Tablet) InFlightUserMutationCount() int {
	return t.inFlightUserMutationCount
}

func (t *Tablet) InFlightReplicatorMutationCount() int {
	return t.inFlightReplicatorMutationCount
}

func (t *Tablet) PendingUserWriteRecordCount() int {
	return t.pendingUserWriteRecordCount
}

func (t *Tablet) PendingReplicatorWriteRecordCount() int {
	return t.pendingReplicatorWriteRecordCount
}

func (t *Tablet) DelayedLocklessRowCount() int64 {
	return t.delayedLocklessRowCount
}

func (t *Tablet) TotalRowCount() int64 {
	return t.totalRowCount
}

func (t *Tablet) ReplicatedTrimmedRowCount() int64 {
	return t.replicatedTrimmedRowCount
}

func (t *Tablet) TabletLockCount() int {
	return t.tabletLockCount
}

func (t *Tablet) LastCommitTimestamp() kv.Timestamp {
	return t.lastCommitTimestamp
}

func (t *Tablet) LastWriteTimestamp() kv.Timestamp {
	return t.lastWriteTimestamp
}

func (t *Tablet) ModificationTime() time.Time {
	return t.modificationTime
}

func (t *Tablet) UpdateLastCommitTimestamp(ts kv.Timestamp) {
	if ts > t.lastCommitTimestamp {
		t.lastCommitTimestamp = ts
	}
}

func (t *Tablet) UpdateLastWriteTimestamp(ts kv.Timestamp) {
	if ts > t.lastWriteTimestamp {
		t.lastWriteTimestamp = ts
	}
}

// UpdateTotalRowCount picks up rows appended to an ordered store.
func (t *Tablet) UpdateTotalRowCount() {
	t.totalRowCount = t.storeManager.TotalRowCount()
}

func (t *Tablet) incrementInFlightMutationCount(replicatorWrite bool, delta int) {
	if replicatorWrite {
		t.inFlightReplicatorMutationCount += delta
	} else {
		t.inFlightUserMutationCount += delta
	}
}

func (t *Tablet) incrementPendingWriteRecordCount(replicatorWrite bool, delta int) {
	if replicatorWrite {
		t.pendingReplicatorWriteRecordCount += delta
	} else {
		t.pendingUserWriteRecordCount += delta
	}
}

// sortedReplicas returns the replicas ordered by id.
func sortedReplicas(t *Tablet) []*ReplicaInfo {
	replicas := make([]*ReplicaInfo, 0, len(t.replicas))
	for _, r := range t.replicas {
		replicas = append(replicas, r)
	}
	sort.Slice(replicas, func(i, j int) bool {
		return bytes.Compare(replicas[i].ID[:], replicas[j].ID[:]) < 0
	})
	return replicas
}

// syncReplicas returns the sync-mode replicas of t in id order.
func syncReplicas(t *Tablet) []*ReplicaInfo {
	var replicas []*ReplicaInfo
	for _, r := range sortedReplicas(t) {
		if r.Mode == kv.ReplicaModeSync {
			replicas = append(replicas, r)
		}
	}
	return replicas
}
