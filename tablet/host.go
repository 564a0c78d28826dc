package tablet

import (
	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/store"
)

// Host is what the write manager needs from the cell hosting it.
type Host interface {
	GetTabletOrThrow(id kv.TabletID) (*Tablet, error)
	FindTablet(id kv.TabletID) *Tablet

	// LockTablet and UnlockTablet keep the tablet from being unmounted while
	// something references it. They return the new lock count.
	LockTablet(t *Tablet) int
	UnlockTablet(t *Tablet) int

	ValidateMemoryLimit(poolTag string) error
	// ValidateAndDiscardRowRef reports whether the row ref still points into
	// a live store.
	ValidateAndDiscardRowRef(ref store.RowRef) bool

	TransactionManager() *TransactionManager
	LatestTimestamp() kv.Timestamp
	Config() *kv.Config
	MemoryTracker() *kv.MemoryTracker

	UnlockLockedTablets(tx *Transaction)
	AdvanceReplicatedTrimmedRowCount(t *Tablet, tx *Transaction)
	CheckIfTabletFullyUnlocked(t *Tablet)
}
