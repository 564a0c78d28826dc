package kv

import (
	"math"
	"strconv"
	"sync/atomic"
	"time"
)

const hlcLogicalBits = 16
const hlcLogicalMask uint64 = (1 << hlcLogicalBits) - 1

// Timestamp is a hybrid logical timestamp.
//
// Layout (ms logical):
//
//	high 48 bits: wall clock milliseconds since Unix epoch
//	low 16 bits : logical counter to break ties when wall time does not advance
type Timestamp uint64

const (
	NullTimestamp Timestamp = 0
	MaxTimestamp  Timestamp = Timestamp(math.MaxUint64 >> 1)
)

func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t), 16)
}

// Instant returns the wall clock part of the timestamp.
func (t Timestamp) Instant() time.Time {
	ms := clampUint64ToInt64(uint64(t) >> hlcLogicalBits)
	return time.UnixMilli(ms)
}

// TimestampFromInstant builds the first timestamp of the given millisecond.
func TimestampFromInstant(at time.Time) Timestamp {
	return Timestamp(nonNegativeUint64(at.UnixMilli()) << hlcLogicalBits)
}

// HLC implements a simple hybrid logical clock suitable for issuing
// monotonically increasing timestamps across tablet cells.
type HLC struct {
	// last holds the last issued timestamp in the same layout (ms<<bits | logical).
	last atomic.Uint64
	now  func() time.Time
}

func nonNegativeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func clampUint64ToInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func clampUint64ToUint16(v uint64) uint16 {
	max := uint64(^uint16(0))
	if v > max {
		return uint16(max)
	}
	return uint16(v)
}

func NewHLC() *HLC {
	return &HLC{now: time.Now}
}

// NewHLCWithClock is used by tests that need a frozen wall clock.
func NewHLCWithClock(now func() time.Time) *HLC {
	return &HLC{now: now}
}

// Next returns the next hybrid logical timestamp.
func (h *HLC) Next() Timestamp {
	for {
		prev := h.last.Load()
		prevWall := clampUint64ToInt64(prev >> hlcLogicalBits)
		prevLogical := clampUint64ToUint16(prev & hlcLogicalMask)

		nowMs := h.now().UnixMilli()
		newWall := nowMs
		newLogical := uint16(0)

		if nowMs <= prevWall {
			newWall = prevWall
			newLogical = prevLogical + 1
			if newLogical == 0 { // overflow
				newWall++
			}
		}

		next := (nonNegativeUint64(newWall) << hlcLogicalBits) | uint64(newLogical)
		if h.last.CompareAndSwap(prev, next) {
			return Timestamp(next)
		}
	}
}

// Current returns the last issued or observed value without advancing it.
func (h *HLC) Current() Timestamp {
	return Timestamp(h.last.Load())
}

// Observe bumps the local clock if a higher timestamp is seen.
func (h *HLC) Observe(ts Timestamp) {
	for {
		prev := h.last.Load()
		if uint64(ts) <= prev {
			return
		}
		if h.last.CompareAndSwap(prev, uint64(ts)) {
			return
		}
	}
}
