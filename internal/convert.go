package internal

// Int64ToUint64 clamps negative values to zero. Row indexes and counters are
// never negative unless accounting is already broken, which Verify reports
// elsewhere.
func Int64ToUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
