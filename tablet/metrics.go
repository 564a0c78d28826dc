package tablet

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bootjp/tabletnode/kv"
)

var (
	writtenRowCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabletnode_write_rows_total",
		Help: "Rows accepted by write intake",
	}, []string{"table_path", "user"})
	writtenDataWeightCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabletnode_write_data_weight_total",
		Help: "Data weight accepted by write intake",
	}, []string{"table_path", "user"})
	committedRowCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabletnode_commit_rows_total",
		Help: "Rows committed into tablet stores",
	}, []string{"table_path", "user"})
	committedDataWeightCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabletnode_commit_data_weight_total",
		Help: "Data weight committed into tablet stores",
	}, []string{"table_path", "user"})
	writeLogMemoryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tabletnode_write_log_memory_bytes",
		Help: "Bytes held by transaction write logs",
	})
)

func init() {
	prometheus.MustRegister(
		writtenRowCounter,
		writtenDataWeightCounter,
		committedRowCounter,
		committedDataWeightCounter,
		writeLogMemoryGauge,
	)
}

func incrementWriteCounters(t *Tablet, identity kv.AuthenticationIdentity, rowCount int, dataWeight int64) {
	labels := prometheus.Labels{"table_path": t.TablePath(), "user": identity.ProfilingUser()}
	writtenRowCounter.With(labels).Add(float64(rowCount))
	writtenDataWeightCounter.With(labels).Add(float64(dataWeight))
}

func incrementCommitCounters(t *Tablet, identity kv.AuthenticationIdentity, rowCount int, dataWeight int64) {
	labels := prometheus.Labels{"table_path": t.TablePath(), "user": identity.ProfilingUser()}
	committedRowCounter.With(labels).Add(float64(rowCount))
	committedDataWeightCounter.With(labels).Add(float64(dataWeight))
}
