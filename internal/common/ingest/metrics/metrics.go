package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation string
	SkipReason  string
)

const (
	DBOperationInsert  DBOperation = "insert"
	DBOperationMigrate DBOperation = "migrate"

	SkipReasonUnparseable SkipReason = "unparseable"
	SkipReasonNoEventType SkipReason = "no_event_type"
	SkipReasonNoFlowId    SkipReason = "no_flow_id"
)

const (
	EveIngesterMetricsPrefix = "eve_ingester_"
)

type Metrics struct {
	recordsProcessed   prometheus.Counter
	recordsInserted    *prometheus.CounterVec
	recordsDuplicate   *prometheus.CounterVec
	recordsSkipped     *prometheus.CounterVec
	recordsMalformed   prometheus.Counter
	dbErrorsCounter    *prometheus.CounterVec
	correlationDropped prometheus.Counter
	batchSize          prometheus.Histogram
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		recordsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "records_processed",
			Help: "Number of records taken off the input channel",
		}),
		recordsInserted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "records_inserted",
			Help: "Number of rows newly inserted, grouped by table",
		}, []string{"table"}),
		recordsDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "records_duplicate",
			Help: "Number of records that were already stored, grouped by table",
		}, []string{"table"}),
		recordsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "records_skipped",
			Help: "Number of records that are not events and were ignored, grouped by reason",
		}, []string{"reason"}),
		recordsMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "records_malformed",
			Help: "Number of event records that could not be decoded",
		}),
		dbErrorsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors",
			Help: "Number of database errors grouped by database operation and error class",
		}, []string{"operation", "class"}),
		correlationDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "correlation_dropped",
			Help: "Number of flow filename correlations dropped because the cache was contended",
		}),
		batchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "batch_size",
			Help:    "Number of records drained per batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func (m *Metrics) RecordProcessed() {
	m.recordsProcessed.Inc()
}

func (m *Metrics) RecordInsert(table string, rowsAffected int64) {
	if rowsAffected > 0 {
		m.recordsInserted.With(map[string]string{"table": table}).Add(float64(rowsAffected))
	} else {
		m.recordsDuplicate.With(map[string]string{"table": table}).Inc()
	}
}

func (m *Metrics) RecordSkipped(reason SkipReason) {
	m.recordsSkipped.With(map[string]string{"reason": string(reason)}).Inc()
}

func (m *Metrics) RecordMalformed() {
	m.recordsMalformed.Inc()
}

func (m *Metrics) RecordDBError(operation DBOperation, class string) {
	m.dbErrorsCounter.With(map[string]string{"operation": string(operation), "class": class}).Inc()
}

func (m *Metrics) RecordCorrelationDropped() {
	m.correlationDropped.Inc()
}

func (m *Metrics) RecordBatchSize(size int) {
	m.batchSize.Observe(float64(size))
}
