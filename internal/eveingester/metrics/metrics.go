package metrics

import (
	"github.com/G-Research/eveingester/internal/common/ingest/metrics"
)

var m = metrics.NewMetrics(metrics.EveIngesterMetricsPrefix)

func Get() *metrics.Metrics {
	return m
}
