package configuration

import (
	"time"

	"github.com/G-Research/eveingester/internal/common/database"
	"github.com/G-Research/eveingester/internal/common/ingesterrors"
	"github.com/G-Research/eveingester/internal/common/logging"
)

type EveIngesterConfiguration struct {
	// Where records are read from: a file path, "-" for stdin or unix:///path/to/socket
	Source string `validate:"required"`
	// Longest record accepted from the source, in bytes. Zero means 1MiB. Longer records are dropped.
	MaxLineBytes int `validate:"gte=0"`
	// Number of records the source may buffer ahead of the workers
	ChannelBufferSize int `validate:"gte=0"`
	// Number of workers, each with its own database connection
	Workers int `validate:"gte=1"`
	// Largest number of records written per batch. Zero means no limit.
	MaxBatchSize int `validate:"gte=0"`
	// What a worker does when a record can't be decoded
	ErrorPolicy ErrorPolicy
	// Database configuration
	Database DatabaseConfig
	// Flow to pcap filename correlation
	Correlation CorrelationConfig
	// Metrics configuration. Zero disables the metrics endpoint.
	MetricsPort uint16
	Logging     logging.Config
}

type DatabaseConfig struct {
	// Either postgres or sqlite3
	Dialect  string `validate:"oneof=postgres sqlite3"`
	Postgres database.PostgresConfig
	Sqlite   database.SqliteConfig
}

type CorrelationConfig struct {
	// Bounds the number of flows remembered. Zero means unbounded.
	MaxEntries int `validate:"gte=0"`
	// How long a write may wait for the cache before the correlation is dropped
	LockTimeout time.Duration `validate:"gte=0"`
}

type ErrorPolicy string

const (
	// ErrorPolicyFailFast stops the worker at the first record that can't be decoded
	ErrorPolicyFailFast ErrorPolicy = "failFast"
	// ErrorPolicyIsolate logs and skips records that can't be decoded
	ErrorPolicyIsolate ErrorPolicy = "isolate"
)

func (p *ErrorPolicy) UnmarshalText(text []byte) error {
	switch policy := ErrorPolicy(text); policy {
	case "":
		*p = ErrorPolicyFailFast
	case ErrorPolicyFailFast, ErrorPolicyIsolate:
		*p = policy
	default:
		return &ingesterrors.ErrInvalidArgument{
			Name:    "errorPolicy",
			Value:   string(text),
			Message: "must be failFast or isolate",
		}
	}
	return nil
}
