package eveingester

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/eveingester/internal/common/ingest"
	"github.com/G-Research/eveingester/internal/common/ingest/metrics"
	"github.com/G-Research/eveingester/internal/common/logging"
	"github.com/G-Research/eveingester/internal/eveingester/configuration"
	"github.com/G-Research/eveingester/internal/eveingester/correlation"
	"github.com/G-Research/eveingester/internal/eveingester/eventdb"
	"github.com/G-Research/eveingester/internal/eveingester/instructions"
	eveMetrics "github.com/G-Research/eveingester/internal/eveingester/metrics"
	"github.com/G-Research/eveingester/internal/eveingester/model"
	"github.com/G-Research/eveingester/internal/eveingester/source"
)

// Inserter stores a single instruction, returning the number of rows inserted.
type Inserter interface {
	Insert(ctx context.Context, instruction model.Instruction) (int64, error)
}

// Counters are the running totals of a worker.
// Every record taken off the channel is processed; it is then inserted, a duplicate, skipped or failed.
type Counters struct {
	Processed int64
	Inserted  int64
	Skipped   int64
	Failed    int64
}

// Worker takes records off a channel and writes them to the database it owns, one batch at a time.
type Worker struct {
	id           int
	input        <-chan string
	converter    *instructions.Converter
	db           Inserter
	maxBatchSize int
	errorPolicy  configuration.ErrorPolicy
	metrics      *metrics.Metrics

	processed atomic.Int64
	inserted  atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

func NewWorker(
	id int,
	input <-chan string,
	converter *instructions.Converter,
	db Inserter,
	maxBatchSize int,
	errorPolicy configuration.ErrorPolicy,
	m *metrics.Metrics,
) *Worker {
	return &Worker{
		id:           id,
		input:        input,
		converter:    converter,
		db:           db,
		maxBatchSize: maxBatchSize,
		errorPolicy:  errorPolicy,
		metrics:      m,
	}
}

// Run writes batches until the input channel is closed, or until a record can't be written.
// A record that can't be decoded also stops the worker unless the error policy is to isolate such records.
// The final counters are logged on return.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithField("worker", w.id)
	defer func() {
		c := w.Counters()
		logger.WithFields(log.Fields{
			"processed": c.Processed,
			"inserted":  c.Inserted,
			"skipped":   c.Skipped,
			"failed":    c.Failed,
		}).Info("Worker finished")
	}()

	for {
		batch, ok := ingest.Drain(w.input, w.maxBatchSize)
		if !ok {
			return nil
		}
		w.metrics.RecordBatchSize(len(batch))
		if err := w.writeBatch(ctx, logger, batch); err != nil {
			return err
		}
	}
}

func (w *Worker) writeBatch(ctx context.Context, logger *log.Entry, batch []string) error {
	var decodeErrors *multierror.Error
	for _, line := range batch {
		w.processed.Add(1)
		w.metrics.RecordProcessed()

		instruction, err := w.converter.Convert(line)
		if err != nil {
			w.failed.Add(1)
			w.metrics.RecordMalformed()
			if w.errorPolicy != configuration.ErrorPolicyIsolate {
				return err
			}
			decodeErrors = multierror.Append(decodeErrors, err)
			continue
		}
		if instruction == nil {
			w.skipped.Add(1)
			continue
		}

		inserted, err := w.db.Insert(ctx, instruction)
		if err != nil {
			w.failed.Add(1)
			return err
		}
		w.inserted.Add(inserted)
	}
	if err := decodeErrors.ErrorOrNil(); err != nil {
		logger.WithError(err).Warnf("Skipped %d malformed records", len(decodeErrors.Errors))
	}
	return nil
}

func (w *Worker) Counters() Counters {
	return Counters{
		Processed: w.processed.Load(),
		Inserted:  w.inserted.Load(),
		Skipped:   w.skipped.Load(),
		Failed:    w.failed.Load(),
	}
}

// Migrate brings the configured database's schema up to date.
func Migrate(ctx context.Context, config configuration.DatabaseConfig) error {
	db, err := eventdb.Open(ctx, config, eveMetrics.Get())
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(ctx); err != nil {
			log.WithError(err).Warn("Error closing database")
		}
	}()
	return db.Migrate(ctx)
}

// Run reads records from the configured source and writes them to the database until the source is exhausted, ctx
// is cancelled or a worker fails.  Each worker has its own connection; all of them share the correlation cache.
// The schema is migrated before any record is read.  The totals, and the error that stopped ingestion if there was
// one, are logged once on return.
func Run(ctx context.Context, config configuration.EveIngesterConfiguration) error {
	total, correlated, err := runIngestion(ctx, config)
	logger := log.WithFields(log.Fields{
		"processed":  total.Processed,
		"inserted":   total.Inserted,
		"skipped":    total.Skipped,
		"failed":     total.Failed,
		"correlated": correlated,
	})
	if err != nil {
		logging.WithStacktrace(logger, err).Error("Ingestion stopped")
		return err
	}
	logger.Info("Ingestion finished")
	return nil
}

// runIngestion returns the summed worker counters and the number of flows holding a pcap filename in the cache.
func runIngestion(ctx context.Context, config configuration.EveIngesterConfiguration) (Counters, int, error) {
	m := eveMetrics.Get()

	cache, err := correlation.NewCache(config.Correlation.MaxEntries, config.Correlation.LockTimeout, m)
	if err != nil {
		return Counters{}, 0, err
	}

	dbs := make([]*eventdb.EventDb, 0, config.Workers)
	defer func() {
		for _, db := range dbs {
			if err := db.Close(context.Background()); err != nil {
				log.WithError(err).Warn("Error closing database")
			}
		}
	}()
	for i := 0; i < config.Workers; i++ {
		db, err := eventdb.Open(ctx, config.Database, m)
		if err != nil {
			return Counters{}, 0, errors.WithMessagef(err, "opening database connection for worker %d", i)
		}
		dbs = append(dbs, db)
		if i == 0 {
			if err := db.Migrate(ctx); err != nil {
				return Counters{}, 0, err
			}
		}
	}

	lines := make(chan string, config.ChannelBufferSize)
	converter := instructions.NewConverter(cache, m)
	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return source.Lines(groupCtx, config.Source, config.MaxLineBytes, lines)
	})

	workers := make([]*Worker, len(dbs))
	for i, db := range dbs {
		worker := NewWorker(i, lines, converter, db, config.MaxBatchSize, config.ErrorPolicy, m)
		workers[i] = worker
		// In flight writes finish even after shutdown is requested
		g.Go(func() error {
			return worker.Run(context.Background())
		})
	}

	err = g.Wait()
	var total Counters
	for _, worker := range workers {
		c := worker.Counters()
		total.Processed += c.Processed
		total.Inserted += c.Inserted
		total.Skipped += c.Skipped
		total.Failed += c.Failed
	}
	return total, cache.Len(), err
}
