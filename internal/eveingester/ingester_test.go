package eveingester

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/eveingester/internal/common/database"
	"github.com/G-Research/eveingester/internal/common/ingesterrors"
	"github.com/G-Research/eveingester/internal/eveingester/configuration"
	"github.com/G-Research/eveingester/internal/eveingester/correlation"
	"github.com/G-Research/eveingester/internal/eveingester/eventdb"
	"github.com/G-Research/eveingester/internal/eveingester/eventdb/schema"
	"github.com/G-Research/eveingester/internal/eveingester/instructions"
	"github.com/G-Research/eveingester/internal/eveingester/metrics"
	"github.com/G-Research/eveingester/internal/eveingester/model"
)

const (
	badTimestampAlert = `{"timestamp":"not a time","flow_id":1,"event_type":"alert","alert":{"signature_id":1}}`
	unparseable       = `{"timestamp":`
	stats             = `{"timestamp":"2024-01-02T03:04:05.123456+0000","event_type":"stats","stats":{"uptime":1}}`
	noEventType       = `{"timestamp":"2024-01-02T03:04:05.123456+0000","flow_id":1}`
)

func alert(flowId int) string {
	return fmt.Sprintf(`{"timestamp":"2024-01-02T03:04:05.123456+0000","flow_id":%d,"event_type":"alert","alert":{"signature_id":%d}}`, flowId, flowId)
}

func alertWithFilename(flowId int, filename string) string {
	return fmt.Sprintf(`{"timestamp":"2024-01-02T03:04:05.123456+0000","flow_id":%d,"event_type":"alert","pcap_filename":%q,"alert":{}}`, flowId, filename)
}

func flow(flowId int) string {
	return fmt.Sprintf(`{"timestamp":"2024-01-02T03:04:05.123456+0000","flow_id":%d,"event_type":"flow","src_ip":"10.0.0.1","src_port":5000,"dest_ip":"10.0.0.2","dest_port":53,"proto":"UDP","flow":{}}`, flowId)
}

func closedChannel(lines ...string) chan string {
	c := make(chan string, len(lines))
	for _, line := range lines {
		c <- line
	}
	close(c)
	return c
}

func newConverter(t *testing.T) *instructions.Converter {
	cache, err := correlation.NewCache(0, 0, metrics.Get())
	require.NoError(t, err)
	return instructions.NewConverter(cache, metrics.Get())
}

func withSqliteEventDb(t *testing.T, action func(db *sql.DB, eventDb *eventdb.EventDb)) {
	migrations, err := schema.SqliteMigrations()
	require.NoError(t, err)
	err = database.WithTestSqliteDb(migrations, func(db *sql.DB) error {
		eventDb, err := eventdb.NewEventDb(eventdb.NewSqlExecutor(db), eventdb.DialectSqlite, metrics.Get())
		require.NoError(t, err)
		action(db, eventDb)
		return nil
	})
	require.NoError(t, err)
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
	return count
}

type fakeInserter struct {
	instructions []model.Instruction
	err          error
}

func (f *fakeInserter) Insert(_ context.Context, instruction model.Instruction) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.instructions = append(f.instructions, instruction)
	return 1, nil
}

func TestWorker_BatchAccounting(t *testing.T) {
	withSqliteEventDb(t, func(db *sql.DB, eventDb *eventdb.EventDb) {
		const n = 50
		var lines []string
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				lines = append(lines, alert(i))
			} else {
				lines = append(lines, flow(i))
			}
		}
		worker := NewWorker(0, closedChannel(lines...), newConverter(t), eventDb, 0, configuration.ErrorPolicyFailFast, metrics.Get())

		require.NoError(t, worker.Run(context.Background()))
		assert.Equal(t, Counters{Processed: n, Inserted: n}, worker.Counters())
		assert.Equal(t, n/2, countRows(t, db, model.AlertTable))
		assert.Equal(t, n/2, countRows(t, db, model.FlowTable))
	})
}

func TestWorker_SmallBatches(t *testing.T) {
	inserter := &fakeInserter{}
	worker := NewWorker(0, closedChannel(alert(1), alert(2), alert(3)), newConverter(t), inserter, 1, configuration.ErrorPolicyFailFast, metrics.Get())

	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, Counters{Processed: 3, Inserted: 3}, worker.Counters())
	require.Len(t, inserter.instructions, 3)
	for i, instruction := range inserter.instructions {
		assert.Equal(t, int64(i+1), instruction.GetFlowId())
	}
}

func TestWorker_Duplicates(t *testing.T) {
	withSqliteEventDb(t, func(db *sql.DB, eventDb *eventdb.EventDb) {
		worker := NewWorker(0, closedChannel(flow(42), flow(42), alert(42), alert(42)), newConverter(t), eventDb, 0, configuration.ErrorPolicyFailFast, metrics.Get())

		require.NoError(t, worker.Run(context.Background()))
		assert.Equal(t, Counters{Processed: 4, Inserted: 2}, worker.Counters())
		assert.Equal(t, 1, countRows(t, db, model.FlowTable))
		assert.Equal(t, 1, countRows(t, db, model.AlertTable))
	})
}

func TestWorker_SkippedRecords(t *testing.T) {
	inserter := &fakeInserter{}
	worker := NewWorker(0, closedChannel(unparseable, noEventType, alert(1)), newConverter(t), inserter, 0, configuration.ErrorPolicyFailFast, metrics.Get())

	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, Counters{Processed: 3, Inserted: 1, Skipped: 2}, worker.Counters())
	assert.Len(t, inserter.instructions, 1)
}

func TestWorker_StatsRecordsSkipped(t *testing.T) {
	// stats records carry an event_type but no flow_id
	inserter := &fakeInserter{}
	worker := NewWorker(0, closedChannel(stats), newConverter(t), inserter, 0, configuration.ErrorPolicyFailFast, metrics.Get())

	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, Counters{Processed: 1, Skipped: 1}, worker.Counters())
}

func TestWorker_MalformedRecordStopsBatch(t *testing.T) {
	withSqliteEventDb(t, func(db *sql.DB, eventDb *eventdb.EventDb) {
		worker := NewWorker(0, closedChannel(badTimestampAlert, alert(2)), newConverter(t), eventDb, 0, configuration.ErrorPolicyFailFast, metrics.Get())

		err := worker.Run(context.Background())
		require.Error(t, err)
		assert.True(t, ingesterrors.IsMalformedRecord(err))
		assert.Equal(t, Counters{Processed: 1, Failed: 1}, worker.Counters())
		assert.Equal(t, 0, countRows(t, db, model.AlertTable))
	})
}

func TestWorker_MalformedRecordIsolated(t *testing.T) {
	withSqliteEventDb(t, func(db *sql.DB, eventDb *eventdb.EventDb) {
		worker := NewWorker(0, closedChannel(alert(1), badTimestampAlert, alert(2), badTimestampAlert), newConverter(t), eventDb, 0, configuration.ErrorPolicyIsolate, metrics.Get())

		require.NoError(t, worker.Run(context.Background()))
		assert.Equal(t, Counters{Processed: 4, Inserted: 2, Failed: 2}, worker.Counters())
		assert.Equal(t, 2, countRows(t, db, model.AlertTable))
	})
}

func TestWorker_WriteFailureStops(t *testing.T) {
	inserter := &fakeInserter{err: errors.New("connection lost")}
	input := make(chan string, 2)
	input <- alert(1)
	worker := NewWorker(0, input, newConverter(t), inserter, 0, configuration.ErrorPolicyIsolate, metrics.Get())

	// The channel is never closed, so Run only returns because of the failure
	err := worker.Run(context.Background())
	assert.EqualError(t, err, "connection lost")
	assert.Equal(t, Counters{Processed: 1, Failed: 1}, worker.Counters())
}

func TestWorker_Correlation(t *testing.T) {
	withSqliteEventDb(t, func(db *sql.DB, eventDb *eventdb.EventDb) {
		lines := closedChannel(
			alertWithFilename(42, "a.pcap"),
			flow(42),
			flow(43),
		)
		worker := NewWorker(0, lines, newConverter(t), eventDb, 0, configuration.ErrorPolicyFailFast, metrics.Get())
		require.NoError(t, worker.Run(context.Background()))

		filenames := map[int64]string{}
		rows, err := db.Query(`SELECT id, pcap_filename FROM flow`)
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			var id int64
			var filename string
			require.NoError(t, rows.Scan(&id, &filename))
			filenames[id] = filename
		}
		require.NoError(t, rows.Err())
		assert.Equal(t, map[int64]string{42: "a.pcap", 43: ""}, filenames)
	})
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, alertWithFilename(i, fmt.Sprintf("%d.pcap", i)), flow(i))
	}
	lines = append(lines, unparseable, stats)
	source := filepath.Join(dir, "eve.json")
	require.NoError(t, os.WriteFile(source, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	config := configuration.EveIngesterConfiguration{
		Source:            source,
		Workers:           2,
		ChannelBufferSize: 4,
		MaxBatchSize:      8,
		Database: configuration.DatabaseConfig{
			Dialect: eventdb.DialectSqlite,
			Sqlite:  database.SqliteConfig{Path: filepath.Join(dir, "eve.db")},
		},
	}
	require.NoError(t, Run(context.Background(), config))

	db, err := database.OpenSqlite(context.Background(), config.Database.Sqlite)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 20, countRows(t, db, model.AlertTable))
	assert.Equal(t, 20, countRows(t, db, model.FlowTable))
}

func TestRun_MissingSource(t *testing.T) {
	dir := t.TempDir()
	config := configuration.EveIngesterConfiguration{
		Source:  filepath.Join(dir, "missing.json"),
		Workers: 1,
		Database: configuration.DatabaseConfig{
			Dialect: eventdb.DialectSqlite,
			Sqlite:  database.SqliteConfig{Path: filepath.Join(dir, "eve.db")},
		},
	}
	assert.Error(t, Run(context.Background(), config))
}

func TestRun_MalformedRecordOnIdleStdin(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdin := os.Stdin
	os.Stdin = r
	defer func() {
		os.Stdin = stdin
		_ = w.Close()
		_ = r.Close()
	}()
	// The writer stays open, so stdin never reaches EOF
	_, err = w.Write([]byte(badTimestampAlert + "\n"))
	require.NoError(t, err)

	hooks := logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	defer logrus.StandardLogger().ReplaceHooks(hooks)
	hook := logtest.NewGlobal()

	dir := t.TempDir()
	config := configuration.EveIngesterConfiguration{
		Source:      "-",
		Workers:     1,
		ErrorPolicy: configuration.ErrorPolicyFailFast,
		Database: configuration.DatabaseConfig{
			Dialect: eventdb.DialectSqlite,
			Sqlite:  database.SqliteConfig{Path: filepath.Join(dir, "eve.db")},
		},
	}
	done := make(chan error)
	go func() {
		done <- Run(context.Background(), config)
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, ingesterrors.IsMalformedRecord(err))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a worker stopped")
	}

	var errorEntries []string
	for _, entry := range hook.AllEntries() {
		if entry.Level <= logrus.ErrorLevel {
			errorEntries = append(errorEntries, entry.Message)
		}
	}
	assert.Equal(t, []string{"Ingestion stopped"}, errorEntries)
}

func TestMigrate(t *testing.T) {
	config := configuration.DatabaseConfig{
		Dialect: eventdb.DialectSqlite,
		Sqlite:  database.SqliteConfig{Path: filepath.Join(t.TempDir(), "eve.db")},
	}
	require.NoError(t, Migrate(context.Background(), config))
	// Already up to date
	require.NoError(t, Migrate(context.Background(), config))
}
