package eventdb

import (
	"context"
	"encoding/json"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/pkg/errors"

	"github.com/G-Research/eveingester/internal/common/database"
	"github.com/G-Research/eveingester/internal/common/ingest/metrics"
	"github.com/G-Research/eveingester/internal/eveingester/configuration"
	"github.com/G-Research/eveingester/internal/eveingester/model"
)

const (
	DialectPostgres = "postgres"
	DialectSqlite   = "sqlite3"
)

// EventDb writes instructions to the database, one row per instruction.  Rows that are already stored are left alone.
type EventDb struct {
	executor Executor
	dialect  goqu.DialectWrapper
	metrics  *metrics.Metrics
}

func NewEventDb(executor Executor, dialect string, m *metrics.Metrics) (*EventDb, error) {
	if dialect != DialectPostgres && dialect != DialectSqlite {
		return nil, errors.Errorf("unsupported dialect %q", dialect)
	}
	return &EventDb{
		executor: executor,
		dialect:  goqu.Dialect(dialect),
		metrics:  m,
	}, nil
}

// Open connects to the configured database.
func Open(ctx context.Context, config configuration.DatabaseConfig, m *metrics.Metrics) (*EventDb, error) {
	var executor Executor
	switch config.Dialect {
	case DialectPostgres:
		conn, err := database.OpenPgxConn(ctx, config.Postgres)
		if err != nil {
			return nil, err
		}
		executor = NewPgxExecutor(conn)
	case DialectSqlite:
		db, err := database.OpenSqlite(ctx, config.Sqlite)
		if err != nil {
			return nil, err
		}
		executor = NewSqlExecutor(db)
	default:
		return nil, errors.Errorf("unsupported dialect %q", config.Dialect)
	}
	return NewEventDb(executor, config.Dialect, m)
}

func (e *EventDb) Migrate(ctx context.Context) error {
	if err := e.executor.Migrate(ctx); err != nil {
		e.metrics.RecordDBError(metrics.DBOperationMigrate, ErrorClass(err))
		return err
	}
	return nil
}

func (e *EventDb) Close(ctx context.Context) error {
	return e.executor.Close(ctx)
}

// Insert stores instruction in its table and returns the number of rows inserted: 1, or 0 if it was already there.
func (e *EventDb) Insert(ctx context.Context, instruction model.Instruction) (int64, error) {
	row, err := toRecord(instruction)
	if err != nil {
		return 0, err
	}
	query, args, err := e.dialect.
		Insert(instruction.Table()).
		Rows(row).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	rowsAffected, err := e.executor.Exec(ctx, query, args...)
	if err != nil {
		e.metrics.RecordDBError(metrics.DBOperationInsert, ErrorClass(err))
		return 0, errors.WithMessagef(err, "inserting into %s for flow %d", instruction.Table(), instruction.GetFlowId())
	}
	e.metrics.RecordInsert(instruction.Table(), rowsAffected)
	return rowsAffected, nil
}

func toRecord(instruction model.Instruction) (goqu.Record, error) {
	switch i := instruction.(type) {
	case *model.CreateFlowInstruction:
		return goqu.Record{
			"id":            i.FlowId,
			"ts_start":      nullable(i.TsStart),
			"ts_end":        nullable(i.TsEnd),
			"src_ip":        i.SrcIp,
			"src_port":      nullable(i.SrcPort),
			"src_ipport":    nullable(i.SrcIpport),
			"dest_ip":       i.DestIp,
			"dest_port":     nullable(i.DestPort),
			"dest_ipport":   nullable(i.DestIpport),
			"pcap_filename": i.PcapFilename,
			"proto":         i.Proto,
			"app_proto":     nullable(i.AppProto),
			"metadata":      jsonb(i.Metadata),
			"extra_data":    jsonb(i.ExtraData),
		}, nil
	case *model.CreateAlertInstruction:
		return eventRecord(i.FlowId, i.Timestamp, i.ExtraData), nil
	case *model.CreateAnomalyInstruction:
		return eventRecord(i.FlowId, i.Timestamp, i.ExtraData), nil
	case *model.CreateFileinfoInstruction:
		return eventRecord(i.FlowId, i.Timestamp, i.ExtraData), nil
	case *model.CreateAppEventInstruction:
		row := eventRecord(i.FlowId, i.Timestamp, i.ExtraData)
		row["app_proto"] = i.AppProto
		return row, nil
	default:
		return nil, errors.Errorf("unknown instruction type %T", instruction)
	}
}

func eventRecord(flowId int64, timestamp int64, extraData json.RawMessage) goqu.Record {
	return goqu.Record{
		"flow_id":    flowId,
		"timestamp":  timestamp,
		"extra_data": jsonb(extraData),
	}
}

func nullable[T any](v *T) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func jsonb(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	return pgtype.JSONB{Bytes: raw, Status: pgtype.Present}
}

var errorClasses = map[string]string{
	pgerrcode.ConnectionException[:2]:              "connection_exception",
	pgerrcode.DataException[:2]:                    "data_exception",
	pgerrcode.IntegrityConstraintViolation[:2]:     "integrity_constraint_violation",
	pgerrcode.InvalidTransactionState[:2]:          "invalid_transaction_state",
	pgerrcode.TransactionRollback[:2]:              "transaction_rollback",
	pgerrcode.SyntaxErrorOrAccessRuleViolation[:2]: "syntax_error_or_access_rule_violation",
	pgerrcode.InsufficientResources[:2]:            "insufficient_resources",
	pgerrcode.ProgramLimitExceeded[:2]:             "program_limit_exceeded",
	pgerrcode.OperatorIntervention[:2]:             "operator_intervention",
	pgerrcode.SystemError[:2]:                      "system_error",
	pgerrcode.InternalError[:2]:                    "internal_error",
}

// ErrorClass names the postgres error class of err, e.g. "connection_exception", for use as a metric label.
func ErrorClass(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		if class, ok := errorClasses[pgErr.Code[:2]]; ok {
			return class
		}
		return pgErr.Code[:2]
	}
	if pgconn.Timeout(err) {
		return "timeout"
	}
	return "unknown"
}
