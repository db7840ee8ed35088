package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tootbot/tootbot/common"
)

const historyTable = "tootbot_history"

const createTableSQL = `CREATE TABLE IF NOT EXISTS ` + historyTable + ` (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	successes INTEGER NOT NULL,
	posted_at BIGINT NOT NULL
)`

// driver name -> goqu dialect
var sqlDialects = map[string]string{
	"sqlite3": "sqlite3",
	"mysql":   "mysql",
	"pgx":     "postgres",
}

// SQLStore keeps history in a single table of a SQLite, MySQL or Postgres database
type SQLStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	driver  string

	writeMu sync.Mutex
	count   atomic.Int64
	closed  atomic.Bool
}

// OpenSQL connects with database/sql and creates the history table if needed
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialectName, ok := sqlDialects[driver]
	if !ok {
		return nil, &common.ConfigError{Field: "history.sql_driver", Reason: "unsupported driver " + driver}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s history database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// One connection keeps the check-then-insert atomic for SQLite
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s history database: %w", driver, err)
	}

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}

	s := &SQLStore{db: db, dialect: goqu.Dialect(dialectName), driver: driver}

	countSQL, args, err := s.dialect.From(historyTable).Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		db.Close()
		return nil, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, countSQL, args...).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count history records: %w", err)
	}
	s.count.Store(n)

	return s, nil
}

func (s *SQLStore) scan(ctx context.Context, fn func(id string)) error {
	query, args, err := s.dialect.From(historyTable).Select("id", "successes").Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        string
			successes int
		)
		if err := rows.Scan(&id, &successes); err != nil {
			return &common.StoreCorruptError{Path: historyTable, Err: err}
		}
		if id == "" || successes < 0 {
			return &common.StoreCorruptError{Path: historyTable, Err: fmt.Errorf("invalid row id=%q successes=%d", id, successes)}
		}
		fn(id)
	}
	return rows.Err()
}

// Contains reports whether id has been recorded
func (s *SQLStore) Contains(ctx context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	query, args, err := s.dialect.From(historyTable).
		Select(goqu.COUNT("*")).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query history: %w", err)
	}
	return n > 0, nil
}

// Append inserts rec unless the ID is already present
func (s *SQLStore) Append(ctx context.Context, rec common.Record) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	postedAt := rec.PostedAt
	if postedAt.IsZero() {
		postedAt = time.Now()
	}

	query, args, err := s.dialect.Insert(historyTable).
		Rows(goqu.Record{
			"id":        rec.ID,
			"successes": rec.Successes,
			"posted_at": postedAt.Unix(),
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.count.Add(1)
	}
	return nil
}

// Len returns the number of recorded IDs
func (s *SQLStore) Len() int {
	return int(s.count.Load())
}

// Close closes the database handle
func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
