package sessiondb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kosuke/kosuke/internal/common/logger"
)

// SQLiteService implements Service with one database file per session.
type SQLiteService struct {
	basePath string
	opts     Options
	logger   *logger.Logger

	mu  sync.Mutex
	dbs map[string]*sqlx.DB // sessionID -> open handle
}

// NewSQLiteService creates a file-per-session database service rooted at
// basePath.
func NewSQLiteService(basePath string, opts Options, log *logger.Logger) (*SQLiteService, error) {
	opts.normalize()
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create session db directory: %w", err)
	}
	return &SQLiteService{
		basePath: basePath,
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "sessiondb-sqlite")),
		dbs:      make(map[string]*sqlx.DB),
	}, nil
}

// Dir returns the per-session directory holding the database file and its
// WAL side files. One directory per session keeps a container mount from
// exposing other sessions' data.
func (s *SQLiteService) Dir(sessionID string) string {
	return filepath.Join(s.basePath, sessionID)
}

// Path returns the database file path for a session.
func (s *SQLiteService) Path(sessionID string) string {
	return filepath.Join(s.Dir(sessionID), "data.db")
}

// GetOrCreate provisions the session database file on first call.
func (s *SQLiteService) GetOrCreate(ctx context.Context, sessionID string) (*Handle, error) {
	if _, err := s.open(sessionID); err != nil {
		return nil, err
	}
	return &Handle{
		SessionID: sessionID,
		Driver:    "sqlite",
		DSN:       "file:" + s.Path(sessionID),
		File:      s.Path(sessionID),
	}, nil
}

// GetSchema introspects the session database via sqlite_master and
// PRAGMA table_info.
func (s *SQLiteService) GetSchema(ctx context.Context, sessionID string) (*Schema, error) {
	db, err := s.open(sessionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, queryErr(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, queryErr(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(err)
	}

	schema := &Schema{Tables: make([]Table, 0, len(names))}
	for _, name := range names {
		table := Table{Name: name}
		colRows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, name))
		if err != nil {
			return nil, queryErr(err)
		}
		for colRows.Next() {
			var (
				cid     int
				colName string
				colType string
				notNull int
				dflt    sql.NullString
				pk      int
			)
			if err := colRows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
				colRows.Close()
				return nil, queryErr(err)
			}
			table.Columns = append(table.Columns, Column{
				Name:     colName,
				Type:     colType,
				Nullable: notNull == 0,
			})
		}
		if err := colRows.Err(); err != nil {
			colRows.Close()
			return nil, queryErr(err)
		}
		colRows.Close()
		schema.Tables = append(schema.Tables, table)
	}

	return schema, nil
}

// RunQuery executes a single statement inside a rollback-on-error
// transaction so a failing statement cannot poison the pool.
func (s *SQLiteService) RunQuery(ctx context.Context, sessionID, query string) (*QueryResult, error) {
	db, err := s.open(sessionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, queryErr(err)
	}

	start := time.Now()
	result, err := collectRows(ctx, tx, query, s.opts.MaxRows)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, queryErr(err)
	}
	result.ElapsedMs = time.Since(start).Milliseconds()

	s.logger.Debug("executed session query",
		zap.String("session_id", sessionID),
		zap.Int("rows", result.RowCount),
		zap.Int64("elapsed_ms", result.ElapsedMs))

	return result, nil
}

// Drop closes and deletes the session's database file.
func (s *SQLiteService) Drop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if db, ok := s.dbs[sessionID]; ok {
		_ = db.Close()
		delete(s.dbs, sessionID)
	}
	s.mu.Unlock()

	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return fmt.Errorf("remove session database: %w", err)
	}
	s.logger.Info("dropped session database", zap.String("session_id", sessionID))
	return nil
}

// Close closes every open session database handle.
func (s *SQLiteService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, id)
	}
	return firstErr
}

func (s *SQLiteService) open(sessionID string) (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[sessionID]; ok {
		return db, nil
	}

	if err := os.MkdirAll(s.Dir(sessionID), 0o755); err != nil {
		return nil, fmt.Errorf("create session db directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", s.Path(sessionID))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	// A session's preview app is the primary writer; keep our own pool at a
	// single connection to stay out of its way.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s.dbs[sessionID] = db
	return db, nil
}

// queryer abstracts *sql.Tx for row collection shared with the postgres
// backend's transaction type.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func collectRows(ctx context.Context, q queryer, query string, maxRows int) (*QueryResult, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, queryErr(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, queryErr(err)
	}

	result := &QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if result.RowCount >= maxRows {
			result.Truncated = true
			break
		}
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, queryErr(err)
		}
		for i, v := range raw {
			if b, ok := v.([]byte); ok {
				raw[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, raw)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(err)
	}
	return result, nil
}
