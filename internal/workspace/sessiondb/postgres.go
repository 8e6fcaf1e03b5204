package sessiondb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/kosuke/kosuke/internal/common/logger"
)

// PostgresService implements Service with one schema per session on a
// shared Postgres server, connected through the pgx driver.
type PostgresService struct {
	db     *sqlx.DB
	dsn    string
	opts   Options
	logger *logger.Logger
}

// NewPostgresService connects to the server at dsn. Session databases are
// materialized as schemas named session_<id>.
func NewPostgresService(dsn string, opts Options, log *logger.Logger) (*PostgresService, error) {
	opts.normalize()

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresService{
		db:     db,
		dsn:    dsn,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "sessiondb-postgres")),
	}, nil
}

// SchemaName returns the Postgres schema for a session.
func SchemaName(sessionID string) string {
	// Session IDs may contain hyphens; schema identifiers may not.
	return "session_" + strings.ReplaceAll(sessionID, "-", "_")
}

// GetOrCreate creates the session's schema if it does not exist.
func (s *PostgresService) GetOrCreate(ctx context.Context, sessionID string) (*Handle, error) {
	schema := SchemaName(sessionID)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		return nil, queryErr(err)
	}

	dsn := s.dsn
	if strings.Contains(dsn, "?") {
		dsn += "&search_path=" + schema
	} else {
		dsn += "?search_path=" + schema
	}

	return &Handle{
		SessionID: sessionID,
		Driver:    "postgres",
		DSN:       dsn,
	}, nil
}

// GetSchema introspects the session's schema via information_schema.
func (s *PostgresService) GetSchema(ctx context.Context, sessionID string) (*Schema, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`,
		SchemaName(sessionID))
	if err != nil {
		return nil, queryErr(err)
	}
	defer rows.Close()

	schema := &Schema{Tables: []Table{}}
	byName := make(map[string]int)
	for rows.Next() {
		var tableName, colName, dataType, nullable string
		if err := rows.Scan(&tableName, &colName, &dataType, &nullable); err != nil {
			return nil, queryErr(err)
		}
		i, ok := byName[tableName]
		if !ok {
			i = len(schema.Tables)
			byName[tableName] = i
			schema.Tables = append(schema.Tables, Table{Name: tableName})
		}
		schema.Tables[i].Columns = append(schema.Tables[i].Columns, Column{
			Name:     colName,
			Type:     dataType,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(err)
	}
	return schema, nil
}

// RunQuery executes a single statement inside a transaction scoped to the
// session's schema. SET LOCAL keeps the search_path change confined to the
// transaction, and rollback-on-error keeps the pool healthy.
func (s *PostgresService) RunQuery(ctx context.Context, sessionID, query string) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, queryErr(err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL search_path TO %q`, SchemaName(sessionID))); err != nil {
		_ = tx.Rollback()
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

// Drop discards the session's schema and everything in it.
func (s *PostgresService) Drop(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, SchemaName(sessionID))); err != nil {
		return queryErr(err)
	}
	s.logger.Info("dropped session schema", zap.String("session_id", sessionID))
	return nil
}

// Close closes the connection pool.
func (s *PostgresService) Close() error {
	return s.db.Close()
}
