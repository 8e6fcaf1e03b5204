// Package sessiondb provisions and queries the isolated database each chat
// session's preview app talks to. Session databases are disposable: their
// lifecycle tracks the session, never the project's main database.
package sessiondb

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueryFailed is returned when a statement fails to execute. The
	// wrapped cause carries the driver message.
	ErrQueryFailed = errors.New("session database query failed")

	// ErrDatabaseNotFound is returned when a session has no provisioned
	// database yet for an operation that requires one.
	ErrDatabaseNotFound = errors.New("session database not found")
)

// Handle identifies a provisioned session database. DSN is the connection
// string as reachable from this process. File is the host path of the
// database file for file-backed drivers, empty for server-backed ones;
// callers that hand the database to a container must mount the file's
// directory and rewrite the DSN to the in-container path.
type Handle struct {
	SessionID string `json:"session_id"`
	Driver    string `json:"driver"`
	DSN       string `json:"dsn"`
	File      string `json:"-"`
}

// Column describes one column of a session database table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Table describes one table of a session database.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is the introspected shape of a session database. A database with
// no tables yields an empty schema, not an error.
type Schema struct {
	Tables []Table `json:"tables"`
}

// QueryResult is the outcome of a single statement.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	ElapsedMs int64    `json:"elapsed_ms"`
	Truncated bool     `json:"truncated"`
}

// Options bounds statement execution.
type Options struct {
	// QueryTimeout bounds a single statement.
	QueryTimeout time.Duration

	// MaxRows caps the rows returned; excess rows are dropped and the
	// result marked truncated.
	MaxRows int
}

func (o *Options) normalize() {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 10 * time.Second
	}
	if o.MaxRows <= 0 {
		o.MaxRows = 1000
	}
}

// Service provisions and queries per-session databases.
type Service interface {
	// GetOrCreate provisions the session's database on first call and is
	// idempotent afterward.
	GetOrCreate(ctx context.Context, sessionID string) (*Handle, error)

	// GetSchema introspects tables, columns, and types.
	GetSchema(ctx context.Context, sessionID string) (*Schema, error)

	// RunQuery executes a single statement with a bounded timeout and row
	// cap. Reads and writes are both permitted; a failing statement never
	// leaves the session's connections in a broken state.
	RunQuery(ctx context.Context, sessionID, query string) (*QueryResult, error)

	// Drop discards the session's database. Called when the session is
	// archived.
	Drop(ctx context.Context, sessionID string) error

	// Close releases all connections.
	Close() error
}

func queryErr(err error) error {
	return fmt.Errorf("%w: %v", ErrQueryFailed, err)
}
