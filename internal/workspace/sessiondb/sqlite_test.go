package sessiondb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosuke/kosuke/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestService(t *testing.T) *SQLiteService {
	t.Helper()
	svc, err := NewSQLiteService(t.TempDir(), Options{
		QueryTimeout: 5 * time.Second,
		MaxRows:      100,
	}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", first.SessionID)
	assert.Equal(t, "sqlite", first.Driver)
	assert.NotEmpty(t, first.DSN)

	second, err := svc.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.DSN, second.DSN)
}

func TestGetOrCreate_SessionsAreIsolated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	_, err = svc.GetOrCreate(ctx, "sess-2")
	require.NoError(t, err)

	_, err = svc.RunQuery(ctx, "sess-1", `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = svc.RunQuery(ctx, "sess-1", `INSERT INTO users (name) VALUES ('alice')`)
	require.NoError(t, err)

	// The other session sees neither the table nor the row.
	schema, err := svc.GetSchema(ctx, "sess-2")
	require.NoError(t, err)
	assert.Empty(t, schema.Tables)

	_, err = svc.RunQuery(ctx, "sess-2", `SELECT * FROM users`)
	require.ErrorIs(t, err, ErrQueryFailed)
}

func TestRunQuery_ReadAndWrite(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RunQuery(ctx, "sess-1", `CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)`)
	require.NoError(t, err)
	_, err = svc.RunQuery(ctx, "sess-1", `INSERT INTO items (label) VALUES ('a'), ('b')`)
	require.NoError(t, err)

	res, err := svc.RunQuery(ctx, "sess-1", `SELECT id, label FROM items ORDER BY id`)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "label"}, res.Columns)
	assert.Equal(t, 2, res.RowCount)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "a", res.Rows[0][1])
	assert.False(t, res.Truncated)
}

func TestRunQuery_FailureDoesNotPoisonConnection(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RunQuery(ctx, "sess-1", `SELECT * FROM does_not_exist`)
	require.ErrorIs(t, err, ErrQueryFailed)

	// The next statement on the same session must succeed.
	_, err = svc.RunQuery(ctx, "sess-1", `CREATE TABLE t (id INTEGER)`)
	require.NoError(t, err)
}

func TestRunQuery_Truncation(t *testing.T) {
	svc, err := NewSQLiteService(t.TempDir(), Options{
		QueryTimeout: 5 * time.Second,
		MaxRows:      3,
	}, newTestLogger())
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	_, err = svc.RunQuery(ctx, "sess-1", `CREATE TABLE n (v INTEGER)`)
	require.NoError(t, err)
	_, err = svc.RunQuery(ctx, "sess-1", `INSERT INTO n (v) VALUES (1), (2), (3), (4), (5)`)
	require.NoError(t, err)

	res, err := svc.RunQuery(ctx, "sess-1", `SELECT v FROM n`)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowCount)
	assert.True(t, res.Truncated)
}

func TestGetSchema(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RunQuery(ctx, "sess-1",
		`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL, bio TEXT)`)
	require.NoError(t, err)

	schema, err := svc.GetSchema(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, schema.Tables, 1)

	table := schema.Tables[0]
	assert.Equal(t, "users", table.Name)
	require.Len(t, table.Columns, 3)

	byName := map[string]Column{}
	for _, c := range table.Columns {
		byName[c.Name] = c
	}
	assert.False(t, byName["email"].Nullable)
	assert.True(t, byName["bio"].Nullable)
	assert.Equal(t, "TEXT", byName["email"].Type)
}

func TestGetSchema_EmptyDatabase(t *testing.T) {
	svc := newTestService(t)

	schema, err := svc.GetSchema(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Empty(t, schema.Tables)
}

func TestDrop(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RunQuery(ctx, "sess-1", `CREATE TABLE t (id INTEGER)`)
	require.NoError(t, err)
	path := svc.Path("sess-1")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, svc.Drop(ctx, "sess-1"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Dropping a missing database is a no-op.
	require.NoError(t, svc.Drop(ctx, "sess-1"))

	// A new database for the same session starts empty.
	schema, err := svc.GetSchema(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, schema.Tables)
}
