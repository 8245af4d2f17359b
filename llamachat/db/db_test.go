package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")

	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"chat_sessions", "conversation_turns"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestTurnsTableHasNoCascade(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer db.Close()

	var ddl string
	require.NoError(t, db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='conversation_turns'").Scan(&ddl))
	assert.Contains(t, ddl, "REFERENCES chat_sessions(session_id)")
	assert.NotContains(t, ddl, "CASCADE")
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, Migrate(context.Background(), db))
}

func TestConnectRejectsEmptyPath(t *testing.T) {
	_, err := ConnectToDB("")
	assert.Error(t, err)
}
