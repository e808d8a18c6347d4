package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/deviceguard/server/internal/models"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDB_RunTxConflicts(t *testing.T) {
	ctx := context.Background()
	insertUser := func(tx *sql.Tx, userID string) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO allow_list_versions (user_id) VALUES ($1)`, userID)
		return err
	}

	t.Run("surfaces store conflict after bounded retries", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conflict.db")
		holder, err := NewSQLiteDB(path)
		require.NoError(t, err)
		defer holder.Close()

		// Deferred transactions with a short busy timeout fail on the first write
		contender, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=20")
		require.NoError(t, err)
		defer contender.Close()
		contender.SetMaxOpenConns(1)

		lock, err := holder.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer lock.Rollback()
		_, err = lock.ExecContext(ctx, `INSERT INTO allow_list_versions (user_id) VALUES ($1)`, "holder")
		require.NoError(t, err)

		db := NewDB(contender, DialectSQLite, 3, PolicyDefaults{})
		attempts := 0
		err = db.runTx(ctx, "INSERT", "allow_list_versions", func(tx *sql.Tx) error {
			attempts++
			return insertUser(tx, "alice")
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrStoreConflict))
		assert.Equal(t, 3, attempts)
	})

	t.Run("retries a transient conflict transparently", func(t *testing.T) {
		db := setupTestDB(t)
		attempts := 0
		err := db.runTx(ctx, "INSERT", "allow_list_versions", func(tx *sql.Tx) error {
			attempts++
			if attempts == 1 {
				return sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
			}
			return insertUser(tx, "alice")
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)

		versions, err := NewAllowListRepository(db).ListVersions(ctx)
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, "alice", versions[0].UserID)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		db := setupTestDB(t)
		attempts := 0
		boom := errors.New("boom")
		err := db.runTx(ctx, "INSERT", "allow_list_versions", func(tx *sql.Tx) error {
			attempts++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, errors.Is(err, models.ErrStoreConflict))
		assert.Equal(t, 1, attempts)
	})
}
