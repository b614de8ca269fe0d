package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "finagent.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestOpenRedis(t *testing.T) {
	t.Run("empty url", func(t *testing.T) {
		_, err := OpenRedis(context.Background(), "")
		assert.Error(t, err)
	})

	t.Run("live server", func(t *testing.T) {
		url := os.Getenv("FINAGENT_TEST_REDIS_URL")
		if url == "" {
			t.Skip("FINAGENT_TEST_REDIS_URL not set")
		}
		rdb, err := OpenRedis(context.Background(), url)
		require.NoError(t, err)
		assert.NoError(t, rdb.Close())
	})
}

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ValidateUserID("9876543210"))
	assert.NoError(t, ValidateUserID("user_42"))
	for _, bad := range []string{"", "  ", "a/b", `a\b`, "..", "a:b", "a\x00b"} {
		assert.Error(t, ValidateUserID(bad), bad)
	}
}
