package backup

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/oracle/internal/store"
)

func TestScheduler_RunNowWritesBackupFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "oracle.db")
	db, err := store.Connect(dbPath)
	require.NoError(t, err)

	backupDir := filepath.Join(dir, "backups")
	s := NewScheduler(db, backupDir, 5, DefaultSpec, zerolog.New(io.Discard))

	path, err := s.RunNow()
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestScheduler_RunNowPrunesOldBackups(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "oracle.db")
	db, err := store.Connect(dbPath)
	require.NoError(t, err)

	backupDir := filepath.Join(dir, "backups")
	s := NewScheduler(db, backupDir, 2, DefaultSpec, zerolog.New(io.Discard))

	for i := 0; i < 4; i++ {
		_, err := s.RunNow()
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 2)
}
