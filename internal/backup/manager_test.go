package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vegasmandawg/sonia-core/internal/store"
)

func openTestManager(t *testing.T, opts ...Option) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sonia.db")
	db, err := store.Open(context.Background(), dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backupDir := filepath.Join(dir, "backups")
	m, err := New(db.Conn, dbPath, backupDir, opts...)
	require.NoError(t, err)
	return m, dbPath
}

func TestCreateBackupProducesVerifiableManifest(t *testing.T) {
	m, dbPath := openTestManager(t)
	ctx := context.Background()

	manifest, err := m.CreateBackup(ctx, "nightly")
	require.NoError(t, err)
	require.Equal(t, dbPath, manifest.SourcePath)
	require.False(t, manifest.Encrypted)
	require.NotEmpty(t, manifest.SHA256)
	require.Greater(t, manifest.SizeBytes, int64(0))

	result, err := m.VerifyBackup(ctx, manifest.BackupID)
	require.NoError(t, err)
	require.True(t, result.Verified, "errors: %v", result.Errors)
}

func TestCreateBackupEncryptsWhenKeyConfigured(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	m, _ := openTestManager(t, WithEncryptionKey(key))
	ctx := context.Background()

	manifest, err := m.CreateBackup(ctx, "")
	require.NoError(t, err)
	require.True(t, manifest.Encrypted)
	require.Contains(t, manifest.BackupPath, ".enc")

	result, err := m.VerifyBackup(ctx, manifest.BackupID)
	require.NoError(t, err)
	require.True(t, result.Verified, "errors: %v", result.Errors)
}

func TestVerifyBackupFailsWithoutKeyWhenEncrypted(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sonia.db")
	db, err := store.Open(context.Background(), dbPath, nil)
	require.NoError(t, err)
	defer db.Close()
	backupDir := filepath.Join(dir, "backups")

	encrypted, err := New(db.Conn, dbPath, backupDir, WithEncryptionKey(key))
	require.NoError(t, err)
	manifest, err := encrypted.CreateBackup(context.Background(), "")
	require.NoError(t, err)

	plain, err := New(db.Conn, dbPath, backupDir)
	require.NoError(t, err)
	result, err := plain.VerifyBackup(context.Background(), manifest.BackupID)
	require.NoError(t, err)
	require.False(t, result.Verified)
	require.Contains(t, result.Errors[0], "no decryption key")
}

func TestRestoreDryRunDoesNotTouchTarget(t *testing.T) {
	m, dbPath := openTestManager(t)
	ctx := context.Background()

	manifest, err := m.CreateBackup(ctx, "")
	require.NoError(t, err)

	before, err := os.ReadFile(dbPath)
	require.NoError(t, err)

	result, err := m.Restore(ctx, manifest.BackupID, dbPath, true)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, result.DryRun)

	after, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(before, after))
}

func TestRestoreLiveReplacesTargetAndKeepsPreRestoreCopy(t *testing.T) {
	m, dbPath := openTestManager(t)
	ctx := context.Background()

	manifest, err := m.CreateBackup(ctx, "")
	require.NoError(t, err)

	target := filepath.Join(filepath.Dir(dbPath), "restored.db")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o600))
	result, err := m.Restore(ctx, manifest.BackupID, target, false)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	require.FileExists(t, target)

	preRestore, err := os.ReadFile(target + ".pre-restore")
	require.NoError(t, err)
	require.Equal(t, []byte("old"), preRestore)
}

func TestListBackupsNewestFirst(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()

	first, err := m.CreateBackup(ctx, "a")
	require.NoError(t, err)
	// Backup timestamps have one-second resolution.
	time.Sleep(1100 * time.Millisecond)
	second, err := m.CreateBackup(ctx, "b")
	require.NoError(t, err)

	list, err := m.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Greater(t, list[0].Timestamp, list[1].Timestamp)
	require.Equal(t, second.BackupID, list[0].BackupID)
	require.Equal(t, first.BackupID, list[1].BackupID)
}

func TestEnforceRetentionPrunesOldest(t *testing.T) {
	m, err := func() (*Manager, error) {
		dir := t.TempDir()
		dbPath := filepath.Join(dir, "sonia.db")
		db, err := store.Open(context.Background(), dbPath, nil)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return New(db.Conn, dbPath, filepath.Join(dir, "backups"), WithMaxBackups(2))
	}()
	require.NoError(t, err)
	ctx := context.Background()

	// Distinct labels keep backup ids unique when several backups land in
	// the same second.
	for i := 0; i < 4; i++ {
		_, err := m.CreateBackup(ctx, fmt.Sprintf("r%d", i))
		require.NoError(t, err)
	}

	result, err := m.EnforceRetention(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Pruned)
	require.Equal(t, 2, result.Retained)

	list, err := m.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 2)
}
