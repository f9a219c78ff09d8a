package backup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

const aes256KeySize = 32

const defaultMaxBackups = 7

// Manager creates, verifies, restores, and prunes hot backups of a single
// SQLite-backed store.
type Manager struct {
	db         *sql.DB
	dbPath     string
	backupDir  string
	maxBackups int
	key        []byte
	logger     telemetry.Logger
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMaxBackups overrides the default retention of 7 backups.
func WithMaxBackups(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBackups = n
		}
	}
}

// WithEncryptionKey enables AES-256-GCM encryption of backup files. key must
// be exactly 32 bytes; a wrong-length key is rejected at New rather than
// silently degrading coverage.
func WithEncryptionKey(key []byte) Option {
	return func(m *Manager) { m.key = key }
}

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New constructs a Manager over the live connection db (opened against
// dbPath), storing backups under backupDir.
func New(db *sql.DB, dbPath, backupDir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	m := &Manager{
		db:         db,
		dbPath:     dbPath,
		backupDir:  backupDir,
		maxBackups: defaultMaxBackups,
		logger:     telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.key != nil && len(m.key) != aes256KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", aes256KeySize, len(m.key))
	}
	return m, nil
}

// CreateBackup takes an online snapshot of the live database via VACUUM
// INTO — SQLite's online-copy mechanism, equivalent in effect to the
// connection-to-connection backup API used elsewhere, without requiring an
// exclusive lock on the source for the duration of the copy. Encryption is
// best-effort: with no key configured, or on encryption failure, the backup
// is left unencrypted and a warning is logged, never failing the backup.
func (m *Manager) CreateBackup(ctx context.Context, label string) (Manifest, error) {
	now := time.Now()
	timestamp := utcTimestamp(now)
	backupID := fmt.Sprintf("memory-%s", timestamp)
	if label != "" {
		backupID = fmt.Sprintf("%s-%s", backupID, label)
	}
	backupPath := filepath.Join(m.backupDir, backupID+".db")

	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, backupPath); err != nil {
		_ = os.Remove(backupPath)
		return Manifest{}, fmt.Errorf("vacuum into backup: %w", err)
	}

	walMode := m.checkWALMode(ctx)

	encrypted := false
	if m.key != nil {
		encPath, err := encryptFile(backupPath, m.key)
		if err != nil {
			m.logger.Warn(ctx, "backup encryption failed, keeping unencrypted backup", "backup_id", backupID, "error", err.Error())
		} else {
			backupPath = encPath
			encrypted = true
		}
	}

	sha, size, err := hashAndSize(backupPath)
	if err != nil {
		return Manifest{}, fmt.Errorf("checksum backup: %w", err)
	}

	manifest := Manifest{
		BackupID:   backupID,
		Timestamp:  timestamp,
		SourcePath: m.dbPath,
		BackupPath: backupPath,
		SHA256:     sha,
		SizeBytes:  size,
		Label:      label,
		Encrypted:  encrypted,
		WALMode:    walMode,
	}
	if err := m.writeManifest(manifest); err != nil {
		return Manifest{}, err
	}

	m.logger.Info(ctx, "backup created", "backup_id", backupID, "size_bytes", size, "encrypted", encrypted, "wal_mode", walMode)
	return manifest, nil
}

// VerifyBackup recomputes size and checksum against the manifest, then
// opens the (decrypted) file read-only to confirm it is an intact SQLite
// database.
func (m *Manager) VerifyBackup(ctx context.Context, backupID string) (VerifyResult, error) {
	manifest, err := m.readManifest(backupID)
	if err != nil {
		return VerifyResult{BackupID: backupID, Verified: false, Errors: []string{err.Error()}}, nil
	}

	var errs []string
	info, err := os.Stat(manifest.BackupPath)
	if err != nil {
		return VerifyResult{
			BackupID: backupID, Verified: false, Manifest: manifest,
			Errors: []string{"backup file not found"},
		}, nil
	}

	if info.Size() != manifest.SizeBytes {
		errs = append(errs, fmt.Sprintf("size mismatch: expected %d, got %d", manifest.SizeBytes, info.Size()))
	}
	actualSHA, _, err := hashAndSize(manifest.BackupPath)
	if err != nil {
		errs = append(errs, fmt.Sprintf("checksum read failed: %v", err))
	} else if actualSHA != manifest.SHA256 {
		errs = append(errs, fmt.Sprintf("sha256 mismatch: expected %s, got %s", manifest.SHA256, actualSHA))
	}

	checkPath := manifest.BackupPath
	if manifest.Encrypted {
		tmp := filepath.Join(m.backupDir, backupID+".verify.tmp")
		defer os.Remove(tmp)
		if m.key == nil {
			errs = append(errs, "backup is encrypted but no decryption key configured")
		} else if err := decryptFile(manifest.BackupPath, tmp, m.key); err != nil {
			errs = append(errs, fmt.Sprintf("decryption failed: %v", err))
		} else {
			checkPath = tmp
		}
	}
	if len(errs) == 0 || (manifest.Encrypted && checkPath != manifest.BackupPath) {
		if err := verifySQLite(ctx, checkPath); err != nil {
			errs = append(errs, fmt.Sprintf("not a valid database: %v", err))
		}
	}

	result := VerifyResult{
		BackupID:     backupID,
		Verified:     len(errs) == 0,
		ChecksPassed: 4 - len(errs),
		ChecksTotal:  4,
		Errors:       errs,
		Manifest:     manifest,
	}
	m.logger.Info(ctx, "backup verification", "backup_id", backupID, "verified", result.Verified)
	return result, nil
}

// Restore verifies a backup, then (unless dryRun) replaces targetPath with
// the restored database, moving any existing file aside as ".pre-restore".
func (m *Manager) Restore(ctx context.Context, backupID, targetPath string, dryRun bool) (RestoreResult, error) {
	if targetPath == "" {
		targetPath = m.dbPath
	}

	verification, err := m.VerifyBackup(ctx, backupID)
	if err != nil {
		return RestoreResult{}, err
	}
	if !verification.Verified {
		return RestoreResult{BackupID: backupID, Success: false, DryRun: dryRun, Error: "backup verification failed"}, nil
	}
	if dryRun {
		return RestoreResult{BackupID: backupID, Success: true, DryRun: true, TargetPath: targetPath}, nil
	}

	manifest := verification.Manifest
	restoreSource := manifest.BackupPath
	if manifest.Encrypted {
		if m.key == nil {
			return RestoreResult{BackupID: backupID, Success: false, Error: "backup is encrypted but no decryption key configured"}, nil
		}
		tmp := filepath.Join(m.backupDir, backupID+".restore.tmp")
		if err := decryptFile(manifest.BackupPath, tmp, m.key); err != nil {
			return RestoreResult{BackupID: backupID, Success: false, Error: fmt.Sprintf("decryption failed: %v", err)}, nil
		}
		defer os.Remove(tmp)
		restoreSource = tmp
	}

	if _, err := os.Stat(targetPath); err == nil {
		if err := copyFile(targetPath, targetPath+".pre-restore"); err != nil {
			return RestoreResult{BackupID: backupID, Success: false, Error: fmt.Sprintf("pre-restore backup failed: %v", err)}, nil
		}
	}

	if err := copyFile(restoreSource, targetPath); err != nil {
		return RestoreResult{BackupID: backupID, Success: false, Error: fmt.Sprintf("restore copy failed: %v", err)}, nil
	}

	walMode := m.checkPathWALMode(ctx, targetPath)
	m.logger.Info(ctx, "restore completed", "backup_id", backupID, "target_path", targetPath)
	return RestoreResult{
		BackupID: backupID, Success: true, TargetPath: targetPath,
		WALMode: walMode, ManifestWALMode: manifest.WALMode, WALModeMatch: walMode == manifest.WALMode,
	}, nil
}

// ListBackups returns every manifest under backupDir, newest first.
func (m *Manager) ListBackups() ([]Manifest, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var manifests []Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".manifest.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.backupDir, e.Name()))
		if err != nil {
			m.logger.Warn(context.Background(), "failed to read manifest", "file", e.Name(), "error", err.Error())
			continue
		}
		var man Manifest
		if err := json.Unmarshal(raw, &man); err != nil {
			m.logger.Warn(context.Background(), "failed to parse manifest", "file", e.Name(), "error", err.Error())
			continue
		}
		manifests = append(manifests, man)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Timestamp > manifests[j].Timestamp })
	return manifests, nil
}

// EnforceRetention deletes the oldest backups beyond maxBackups, removing
// both the backup file and its manifest together.
func (m *Manager) EnforceRetention(ctx context.Context) (RetentionResult, error) {
	manifests, err := m.ListBackups()
	if err != nil {
		return RetentionResult{}, err
	}
	if len(manifests) <= m.maxBackups {
		return RetentionResult{Retained: len(manifests), MaxBackups: m.maxBackups}, nil
	}

	toPrune := manifests[m.maxBackups:]
	pruned := 0
	for _, man := range toPrune {
		if err := os.Remove(man.BackupPath); err != nil && !os.IsNotExist(err) {
			m.logger.Error(ctx, "failed to prune backup file", "backup_id", man.BackupID, "error", err.Error())
			continue
		}
		manifestPath := filepath.Join(m.backupDir, man.BackupID+".manifest.json")
		if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
			m.logger.Error(ctx, "failed to prune backup manifest", "backup_id", man.BackupID, "error", err.Error())
			continue
		}
		pruned++
	}
	m.logger.Info(ctx, "retention enforced", "pruned", pruned, "retained", len(manifests)-pruned)
	return RetentionResult{Pruned: pruned, Retained: len(manifests) - pruned, MaxBackups: m.maxBackups}, nil
}

func (m *Manager) writeManifest(man Manifest) error {
	path := filepath.Join(m.backupDir, man.BackupID+".manifest.json")
	raw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

func (m *Manager) readManifest(backupID string) (Manifest, error) {
	path := filepath.Join(m.backupDir, backupID+".manifest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest not found")
	}
	var man Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return man, nil
}

func (m *Manager) checkWALMode(ctx context.Context) bool {
	var mode string
	if err := m.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		m.logger.Warn(ctx, "failed to check wal mode", "error", err.Error())
		return false
	}
	return strings.EqualFold(mode, "wal")
}

func (m *Manager) checkPathWALMode(ctx context.Context, path string) bool {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return false
	}
	defer conn.Close()
	var mode string
	if err := conn.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		return false
	}
	return strings.EqualFold(mode, "wal")
}

func verifySQLite(ctx context.Context, path string) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer conn.Close()
	var count int
	return conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&count)
}

func hashAndSize(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
