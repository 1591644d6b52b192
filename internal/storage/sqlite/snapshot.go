package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	snapshotPrefix = "zed-"
	snapshotSuffix = ".db"
	snapshotLayout = "20060102T150405.000Z"
)

// SnapshotInfo describes one snapshot file.
type SnapshotInfo struct {
	Path      string
	CreatedAt time.Time
	Size      int64
}

// Snapshot writes a consistent copy of the database to destPath with
// VACUUM INTO, which is safe under WAL, and verifies the copy. destPath must
// not exist.
func (s *Store) Snapshot(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("sqlite: snapshot target %s already exists", destPath)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("sqlite: snapshot failed: %w", err)
	}
	if err := VerifySnapshot(destPath); err != nil {
		_ = os.Remove(destPath)
		return err
	}
	return nil
}

// SnapshotToDir writes a timestamped snapshot into dir, then prunes all but
// the keep newest snapshots there (keep <= 0 keeps everything).
func (s *Store) SnapshotToDir(ctx context.Context, dir string, keep int, now time.Time) (*SnapshotInfo, int, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, 0, fmt.Errorf("sqlite: failed to create snapshot directory: %w", err)
	}

	created := now.UTC()
	path := filepath.Join(dir, snapshotPrefix+created.Format(snapshotLayout)+snapshotSuffix)
	if err := s.Snapshot(ctx, path); err != nil {
		return nil, 0, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: %w", err)
	}
	info := &SnapshotInfo{Path: path, CreatedAt: created, Size: fi.Size()}

	removed, err := PruneSnapshots(dir, keep)
	if err != nil {
		s.logger.Warn("snapshot pruning failed", "dir", dir, "error", err)
	}
	return info, removed, nil
}

// VerifySnapshot runs PRAGMA integrity_check on the file at path.
func VerifySnapshot(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("sqlite: failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: snapshot integrity check failed: %s", result)
	}
	return nil
}

// ListSnapshots returns the snapshots in dir, newest first. Files whose names
// do not follow the snapshot naming scheme are ignored.
func ListSnapshots(dir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read snapshot directory: %w", err)
	}

	var snapshots []SnapshotInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
		created, err := time.Parse(snapshotLayout, stamp)
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, SnapshotInfo{
			Path:      filepath.Join(dir, name),
			CreatedAt: created,
			Size:      fi.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// PruneSnapshots deletes all but the keep newest snapshots in dir and
// returns how many were removed. Deletion continues past individual
// failures; the last one is returned.
func PruneSnapshots(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	snapshots, err := ListSnapshots(dir)
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= keep {
		return 0, nil
	}

	var (
		removed int
		lastErr error
	)
	for _, snap := range snapshots[keep:] {
		if err := os.Remove(snap.Path); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	if lastErr != nil {
		return removed, fmt.Errorf("sqlite: failed to delete some snapshots: %w", lastErr)
	}
	return removed, nil
}
