package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const backupPrefix = "dedup-"

// Backup snapshots the store, uploads it and prunes all but the newest keep snapshots
func Backup(ctx context.Context, store *SQLiteStore, archive ArchiveInterface, keep int) (string, error) {
	tmp, err := os.MkdirTemp("", "dedup-backup-")
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, "snapshot.db")
	if err := store.Snapshot(ctx, snapshot); err != nil {
		return "", err
	}

	data, err := os.ReadFile(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot: %w", err)
	}

	name := backupPrefix + store.now().UTC().Format("20060102T150405Z") + ".db"
	if err := archive.Store(ctx, name, data); err != nil {
		return "", err
	}

	if keep > 0 {
		if err := prune(ctx, archive, keep); err != nil {
			logrus.Warnf("Failed to prune old backups: %v", err)
		}
	}
	return name, nil
}

// RestoreLatest downloads the newest snapshot to dest. It returns false when
// the archive holds no snapshot.
func RestoreLatest(ctx context.Context, archive ArchiveInterface, dest string) (bool, error) {
	names, err := backups(ctx, archive)
	if err != nil {
		return false, err
	}
	if len(names) == 0 {
		return false, nil
	}

	latest := names[len(names)-1]
	data, err := archive.Retrieve(ctx, latest)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), DefaultDirPermissions); err != nil {
		return false, fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write restored database: %w", err)
	}

	logrus.Infof("Restored dedup store from %s", latest)
	return true, nil
}

// backups lists snapshot names oldest first; the timestamp suffix sorts lexically
func backups(ctx context.Context, archive ArchiveInterface) ([]string, error) {
	all, err := archive.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range all {
		if strings.HasPrefix(name, backupPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func prune(ctx context.Context, archive ArchiveInterface, keep int) error {
	names, err := backups(ctx, archive)
	if err != nil {
		return err
	}
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := archive.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
