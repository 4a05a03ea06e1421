package usecase

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/semmidev/ferry/internal/domain"
)

type BackupPruner interface {
	ListBackups(jobID string) ([]*domain.BackupInfo, error)
	DeleteBackup(ctx context.Context, backupID string) error
}

// Cleanup enforces the backup retention window locally and on every off-site target.
type Cleanup struct {
	backups       BackupPruner
	uploadTargets []UploadTarget
	logger        Logger
	retentionDays int
	now           func() time.Time
}

func NewCleanup(
	backups BackupPruner,
	uploadTargets []UploadTarget,
	logger Logger,
	retentionDays int,
) *Cleanup {
	return &Cleanup{
		backups:       backups,
		uploadTargets: uploadTargets,
		logger:        logger,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

func (uc *Cleanup) Execute(ctx context.Context) error {
	uc.logger.Infof("Starting cleanup, retention: %d days", uc.retentionDays)

	cutoff := uc.now().AddDate(0, 0, -uc.retentionDays)

	kept, err := uc.cleanupLocal(ctx, cutoff)
	if err != nil {
		return err
	}

	if len(uc.uploadTargets) > 0 {
		uc.cleanupTargets(ctx, cutoff, kept)
	}

	uc.logger.Infof("Cleanup completed")
	return nil
}

// cleanupLocal deletes expired backups, newest first so incremental backups
// go before the parents they depend on. It returns the ids still present.
func (uc *Cleanup) cleanupLocal(ctx context.Context, cutoff time.Time) (map[string]bool, error) {
	backups, err := uc.backups.ListBackups("")
	if err != nil {
		return nil, err
	}

	kept := make(map[string]bool, len(backups))
	var expired []*domain.BackupInfo
	for _, info := range backups {
		kept[info.BackupID] = true
		if info.CreatedAt.Before(cutoff) {
			expired = append(expired, info)
		}
	}
	sort.Slice(expired, func(i, k int) bool { return expired[i].CreatedAt.After(expired[k].CreatedAt) })

	deleted := 0
	for _, info := range expired {
		uc.logger.Infof("Deleting old backup: %s (%s)", info.BackupID, info.CreatedAt.Format(time.RFC3339))
		if err := uc.backups.DeleteBackup(ctx, info.BackupID); err != nil {
			uc.logger.Warnf("Keeping backup %s: %v", info.BackupID, err)
			continue
		}
		delete(kept, info.BackupID)
		deleted++
	}

	uc.logger.Infof("Deleted %d old backup(s) locally", deleted)
	return kept, nil
}

func (uc *Cleanup) cleanupTargets(ctx context.Context, cutoff time.Time, kept map[string]bool) {
	var wg sync.WaitGroup

	for _, target := range uc.uploadTargets {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()

			if err := uc.cleanupTarget(ctx, t, cutoff, kept); err != nil {
				uc.logger.Errorf("Cleanup failed for %s: %v", t.Name, err)
			}
		}(target)
	}

	wg.Wait()
}

// cleanupTarget removes old archives that no longer have a local backup record.
func (uc *Cleanup) cleanupTarget(ctx context.Context, target UploadTarget, cutoff time.Time, kept map[string]bool) error {
	files, err := target.Storage.GetOldFiles(ctx, cutoff)
	if err != nil {
		return err
	}

	deleted := 0
	for _, filename := range files {
		if !strings.HasSuffix(filename, ".zip") || kept[strings.TrimSuffix(filename, ".zip")] {
			continue
		}
		uc.logger.Infof("Deleting old backup from %s: %s", target.Name, filename)

		if err := target.Storage.Delete(ctx, filename); err != nil {
			uc.logger.Errorf("Failed to delete %s from %s: %v", filename, target.Name, err)
		} else {
			deleted++
		}
	}

	uc.logger.Infof("Deleted %d old backup(s) from %s", deleted, target.Name)
	return nil
}
