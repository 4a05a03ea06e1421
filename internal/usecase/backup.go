package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/semmidev/ferry/internal/domain"
)

var ErrBackupNotFound = errors.New("backup not found")

// Files inside every backup archive.
const (
	sourceConfigFile      = "source_config.json"
	destinationConfigFile = "destination_config.json"
	jobDataFile           = "job_data.json"
	metadataFile          = "metadata.json"
	logsDir               = "logs"
)

type BackupRepository interface {
	ArchivePath(backupID string) string
	SaveBackupInfo(info *domain.BackupInfo) error
	LoadBackupInfo(id string) (*domain.BackupInfo, error)
	ListBackupInfos() ([]*domain.BackupInfo, error)
	DeleteBackup(id string) error
	JobLogs(jobID string) ([]string, error)
	LogDir() string

	LoadBatchJob(id string) (*domain.BatchJob, error)
	SaveBatchJob(job *domain.BatchJob) error
	LoadIncrementalJob(id string) (*domain.IncrementalJob, error)
	SaveIncrementalJob(job *domain.IncrementalJob) error
}

// Platform is one side of a migration as the backup engine sees it.
type Platform struct {
	Name        string
	Client      domain.EntityClient
	EntityTypes []string
}

type UploadTarget struct {
	Name    string
	Storage domain.Storage
}

type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

type platformDump struct {
	Platform string                     `json:"platform"`
	Entities map[string][]domain.Entity `json:"entities"`
}

type jobData struct {
	Batch       *domain.BatchJob       `json:"batch,omitempty"`
	Incremental *domain.IncrementalJob `json:"incremental,omitempty"`
}

type Backup struct {
	repo          BackupRepository
	source        Platform
	destination   Platform
	archiver      domain.Archiver
	uploadTargets []UploadTarget
	metrics       Recorder
	logger        Logger
	now           func() time.Time
}

func NewBackup(
	repo BackupRepository,
	source Platform,
	destination Platform,
	archiver domain.Archiver,
	uploadTargets []UploadTarget,
	metrics Recorder,
	logger Logger,
) *Backup {
	return &Backup{
		repo:          repo,
		source:        source,
		destination:   destination,
		archiver:      archiver,
		uploadTargets: uploadTargets,
		metrics:       recorderOrNop(metrics),
		logger:        logger,
		now:           time.Now,
	}
}

func (uc *Backup) CreateFullBackup(ctx context.Context, jobID string) domain.BackupResult {
	return uc.create(ctx, jobID, nil)
}

// CreateIncrementalBackup captures entities changed since the parent backup
// started. With no parentID the latest completed backup of the job is used;
// without any, a full backup is taken instead.
func (uc *Backup) CreateIncrementalBackup(ctx context.Context, jobID, parentID string) domain.BackupResult {
	var parent *domain.BackupInfo
	if parentID != "" {
		info, err := uc.repo.LoadBackupInfo(parentID)
		if err != nil {
			return domain.BackupResult{Message: fmt.Sprintf("parent backup %s not found", parentID)}
		}
		if info.Status != domain.BackupCompleted {
			return domain.BackupResult{Message: fmt.Sprintf("parent backup %s is %s, not completed", parentID, info.Status)}
		}
		parent = info
	} else {
		latest, err := uc.latestCompleted(jobID)
		if err != nil {
			return domain.BackupResult{Message: err.Error()}
		}
		if latest == nil {
			uc.logger.Infof("[%s] No completed backup to build on, creating a full backup", jobID)
			return uc.create(ctx, jobID, nil)
		}
		parent = latest
	}
	return uc.create(ctx, jobID, parent)
}

func (uc *Backup) create(ctx context.Context, jobID string, parent *domain.BackupInfo) domain.BackupResult {
	start := time.Now()
	info := &domain.BackupInfo{
		BackupID:    uuid.NewString(),
		MigrationID: jobID,
		Type:        domain.BackupFull,
		Status:      domain.BackupInProgress,
		CreatedAt:   uc.now(),
	}
	info.FilePath = uc.repo.ArchivePath(info.BackupID)

	var since *time.Time
	if parent != nil {
		info.Type = domain.BackupIncremental
		info.ParentBackupID = parent.BackupID
		// The parent listed entities after it was created, so changes made
		// while it was still being written belong to this backup.
		since = &parent.CreatedAt
	}

	uc.logger.Infof("[%s] Starting %s backup %s...", jobID, info.Type, info.BackupID)
	if err := uc.repo.SaveBackupInfo(info); err != nil {
		return domain.BackupResult{BackupID: info.BackupID, Message: fmt.Sprintf("save backup info: %v", err)}
	}

	if err := uc.build(ctx, info, since); err != nil {
		return uc.fail(info, err)
	}

	fileInfo, err := os.Stat(info.FilePath)
	if err != nil {
		return uc.fail(info, fmt.Errorf("stat backup archive: %w", err))
	}
	completed := uc.now()
	info.Size = fileInfo.Size()
	info.Status = domain.BackupCompleted
	info.CompletedAt = &completed
	if err := uc.repo.SaveBackupInfo(info); err != nil {
		return domain.BackupResult{BackupID: info.BackupID, Message: fmt.Sprintf("save backup info: %v", err)}
	}

	uc.logger.Infof("[%s] Backup created, size: %.2f MB", jobID, float64(info.Size)/(1024*1024))

	if len(uc.uploadTargets) > 0 {
		info.Remotes = uc.uploadToTargets(ctx, info.FilePath, remoteName(info.BackupID))
		if err := uc.repo.SaveBackupInfo(info); err != nil {
			uc.logger.Errorf("[%s] Failed to record remote copies: %v", jobID, err)
		}
	}

	uc.metrics.BackupDuration(string(info.Type), time.Since(start))
	uc.logger.Infof("[%s] Backup completed in %s: %s", jobID, time.Since(start).Round(time.Millisecond), info.BackupID)

	return domain.BackupResult{
		Success:  true,
		BackupID: info.BackupID,
		Message:  fmt.Sprintf("%s backup created (%.2f MB)", info.Type, float64(info.Size)/(1024*1024)),
	}
}

// fail records the backup as failed so it is never mistaken for one in progress.
func (uc *Backup) fail(info *domain.BackupInfo, err error) domain.BackupResult {
	info.Status = domain.BackupFailed
	info.Error = err.Error()
	if serr := uc.repo.SaveBackupInfo(info); serr != nil {
		uc.logger.Errorf("[%s] Failed to record backup failure: %v", info.MigrationID, serr)
	}
	uc.logger.Errorf("[%s] Backup %s failed: %v", info.MigrationID, info.BackupID, err)
	return domain.BackupResult{BackupID: info.BackupID, Message: fmt.Sprintf("backup failed: %v", err)}
}

// build stages every subsystem in a temp directory and archives it.
func (uc *Backup) build(ctx context.Context, info *domain.BackupInfo, since *time.Time) error {
	staging, err := os.MkdirTemp("", "ferry-backup-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for file, platform := range map[string]Platform{
		sourceConfigFile:      uc.source,
		destinationConfigFile: uc.destination,
	} {
		dump, err := dumpPlatform(ctx, platform, since)
		if err != nil {
			return err
		}
		if err := writeJSONFile(filepath.Join(staging, file), dump); err != nil {
			return err
		}
	}

	data, err := uc.loadJobData(info.MigrationID)
	if err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(staging, jobDataFile), data); err != nil {
		return err
	}

	if err := uc.stageLogs(info.MigrationID, filepath.Join(staging, logsDir)); err != nil {
		return err
	}

	var entityTypes []string
	entityTypes = append(entityTypes, uc.source.EntityTypes...)
	entityTypes = append(entityTypes, uc.destination.EntityTypes...)
	meta := domain.BackupMetadata{
		BackupID:       info.BackupID,
		MigrationID:    info.MigrationID,
		Type:           info.Type,
		ParentBackupID: info.ParentBackupID,
		Since:          since,
		EntityTypes:    entityTypes,
		Timestamp:      uc.now(),
	}
	if err := writeJSONFile(filepath.Join(staging, metadataFile), meta); err != nil {
		return err
	}

	if err := uc.archiver.Archive(staging, info.FilePath); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

// dumpPlatform lists every entity type. With since set, only entities created
// or modified after it are kept; entities without timestamps are always kept.
func dumpPlatform(ctx context.Context, p Platform, since *time.Time) (*platformDump, error) {
	dump := &platformDump{Platform: p.Name, Entities: make(map[string][]domain.Entity)}
	for _, entityType := range p.EntityTypes {
		entities, err := p.Client.List(ctx, entityType)
		if err != nil {
			return nil, fmt.Errorf("list %s %s: %w", p.Name, entityType, err)
		}
		kept := make([]domain.Entity, 0, len(entities))
		for _, e := range entities {
			if since == nil || changedSince(e, *since) {
				kept = append(kept, e)
			}
		}
		dump.Entities[entityType] = kept
	}
	return dump, nil
}

func changedSince(e domain.Entity, since time.Time) bool {
	created, hasCreated := e.Time(FieldCreatedAt)
	modified, hasModified := e.Time(FieldModifiedAt)
	if !hasCreated && !hasModified {
		return true
	}
	return (hasCreated && created.After(since)) || (hasModified && modified.After(since))
}

func (uc *Backup) loadJobData(jobID string) (*jobData, error) {
	if job, err := uc.repo.LoadBatchJob(jobID); err == nil {
		return &jobData{Batch: job}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load job data: %w", err)
	}

	job, err := uc.repo.LoadIncrementalJob(jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return nil, fmt.Errorf("load job data: %w", err)
	}
	return &jobData{Incremental: job}, nil
}

func (uc *Backup) stageLogs(jobID, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	logs, err := uc.repo.JobLogs(jobID)
	if err != nil {
		return fmt.Errorf("list job logs: %w", err)
	}
	for _, path := range logs {
		if err := copyFile(path, filepath.Join(dir, filepath.Base(path))); err != nil {
			return fmt.Errorf("stage log %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// ValidateBackup reports whether the archive opens and carries its metadata.
// A completed backup that fails the check is marked corrupted.
func (uc *Backup) ValidateBackup(backupID string) bool {
	info, err := uc.repo.LoadBackupInfo(backupID)
	if err != nil {
		uc.logger.Warnf("Backup %s cannot be validated: %v", backupID, err)
		return false
	}

	entries, err := uc.archiver.Entries(info.FilePath)
	if err == nil {
		for _, name := range entries {
			if name == metadataFile {
				return true
			}
		}
		err = fmt.Errorf("%s missing from archive", metadataFile)
	}

	uc.logger.Errorf("[%s] Backup %s is not valid: %v", info.MigrationID, backupID, err)
	if info.Status == domain.BackupCompleted {
		info.Status = domain.BackupCorrupted
		info.Error = err.Error()
		if serr := uc.repo.SaveBackupInfo(info); serr != nil {
			uc.logger.Errorf("[%s] Failed to mark backup corrupted: %v", info.MigrationID, serr)
		}
	}
	return false
}

// RestoreFromBackup re-applies a backup. Incremental backups are restored on
// top of their chain, starting from the nearest full backup.
func (uc *Backup) RestoreFromBackup(ctx context.Context, backupID string) domain.RestoreResult {
	result := domain.RestoreResult{BackupID: backupID}

	info, err := uc.repo.LoadBackupInfo(backupID)
	if err != nil {
		result.Message = ErrBackupNotFound.Error()
		return result
	}

	chain, err := uc.chain(info)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	for _, link := range chain {
		if err := uc.ensureLocal(ctx, link); err != nil {
			result.Message = err.Error()
			return result
		}
		if !uc.ValidateBackup(link.BackupID) {
			result.Message = fmt.Sprintf("backup %s failed validation", link.BackupID)
			return result
		}
	}

	seen := make(map[string]bool)
	for _, link := range chain {
		uc.logger.Infof("[%s] Restoring %s backup %s...", link.MigrationID, link.Type, link.BackupID)
		restored, err := uc.restoreOne(ctx, link)
		for _, name := range restored {
			if !seen[name] {
				seen[name] = true
				result.Restored = append(result.Restored, name)
			}
		}
		if err != nil {
			result.Message = fmt.Sprintf("restore of %s failed: %v", link.BackupID, err)
			return result
		}
	}

	result.Success = true
	result.Message = fmt.Sprintf("restored %d backup(s)", len(chain))
	uc.logger.Infof("[%s] Restore of %s completed: %v", info.MigrationID, backupID, result.Restored)
	return result
}

// chain returns the backups to restore, oldest (the full backup) first.
func (uc *Backup) chain(info *domain.BackupInfo) ([]*domain.BackupInfo, error) {
	chain := []*domain.BackupInfo{info}
	seen := map[string]bool{info.BackupID: true}

	current := info
	for current.Type == domain.BackupIncremental {
		if current.ParentBackupID == "" {
			return nil, fmt.Errorf("incremental backup %s has no parent", current.BackupID)
		}
		if seen[current.ParentBackupID] {
			return nil, fmt.Errorf("backup chain of %s loops at %s", info.BackupID, current.ParentBackupID)
		}
		parent, err := uc.repo.LoadBackupInfo(current.ParentBackupID)
		if err != nil {
			return nil, fmt.Errorf("parent backup %s of %s not found", current.ParentBackupID, current.BackupID)
		}
		if parent.Status != domain.BackupCompleted {
			return nil, fmt.Errorf("parent backup %s is %s", parent.BackupID, parent.Status)
		}
		seen[parent.BackupID] = true
		chain = append([]*domain.BackupInfo{parent}, chain...)
		current = parent
	}
	return chain, nil
}

// ensureLocal fetches the archive from a remote copy when it is missing locally.
func (uc *Backup) ensureLocal(ctx context.Context, info *domain.BackupInfo) error {
	if _, err := os.Stat(info.FilePath); err == nil {
		return nil
	}

	for _, name := range info.Remotes {
		for _, target := range uc.uploadTargets {
			if target.Name != name {
				continue
			}
			uc.logger.Infof("[%s] Fetching backup %s from %s...", info.MigrationID, info.BackupID, name)
			if err := target.Storage.Download(ctx, remoteName(info.BackupID), info.FilePath); err != nil {
				uc.logger.Warnf("[%s] Failed to fetch from %s: %v", info.MigrationID, name, err)
				continue
			}
			return nil
		}
	}
	return fmt.Errorf("archive of backup %s is missing", info.BackupID)
}

func (uc *Backup) restoreOne(ctx context.Context, info *domain.BackupInfo) ([]string, error) {
	staging, err := os.MkdirTemp("", "ferry-restore-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := uc.archiver.Extract(info.FilePath, staging); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	var meta domain.BackupMetadata
	if err := readJSONFile(filepath.Join(staging, metadataFile), &meta); err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if meta.BackupID != info.BackupID {
		return nil, fmt.Errorf("metadata belongs to backup %s", meta.BackupID)
	}

	var restored []string
	for _, part := range []struct {
		file     string
		platform Platform
	}{
		{sourceConfigFile, uc.source},
		{destinationConfigFile, uc.destination},
	} {
		var dump platformDump
		if err := readJSONFile(filepath.Join(staging, part.file), &dump); err != nil {
			return restored, fmt.Errorf("read %s: %w", part.file, err)
		}
		if _, err := applyDump(ctx, part.platform.Client, dump.Entities); err != nil {
			return restored, fmt.Errorf("restore %s: %w", part.platform.Name, err)
		}
		restored = append(restored, trimJSON(part.file))
	}

	var data jobData
	if err := readJSONFile(filepath.Join(staging, jobDataFile), &data); err != nil {
		return restored, fmt.Errorf("read %s: %w", jobDataFile, err)
	}
	switch {
	case data.Batch != nil:
		err = uc.repo.SaveBatchJob(data.Batch)
	case data.Incremental != nil:
		err = uc.repo.SaveIncrementalJob(data.Incremental)
	}
	if err != nil {
		return restored, fmt.Errorf("restore job data: %w", err)
	}
	restored = append(restored, trimJSON(jobDataFile))

	logs, err := os.ReadDir(filepath.Join(staging, logsDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return restored, fmt.Errorf("read logs: %w", err)
	}
	for _, entry := range logs {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(staging, logsDir, entry.Name())
		if err := copyFile(src, filepath.Join(uc.repo.LogDir(), entry.Name())); err != nil {
			return restored, fmt.Errorf("restore log %s: %w", entry.Name(), err)
		}
	}
	restored = append(restored, logsDir)

	return restored, nil
}

// applyDump upserts every entity: existing ids are updated, the rest created.
// It returns how many were written.
func applyDump(ctx context.Context, client domain.EntityClient, entities map[string][]domain.Entity) (int, error) {
	types := make([]string, 0, len(entities))
	for entityType := range entities {
		types = append(types, entityType)
	}
	sort.Strings(types)

	var errs []error
	written := 0
	for _, entityType := range types {
		current, err := client.List(ctx, entityType)
		if err != nil {
			return written, fmt.Errorf("list %s: %w", entityType, err)
		}
		existing := make(map[string]bool, len(current))
		for _, e := range current {
			existing[e.ID()] = true
		}

		for _, e := range entities[entityType] {
			if id := e.ID(); id != "" && existing[id] {
				err = client.Update(ctx, entityType, id, e)
			} else {
				_, err = client.Create(ctx, entityType, e)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", entityType, e.ID(), err))
				continue
			}
			written++
		}
	}
	return written, errors.Join(errs...)
}

// DeleteBackup removes a backup locally and from its remote copies. Backups
// that other backups build on are kept.
func (uc *Backup) DeleteBackup(ctx context.Context, backupID string) error {
	info, err := uc.repo.LoadBackupInfo(backupID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
		}
		return err
	}

	all, err := uc.repo.ListBackupInfos()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	for _, other := range all {
		if other.ParentBackupID == backupID {
			return fmt.Errorf("backup %s is the parent of %s", backupID, other.BackupID)
		}
	}

	if err := uc.repo.DeleteBackup(backupID); err != nil {
		return fmt.Errorf("delete backup %s: %w", backupID, err)
	}

	if len(info.Remotes) > 0 {
		uc.deleteFromTargets(ctx, info)
	}

	uc.logger.Infof("[%s] Backup %s deleted", info.MigrationID, backupID)
	return nil
}

// ListBackups returns the backups of jobID, or every backup when jobID is
// empty, oldest first.
func (uc *Backup) ListBackups(jobID string) ([]*domain.BackupInfo, error) {
	all, err := uc.repo.ListBackupInfos()
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []*domain.BackupInfo
	for _, info := range all {
		if jobID == "" || info.MigrationID == jobID {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (uc *Backup) latestCompleted(jobID string) (*domain.BackupInfo, error) {
	backups, err := uc.ListBackups(jobID)
	if err != nil {
		return nil, err
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].Status == domain.BackupCompleted {
			return backups[i], nil
		}
	}
	return nil, nil
}

// uploadToTargets copies the archive to every target in parallel and returns
// the names of those that succeeded.
func (uc *Backup) uploadToTargets(ctx context.Context, filePath, filename string) []string {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []string
	)

	for _, target := range uc.uploadTargets {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()

			uc.logger.Infof("Uploading %s to %s...", filename, t.Name)
			if err := t.Storage.Upload(ctx, filePath, filename); err != nil {
				uc.logger.Errorf("Failed to upload %s to %s: %v", filename, t.Name, err)
				return
			}
			uc.logger.Infof("Successfully uploaded %s to %s", filename, t.Name)

			mu.Lock()
			succeeded = append(succeeded, t.Name)
			mu.Unlock()
		}(target)
	}

	wg.Wait()
	sort.Strings(succeeded)
	return succeeded
}

func (uc *Backup) deleteFromTargets(ctx context.Context, info *domain.BackupInfo) {
	var wg sync.WaitGroup
	remotes := make(map[string]bool, len(info.Remotes))
	for _, name := range info.Remotes {
		remotes[name] = true
	}

	for _, target := range uc.uploadTargets {
		if !remotes[target.Name] {
			continue
		}
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()
			if err := t.Storage.Delete(ctx, remoteName(info.BackupID)); err != nil {
				uc.logger.Errorf("Failed to delete %s from %s: %v", info.BackupID, t.Name, err)
			}
		}(target)
	}

	wg.Wait()
}

func remoteName(backupID string) string {
	return backupID + ".zip"
}

func trimJSON(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
