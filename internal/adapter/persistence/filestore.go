// Package persistence keeps job state as JSON files, one file per entity,
// in a directory per concern.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/semmidev/ferry/internal/domain"
)

var (
	ErrNotFound  = domain.ErrNotFound
	ErrInvalidID = errors.New("invalid id")
)

type Logger interface {
	Warnf(template string, args ...interface{})
}

const (
	batchDir       = "batch-migrations"
	incrementalDir = "incremental-migrations"
	backupDir      = "migration-backups"
	logDir         = "migration-logs"
	snapshotDir    = "snapshots"
)

type FileStore struct {
	root   string
	logger Logger
}

func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{
		batchDir,
		incrementalDir,
		backupDir,
		logDir,
		filepath.Join(backupDir, snapshotDir),
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &FileStore{root: root}, nil
}

// WithLogger reports the files skipped while listing.
func (s *FileStore) WithLogger(logger Logger) *FileStore {
	s.logger = logger
	return s
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) LogDir() string {
	return filepath.Join(s.root, logDir)
}

func (s *FileStore) BackupDir() string {
	return filepath.Join(s.root, backupDir)
}

func (s *FileStore) ArchivePath(backupID string) string {
	return filepath.Join(s.root, backupDir, backupID+".zip")
}

func (s *FileStore) batchPath(id string) string {
	return filepath.Join(s.root, batchDir, "batch_"+id+".json")
}

func (s *FileStore) incrementalPath(id string) string {
	return filepath.Join(s.root, incrementalDir, "incremental_"+id+".json")
}

func (s *FileStore) schedulePath(id string) string {
	return filepath.Join(s.root, incrementalDir, "schedule_"+id+".json")
}

func (s *FileStore) backupInfoPath(id string) string {
	return filepath.Join(s.root, backupDir, id+".info.json")
}

func (s *FileStore) snapshotPath(jobID string) string {
	return filepath.Join(s.root, backupDir, snapshotDir, "snapshot_"+jobID+".json")
}

func (s *FileStore) SaveBatchJob(job *domain.BatchJob) error {
	if err := checkID(job.ID); err != nil {
		return err
	}
	return writeJSON(s.batchPath(job.ID), job)
}

func (s *FileStore) LoadBatchJob(id string) (*domain.BatchJob, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var job domain.BatchJob
	if err := readJSON(s.batchPath(id), &job); err != nil {
		return nil, fmt.Errorf("batch job %s: %w", id, err)
	}
	return &job, nil
}

func (s *FileStore) ListBatchJobs() ([]*domain.BatchJob, error) {
	return listJSON[domain.BatchJob](s.skip, filepath.Join(s.root, batchDir), "batch_", ".json")
}

func (s *FileStore) SaveIncrementalJob(job *domain.IncrementalJob) error {
	if err := checkID(job.ID); err != nil {
		return err
	}
	return writeJSON(s.incrementalPath(job.ID), job)
}

func (s *FileStore) LoadIncrementalJob(id string) (*domain.IncrementalJob, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var job domain.IncrementalJob
	if err := readJSON(s.incrementalPath(id), &job); err != nil {
		return nil, fmt.Errorf("incremental job %s: %w", id, err)
	}
	return &job, nil
}

func (s *FileStore) ListIncrementalJobs() ([]*domain.IncrementalJob, error) {
	return listJSON[domain.IncrementalJob](s.skip, filepath.Join(s.root, incrementalDir), "incremental_", ".json")
}

func (s *FileStore) SaveSchedule(schedule *domain.MigrationSchedule) error {
	if err := checkID(schedule.ID); err != nil {
		return err
	}
	return writeJSON(s.schedulePath(schedule.ID), schedule)
}

func (s *FileStore) LoadSchedule(id string) (*domain.MigrationSchedule, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var schedule domain.MigrationSchedule
	if err := readJSON(s.schedulePath(id), &schedule); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}
	return &schedule, nil
}

func (s *FileStore) ListSchedules() ([]*domain.MigrationSchedule, error) {
	return listJSON[domain.MigrationSchedule](s.skip, filepath.Join(s.root, incrementalDir), "schedule_", ".json")
}

func (s *FileStore) DeleteSchedule(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return remove(s.schedulePath(id))
}

func (s *FileStore) SaveBackupInfo(info *domain.BackupInfo) error {
	if err := checkID(info.BackupID); err != nil {
		return err
	}
	return writeJSON(s.backupInfoPath(info.BackupID), info)
}

func (s *FileStore) LoadBackupInfo(id string) (*domain.BackupInfo, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var info domain.BackupInfo
	if err := readJSON(s.backupInfoPath(id), &info); err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, err)
	}
	return &info, nil
}

func (s *FileStore) ListBackupInfos() ([]*domain.BackupInfo, error) {
	return listJSON[domain.BackupInfo](s.skip, filepath.Join(s.root, backupDir), "", ".info.json")
}

// DeleteBackup removes both the archive and its info sidecar.
func (s *FileStore) DeleteBackup(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	archiveErr := remove(s.ArchivePath(id))
	infoErr := remove(s.backupInfoPath(id))
	if errors.Is(archiveErr, ErrNotFound) && errors.Is(infoErr, ErrNotFound) {
		return fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	for _, err := range []error{archiveErr, infoErr} {
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete backup %s: %w", id, err)
		}
	}
	return nil
}

func (s *FileStore) SaveSnapshot(snapshot *domain.Snapshot) error {
	if err := checkID(snapshot.JobID); err != nil {
		return err
	}
	return writeJSON(s.snapshotPath(snapshot.JobID), snapshot)
}

func (s *FileStore) LoadSnapshot(jobID string) (*domain.Snapshot, error) {
	if err := checkID(jobID); err != nil {
		return nil, err
	}
	var snapshot domain.Snapshot
	if err := readJSON(s.snapshotPath(jobID), &snapshot); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", jobID, err)
	}
	return &snapshot, nil
}

// SaveReport writes report_{id}_{timestamp}.json next to the job logs and
// returns its path.
func (s *FileStore) SaveReport(report *domain.MigrationReport) (string, error) {
	if err := checkID(report.JobID); err != nil {
		return "", err
	}
	name := fmt.Sprintf("report_%s_%s.json", report.JobID, report.GeneratedAt.UTC().Format("20060102_150405"))
	path := filepath.Join(s.LogDir(), name)
	if err := writeJSON(path, report); err != nil {
		return "", err
	}
	return path, nil
}

// LatestReport loads the most recently generated report of a job.
func (s *FileStore) LatestReport(jobID string) (*domain.MigrationReport, error) {
	if err := checkID(jobID); err != nil {
		return nil, err
	}
	reports, err := listJSON[domain.MigrationReport](s.skip, s.LogDir(), "report_"+jobID+"_", ".json")
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("report of %s: %w", jobID, ErrNotFound)
	}
	sort.Slice(reports, func(i, k int) bool { return reports[i].GeneratedAt.Before(reports[k].GeneratedAt) })
	return reports[len(reports)-1], nil
}

// JobLogs returns the log files written for a job, oldest first.
func (s *FileStore) JobLogs(jobID string) ([]string, error) {
	if err := checkID(jobID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.LogDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	prefix := "migration_" + jobID + "_"
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			paths = append(paths, filepath.Join(s.LogDir(), entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) skip(path string, err error) {
	if s.logger != nil {
		s.logger.Warnf("Skipping %s: %v", path, err)
	}
}

// checkID rejects ids that would resolve outside their directory.
func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// listJSON decodes every matching file in dir. Files that cannot be read or
// parsed are reported to skip and left out.
func listJSON[T any](skip func(path string, err error), dir, prefix, suffix string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var out []*T
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") ||
			!strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		var v T
		path := filepath.Join(dir, name)
		if err := readJSON(path, &v); err != nil {
			skip(path, err)
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

func remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
