package domain

import (
	"context"
	"time"
)

// Storage holds off-site copies of backup archives.
type Storage interface {
	Upload(ctx context.Context, localPath string, remoteName string) error
	Download(ctx context.Context, remoteName string, localPath string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, remoteName string) error
	GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error)
}
