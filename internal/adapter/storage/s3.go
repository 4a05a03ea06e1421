package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appconfig "github.com/semmidev/ferry/internal/config"
)

type S3Storage struct {
	client     *s3.Client
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
	prefix     string
}

// NewS3 creates an S3 backed archive store. Static keys are optional; without
// them the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg *appconfig.UploadTarget) (*S3Storage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	return &S3Storage{
		client:     client,
		uploader:   s3manager.NewUploader(client),
		downloader: s3manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
	}, nil
}

func (s *S3Storage) key(remoteName string) string {
	return path.Join(s.prefix, remoteName)
}

// Upload uploads a local archive to S3
func (s *S3Storage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(remoteName)),
		Body:        file,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

// Download fetches an archive from S3 into localPath
func (s *S3Storage) Download(ctx context.Context, remoteName string, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	_, err = s.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remoteName)),
	})
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to download from S3: %w", err)
	}

	return nil
}

// List returns all archives under the configured prefix
func (s *S3Storage) List(ctx context.Context) ([]string, error) {
	var files []string
	err := s.walk(ctx, func(name string, _ time.Time) {
		files = append(files, name)
	})
	return files, err
}

// Delete removes an archive from S3
func (s *S3Storage) Delete(ctx context.Context, remoteName string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remoteName)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}

	return nil
}

// GetOldFiles returns archives last modified before cutoffTime
func (s *S3Storage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	var oldFiles []string
	err := s.walk(ctx, func(name string, modified time.Time) {
		if modified.Before(cutoffTime) {
			oldFiles = append(oldFiles, name)
		}
	})
	return oldFiles, err
}

func (s *S3Storage) walk(ctx context.Context, fn func(name string, modified time.Time)) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(strings.TrimPrefix(aws.ToString(obj.Key), s.prefix), "/")
			if name == "" {
				continue
			}
			fn(name, aws.ToTime(obj.LastModified))
		}
	}
	return nil
}
