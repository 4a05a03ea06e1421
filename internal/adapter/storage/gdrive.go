package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/semmidev/ferry/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

type GDriveStorage struct {
	service  *drive.Service
	folderID string
}

func NewGDrive(ctx context.Context, cfg *config.UploadTarget) (*GDriveStorage, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsFile)
	if cfg.CredentialsFile == "" {
		oauthCfg, err := DriveOAuthConfig(cfg.ClientSecretFile)
		if err != nil {
			return nil, err
		}
		token, err := LoadDriveToken(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		opt = option.WithHTTPClient(oauthCfg.Client(ctx, token))
	}

	service, err := drive.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &GDriveStorage{
		service:  service,
		folderID: cfg.FolderID,
	}, nil
}

func (g *GDriveStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileMetadata := &drive.File{
		Name:     remoteName,
		Parents:  []string{g.folderID},
		MimeType: "application/zip",
	}

	_, err = g.service.Files.Create(fileMetadata).
		Media(file).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to upload to gdrive: %w", err)
	}

	return nil
}

func (g *GDriveStorage) Download(ctx context.Context, remoteName string, localPath string) error {
	id, err := g.findID(ctx, remoteName)
	if err != nil {
		return err
	}

	resp, err := g.service.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return fmt.Errorf("failed to download from gdrive: %w", err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

func (g *GDriveStorage) List(ctx context.Context) ([]string, error) {
	return g.query(ctx, fmt.Sprintf("'%s' in parents and trashed=false", g.folderID))
}

func (g *GDriveStorage) Delete(ctx context.Context, remoteName string) error {
	id, err := g.findID(ctx, remoteName)
	if err != nil {
		return err
	}

	if err := g.service.Files.Delete(id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

func (g *GDriveStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	return g.query(ctx, fmt.Sprintf("'%s' in parents and trashed=false and createdTime < '%s'",
		g.folderID,
		cutoffTime.Format(time.RFC3339)))
}

func (g *GDriveStorage) query(ctx context.Context, q string) ([]string, error) {
	var files []string
	err := g.service.Files.List().
		Q(q).
		Fields("nextPageToken, files(id, name)").
		Pages(ctx, func(page *drive.FileList) error {
			for _, file := range page.Files {
				files = append(files, file.Name)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

func (g *GDriveStorage) findID(ctx context.Context, remoteName string) (string, error) {
	q := fmt.Sprintf("'%s' in parents and name='%s' and trashed=false",
		g.folderID, strings.ReplaceAll(remoteName, "'", `\'`))

	fileList, err := g.service.Files.List().
		Q(q).
		Fields("files(id)").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to find file: %w", err)
	}
	if len(fileList.Files) == 0 {
		return "", fmt.Errorf("file not found: %s", remoteName)
	}
	return fileList.Files[0].Id, nil
}

// DriveOAuthConfig reads an OAuth client secret downloaded from the Google console.
func DriveOAuthConfig(clientSecretFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(clientSecretFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret: %w", err)
	}
	return cfg, nil
}

func LoadDriveToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read drive token (run `ferry drive-auth` first): %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(b, &token); err != nil {
		return nil, fmt.Errorf("unable to parse drive token: %w", err)
	}
	return &token, nil
}

func SaveDriveToken(path string, token *oauth2.Token) error {
	b, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}
