package compressor

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type ZipArchiver struct{}

func NewZip() *ZipArchiver {
	return &ZipArchiver{}
}

// Archive writes every regular file below sourceDir into a zip at destPath,
// using slash-separated paths relative to sourceDir.
func (z *ZipArchiver) Archive(sourceDir, destPath string) error {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("failed to open source dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to open source dir: %s is not a directory", sourceDir)
	}

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}
	defer destFile.Close()

	zipWriter := zip.NewWriter(destFile)
	zipWriter.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	err = filepath.WalkDir(sourceDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		return addFile(zipWriter, path, filepath.ToSlash(rel))
	})
	if err != nil {
		zipWriter.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, path, name string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, source)
	return err
}

func (z *ZipArchiver) Extract(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create dest dir: %w", err)
	}

	root := filepath.Clean(destDir) + string(os.PathSeparator)
	for _, f := range reader.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("illegal entry path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", f.Name, err)
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("failed to decompress %s: %w", f.Name, err)
		}
	}

	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// Entries lists the file names stored in the archive.
func (z *ZipArchiver) Entries(archivePath string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	return names, nil
}
