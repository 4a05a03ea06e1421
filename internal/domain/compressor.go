package domain

type Archiver interface {
	Archive(sourceDir, destPath string) error
	Extract(archivePath, destDir string) error
	Entries(archivePath string) ([]string, error)
}
