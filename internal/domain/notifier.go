package domain

import "context"

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Renderer turns a report into human readable text (markdown, HTML, CSV...).
type Renderer interface {
	Render(report *MigrationReport) (string, error)
}
