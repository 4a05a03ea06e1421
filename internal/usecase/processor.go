package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/semmidev/ferry/internal/domain"
)

// Field names read from source entities to derive deltas.
const (
	FieldCreatedAt  = "createdAt"
	FieldModifiedAt = "modifiedAt"
	FieldDeleted    = "deleted"
)

// DestinationWriter is the default ItemProcessor: every item is created on
// the destination platform.
type DestinationWriter struct {
	destination domain.EntityClient
}

func NewDestinationWriter(destination domain.EntityClient) *DestinationWriter {
	return &DestinationWriter{destination: destination}
}

func (w *DestinationWriter) ProcessItem(ctx context.Context, item domain.BatchItem) error {
	if len(item.Data) == 0 {
		return domain.NewClientError(domain.ErrDataValidation, "process "+item.EntityType,
			fmt.Errorf("item %s has no data", item.ID))
	}
	if _, err := w.destination.Create(ctx, item.EntityType, item.Data); err != nil {
		return err
	}
	return nil
}

// CollectItems lists every entity of the given types from the source as batch items.
func CollectItems(ctx context.Context, source domain.EntityClient, entityTypes []string) ([]domain.BatchItem, error) {
	var items []domain.BatchItem
	for _, entityType := range entityTypes {
		entities, err := source.List(ctx, entityType)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", entityType, err)
		}
		for _, e := range entities {
			items = append(items, domain.BatchItem{
				ID:         e.ID(),
				EntityType: entityType,
				Data:       e,
				Status:     domain.ItemPending,
			})
		}
	}
	return items, nil
}

// ClientDeltaDetector derives deltas from the timestamps source entities carry.
type ClientDeltaDetector struct {
	source      domain.EntityClient
	entityTypes []string
	priority    func(entityType string) int
}

func NewClientDeltaDetector(source domain.EntityClient, entityTypes []string, priority func(string) int) *ClientDeltaDetector {
	return &ClientDeltaDetector{source: source, entityTypes: entityTypes, priority: priority}
}

func (d *ClientDeltaDetector) DetectChanges(ctx context.Context, since time.Time) ([]domain.DataDelta, error) {
	var deltas []domain.DataDelta
	for _, entityType := range d.entityTypes {
		entities, err := d.source.List(ctx, entityType)
		if err != nil {
			return nil, fmt.Errorf("detect changes in %s: %w", entityType, err)
		}

		priority := 5
		if d.priority != nil {
			priority = d.priority(entityType)
		}

		for _, e := range entities {
			delta, changed := deltaFor(entityType, e, since)
			if !changed {
				continue
			}
			delta.Priority = priority
			deltas = append(deltas, delta)
		}
	}
	return deltas, nil
}

func deltaFor(entityType string, e domain.Entity, since time.Time) (domain.DataDelta, bool) {
	delta := domain.DataDelta{EntityType: entityType, EntityID: e.ID()}
	created, hasCreated := e.Time(FieldCreatedAt)
	modified, hasModified := e.Time(FieldModifiedAt)

	switch {
	case e.Bool(FieldDeleted) && hasModified && modified.After(since):
		delta.ChangeType = domain.ChangeDelete
		delta.ChangedAt = modified
		delta.OldValues = e.Clone()
	case hasCreated && created.After(since):
		delta.ChangeType = domain.ChangeCreate
		delta.ChangedAt = created
		delta.NewValues = e.Clone()
	case !e.Bool(FieldDeleted) && hasModified && modified.After(since):
		delta.ChangeType = domain.ChangeUpdate
		delta.ChangedAt = modified
		delta.NewValues = e.Clone()
	default:
		return delta, false
	}
	return delta, true
}

// ClientDeltaApplier replays deltas against the destination platform.
type ClientDeltaApplier struct {
	destination domain.EntityClient
}

func NewClientDeltaApplier(destination domain.EntityClient) *ClientDeltaApplier {
	return &ClientDeltaApplier{destination: destination}
}

func (a *ClientDeltaApplier) ApplyDelta(ctx context.Context, delta domain.DataDelta) error {
	switch delta.ChangeType {
	case domain.ChangeCreate:
		_, err := a.destination.Create(ctx, delta.EntityType, delta.NewValues)
		return err
	case domain.ChangeUpdate:
		return a.destination.Update(ctx, delta.EntityType, delta.EntityID, delta.NewValues)
	case domain.ChangeDelete:
		return a.destination.Delete(ctx, delta.EntityType, delta.EntityID)
	}
	return domain.NewClientError(domain.ErrDataValidation, "apply "+delta.EntityType,
		errors.New("unknown change type "+string(delta.ChangeType)))
}
