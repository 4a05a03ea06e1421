package domain

import (
	"context"
	"fmt"
	"time"
)

// Entity is a configuration object as returned by a platform API.
type Entity map[string]any

func (e Entity) ID() string {
	if v, ok := e["id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// Time reads an RFC3339 timestamp field; missing or malformed values return false.
func (e Entity) Time(field string) (time.Time, bool) {
	switch v := e[field].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

func (e Entity) Bool(field string) bool {
	b, _ := e[field].(bool)
	return b
}

func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	c := make(Entity, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}

// EntityClient is the narrow view of a platform API the orchestrator needs.
// Implementations should return *ClientError so failures can be classified.
type EntityClient interface {
	List(ctx context.Context, entityType string) ([]Entity, error)
	Create(ctx context.Context, entityType string, data Entity) (string, error)
	Update(ctx context.Context, entityType, id string, data Entity) error
	Delete(ctx context.Context, entityType, id string) error
}

type TokenRefresher interface {
	Refresh(ctx context.Context) error
}
