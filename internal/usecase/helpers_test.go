package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/semmidev/ferry/internal/adapter/persistence"
	"github.com/semmidev/ferry/internal/domain"
	"github.com/semmidev/ferry/internal/infrastructure/logger"
)

// fakeClient is an in-memory platform. fail, when set, can reject any call.
type fakeClient struct {
	mu       sync.Mutex
	entities map[string]map[string]domain.Entity
	seq      int
	fail     func(op, entityType, id string) error
}

func newFakeClient() *fakeClient {
	return &fakeClient{entities: make(map[string]map[string]domain.Entity)}
}

func (c *fakeClient) put(entityType string, e domain.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entities[entityType] == nil {
		c.entities[entityType] = make(map[string]domain.Entity)
	}
	c.entities[entityType][e.ID()] = e.Clone()
}

func (c *fakeClient) get(entityType, id string) (domain.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[entityType][id]
	return e.Clone(), ok
}

func (c *fakeClient) count(entityType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities[entityType])
}

func (c *fakeClient) check(op, entityType, id string) error {
	if c.fail == nil {
		return nil
	}
	return c.fail(op, entityType, id)
}

func (c *fakeClient) List(ctx context.Context, entityType string) ([]domain.Entity, error) {
	if err := c.check("list", entityType, ""); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Entity, 0, len(c.entities[entityType]))
	for _, e := range c.entities[entityType] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID() < out[k].ID() })
	return out, nil
}

func (c *fakeClient) Create(ctx context.Context, entityType string, data domain.Entity) (string, error) {
	if err := c.check("create", entityType, data.ID()); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := data.Clone()
	if e.ID() == "" {
		c.seq++
		e["id"] = fmt.Sprintf("gen-%d", c.seq)
	}
	if c.entities[entityType] == nil {
		c.entities[entityType] = make(map[string]domain.Entity)
	}
	c.entities[entityType][e.ID()] = e
	return e.ID(), nil
}

func (c *fakeClient) Update(ctx context.Context, entityType, id string, data domain.Entity) error {
	if err := c.check("update", entityType, id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entities[entityType][id]; !ok {
		return domain.NewClientError(domain.ErrDataValidation, "update "+entityType, fmt.Errorf("%s not found", id))
	}
	c.entities[entityType][id] = data.Clone()
	return nil
}

func (c *fakeClient) Delete(ctx context.Context, entityType, id string) error {
	if err := c.check("delete", entityType, id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities[entityType], id)
	return nil
}

type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) record(level, template string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(template, args...))
}

func (l *testLogger) Infof(template string, args ...interface{}) { l.record("INFO", template, args...) }
func (l *testLogger) Warnf(template string, args ...interface{}) { l.record("WARN", template, args...) }
func (l *testLogger) Errorf(template string, args ...interface{}) {
	l.record("ERROR", template, args...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type fixture struct {
	dir      string
	repo     *persistence.FileStore
	store    *JobStore
	monitor  *ProgressMonitor
	notifier *fakeNotifier
	logger   *testLogger
}

func newFixture() (*fixture, func()) {
	dir, err := os.MkdirTemp("", "usecase_test")
	if err != nil {
		panic(err)
	}
	repo, err := persistence.NewFileStore(dir)
	if err != nil {
		panic(err)
	}

	f := &fixture{
		dir:      dir,
		repo:     repo,
		store:    NewJobStore(),
		notifier: &fakeNotifier{},
		logger:   &testLogger{},
	}
	f.monitor = NewProgressMonitor(openJobLog(repo.LogDir()), repo, f.notifier, 10*time.Minute, nil, f.logger)

	return f, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.store.Shutdown(ctx)
		for _, p := range f.monitor.ListProgress() {
			f.monitor.StopMonitoring(p.JobID)
		}
		os.RemoveAll(dir)
	}
}

func openJobLog(dir string) JobLogOpener {
	return func(jobID string, startedAt time.Time) (JobLog, string, error) {
		l, path, err := logger.NewJobLog(dir, jobID, startedAt)
		if err != nil {
			return nil, "", err
		}
		return l, path, nil
	}
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func waitCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

var errBoom = errors.New("boom")

func makeItems(n int) []domain.BatchItem {
	items := make([]domain.BatchItem, n)
	for i := range items {
		id := fmt.Sprintf("item-%02d", i+1)
		items[i] = domain.BatchItem{
			ID:         id,
			EntityType: "users",
			Data:       domain.Entity{"id": id, "name": "user " + id},
		}
	}
	return items
}
