package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/storyforge/adosync/internal/ado"
	"github.com/storyforge/adosync/internal/mapper"
	"github.com/storyforge/adosync/internal/store"
)

// fakeClient is an in-memory RemoteClient. Call counters let tests assert
// which remote capabilities were actually exercised.
type fakeClient struct {
	mu sync.Mutex

	items  map[int]*ado.WorkItem
	nextID int

	queryErr   error
	getErr     error
	updateErr  error
	createErr  error
	queryDelay time.Duration

	queryCalls  int
	getCalls    int
	updateCalls int
	createCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: map[int]*ado.WorkItem{}, nextID: 100}
}

func (f *fakeClient) addItem(id int, workItemType, state, title string) *ado.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := &ado.WorkItem{
		ID:  id,
		Rev: 1,
		URL: fmt.Sprintf("https://dev.azure.com/org/_apis/wit/workItems/%d", id),
		Fields: map[string]any{
			ado.FieldWorkItemType: workItemType,
			ado.FieldState:        state,
			ado.FieldTitle:        title,
			ado.FieldAreaPath:     "Project\\Checkout",
			ado.FieldPriority:     float64(2),
		},
	}
	f.items[id] = item
	return item
}

func (f *fakeClient) GetWorkItem(ctx context.Context, id int, expand bool) (*ado.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	item, ok := f.items[id]
	if !ok {
		return nil, &ado.Error{Kind: ado.KindNotFound, StatusCode: 404, Message: "no such item"}
	}
	return item, nil
}

func (f *fakeClient) GetWorkItems(ctx context.Context, ids []int) ([]*ado.WorkItem, error) {
	var out []*ado.WorkItem
	for _, id := range ids {
		item, err := f.GetWorkItem(ctx, id, false)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeClient) QueryByFilter(ctx context.Context, types []string, areaPath, iterationPath string) ([]*ado.WorkItem, error) {
	f.mu.Lock()
	delay := f.queryDelay
	f.queryCalls++
	if err := f.queryErr; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	var out []*ado.WorkItem
	for _, item := range f.items {
		out = append(out, item)
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (f *fakeClient) UpdateState(ctx context.Context, id int, state, reason string) (*ado.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	item, ok := f.items[id]
	if !ok {
		return nil, &ado.Error{Kind: ado.KindNotFound, StatusCode: 404, Message: "no such item"}
	}
	item.Fields[ado.FieldState] = state
	item.Rev++
	return item, nil
}

func (f *fakeClient) CreateItem(ctx context.Context, workItemType string, fields map[string]any) (*ado.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	merged := map[string]any{ado.FieldWorkItemType: workItemType}
	for k, v := range fields {
		merged[k] = v
	}
	item := &ado.WorkItem{
		ID:     f.nextID,
		Rev:    1,
		URL:    fmt.Sprintf("https://dev.azure.com/org/_apis/wit/workItems/%d", f.nextID),
		Fields: merged,
	}
	f.items[f.nextID] = item
	return item, nil
}

func (f *fakeClient) TestConnection(ctx context.Context) error { return nil }

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

func insertTestFeature(t *testing.T, st *store.Store, code string) *store.Feature {
	t.Helper()

	f := &store.Feature{
		ID:   "feat-" + code,
		Code: code,
		Name: code + " feature",
	}
	if err := st.InsertFeature(context.Background(), f); err != nil {
		t.Fatalf("failed to insert feature: %v", err)
	}
	return f
}

func insertTestStory(t *testing.T, st *store.Store, f *store.Feature, code string, status store.Status, remoteID *int) *store.Story {
	t.Helper()

	s := &store.Story{
		ID:        "story-" + code,
		Code:      code,
		FeatureID: f.ID,
		Title:     "Story " + code,
		Status:    status,
		Priority:  store.PriorityP2,
	}
	if remoteID != nil {
		s.Extensions.RemoteID = remoteID
		s.Extensions.RemoteURL = fmt.Sprintf("https://dev.azure.com/org/_apis/wit/workItems/%d", *remoteID)
	}
	if err := st.InsertStory(context.Background(), s); err != nil {
		t.Fatalf("failed to insert story: %v", err)
	}
	return s
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testMapper() *mapper.Mapper {
	return mapper.New(mapper.DefaultConfig(), quietLogger())
}

func intPtr(n int) *int { return &n }
