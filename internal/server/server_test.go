package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/storyforge/adosync/internal/ado"
	"github.com/storyforge/adosync/internal/engine"
	"github.com/storyforge/adosync/internal/store"
)

type fakeInbound struct {
	syncResult *engine.SyncResult
	syncOneErr *engine.SyncError
	status     engine.InboundStatus
}

func (f *fakeInbound) SyncNow(ctx context.Context) *engine.SyncResult { return f.syncResult }

func (f *fakeInbound) SyncOne(ctx context.Context, remoteID int) (*ado.WorkItem, *engine.SyncError) {
	if f.syncOneErr != nil {
		return nil, f.syncOneErr
	}
	return &ado.WorkItem{ID: remoteID}, nil
}

func (f *fakeInbound) Status() engine.InboundStatus { return f.status }

type fakeOutbound struct {
	pushResult   *engine.PushResult
	batchResult  *engine.SyncResult
	createResult *engine.CreateResult
	status       engine.OutboundStatus
	resetCalled  bool

	gotStoryID string
	gotStatus  store.Status
	gotType    string
}

func (f *fakeOutbound) PushStateChange(ctx context.Context, storyID string, newStatus store.Status) *engine.PushResult {
	f.gotStoryID, f.gotStatus = storyID, newStatus
	return f.pushResult
}

func (f *fakeOutbound) PushPendingChanges(ctx context.Context) *engine.SyncResult {
	return f.batchResult
}

func (f *fakeOutbound) CreateWorkItemFromStory(ctx context.Context, storyID, remoteType string) *engine.CreateResult {
	f.gotStoryID, f.gotType = storyID, remoteType
	return f.createResult
}

func (f *fakeOutbound) Status(ctx context.Context) engine.OutboundStatus { return f.status }

func (f *fakeOutbound) ResetErrors() { f.resetCalled = true }

func newTestServer(t *testing.T, in *fakeInbound, out *fakeOutbound) *httptest.Server {
	t.Helper()
	s := New(Config{Logger: log.New(io.Discard, "", 0)}, in, out)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestSyncEndpoint(t *testing.T) {
	in := &fakeInbound{syncResult: &engine.SyncResult{
		Success: true, Direction: "inbound", ItemsProcessed: 3, ItemsCreated: 1,
	}}
	ts := newTestServer(t, in, &fakeOutbound{})

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/sync", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var result engine.SyncResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.ItemsProcessed != 3 {
		t.Errorf("itemsProcessed = %d", result.ItemsProcessed)
	}
}

func TestSyncRefusedWhileRunning(t *testing.T) {
	in := &fakeInbound{syncResult: &engine.SyncResult{
		Direction: "inbound",
		Errors:    []engine.ItemError{{Kind: engine.KindInternal, Message: "sync already in progress"}},
	}}
	ts := newTestServer(t, in, &fakeOutbound{})

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/sync", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("refused sync should be 409, got %d", resp.StatusCode)
	}
}

func TestSyncOneEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeInbound{}, &fakeOutbound{})

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/sync/42", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var item ado.WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		t.Fatal(err)
	}
	if item.ID != 42 {
		t.Errorf("id = %d", item.ID)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/sync/notanumber", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id should be 400, got %d", resp.StatusCode)
	}
}

func TestSyncOneNotFound(t *testing.T) {
	in := &fakeInbound{syncOneErr: &engine.SyncError{Kind: engine.KindRemoteNotFound, Message: "no such item"}}
	ts := newTestServer(t, in, &fakeOutbound{})

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/sync/42", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPushEndpoint(t *testing.T) {
	out := &fakeOutbound{pushResult: &engine.PushResult{Success: true, NewState: "Closed"}}
	ts := newTestServer(t, &fakeInbound{}, out)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/push/story-1", `{"status":"completed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.gotStoryID != "story-1" || out.gotStatus != store.StatusCompleted {
		t.Errorf("engine called with %q %q", out.gotStoryID, out.gotStatus)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/push/story-1", `{"status":"bogus"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status should be 400, got %d", resp.StatusCode)
	}
}

func TestPushErrorKindsMapToStatusCodes(t *testing.T) {
	tests := []struct {
		kind engine.ErrorKind
		want int
	}{
		{engine.KindStoryNotFound, http.StatusNotFound},
		{engine.KindNoRemoteLink, http.StatusBadRequest},
		{engine.KindRateLimited, http.StatusTooManyRequests},
		{engine.KindRemoteServer, http.StatusBadGateway},
		{engine.KindAuthenticationFailed, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		out := &fakeOutbound{pushResult: &engine.PushResult{Kind: tt.kind, Message: "x"}}
		ts := newTestServer(t, &fakeInbound{}, out)
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/push/s", `{"status":"completed"}`)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.kind, resp.StatusCode, tt.want)
		}
		ts.Close()
	}
}

func TestPushPendingEndpoint(t *testing.T) {
	out := &fakeOutbound{batchResult: &engine.SyncResult{Success: true, Direction: "outbound"}}
	ts := newTestServer(t, &fakeInbound{}, out)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/push/pending", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCreateWorkItemEndpoint(t *testing.T) {
	out := &fakeOutbound{createResult: &engine.CreateResult{Success: true, RemoteID: 7}}
	ts := newTestServer(t, &fakeInbound{}, out)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/stories/story-1/workitem", `{"type":"Bug"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.gotStoryID != "story-1" || out.gotType != "Bug" {
		t.Errorf("engine called with %q %q", out.gotStoryID, out.gotType)
	}
}

func TestCreateWorkItemAlreadyLinked(t *testing.T) {
	out := &fakeOutbound{createResult: &engine.CreateResult{
		Kind: engine.KindAlreadyLinked, Message: "already linked to work item 7",
	}}
	ts := newTestServer(t, &fakeInbound{}, out)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/stories/story-1/workitem", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("ALREADY_LINKED should be 409, got %d", resp.StatusCode)
	}
}

func TestStatusAndResetAndHealth(t *testing.T) {
	out := &fakeOutbound{status: engine.OutboundStatus{PendingChanges: 4}}
	ts := newTestServer(t, &fakeInbound{}, out)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Outbound engine.OutboundStatus `json:"outbound"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Outbound.PendingChanges != 4 {
		t.Errorf("pendingChanges = %d", payload.Outbound.PendingChanges)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/errors/reset", "")
	if resp.StatusCode != http.StatusOK || !out.resetCalled {
		t.Error("reset endpoint did not reach the engine")
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
}

func TestStartRefusesNonLoopback(t *testing.T) {
	s := New(Config{Host: "0.0.0.0", Logger: log.New(io.Discard, "", 0)}, &fakeInbound{}, &fakeOutbound{})
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("non-loopback bind must be refused")
	}
}

func TestStartStopLoopback(t *testing.T) {
	s := New(Config{Port: 0, Logger: log.New(io.Discard, "", 0)}, &fakeInbound{}, &fakeOutbound{})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if err := s.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
}
