package engine

import (
	"context"
	"time"

	"github.com/storyforge/adosync/internal/ado"
)

// RemoteClient is the remote tracker surface the engines consume. The
// production implementation is ado.Client; tests substitute fakes.
type RemoteClient interface {
	GetWorkItem(ctx context.Context, id int, expand bool) (*ado.WorkItem, error)
	GetWorkItems(ctx context.Context, ids []int) ([]*ado.WorkItem, error)
	QueryByFilter(ctx context.Context, types []string, areaPath, iterationPath string) ([]*ado.WorkItem, error)
	UpdateState(ctx context.Context, id int, state, reason string) (*ado.WorkItem, error)
	CreateItem(ctx context.Context, workItemType string, fields map[string]any) (*ado.WorkItem, error)
	TestConnection(ctx context.Context) error
}

// ItemError records a per-item failure inside a batch run.
type ItemError struct {
	RemoteID int       `json:"remote_id,omitempty"`
	StoryID  string    `json:"story_id,omitempty"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// SyncResult summarizes one batch run, inbound or outbound. ItemsProcessed
// counts every item the run attempted; per-item failures land in Errors
// without failing the run, so Success=true with a non-empty error list is a
// partial success.
type SyncResult struct {
	Success        bool        `json:"success"`
	Direction      string      `json:"direction"`
	ItemsProcessed int         `json:"items_processed"`
	ItemsCreated   int         `json:"items_created"`
	ItemsUpdated   int         `json:"items_updated"`
	ItemsSkipped   int         `json:"items_skipped"`
	Errors         []ItemError `json:"errors"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    time.Time   `json:"completed_at"`
}

// failedRun builds a whole-run failure result carrying a single error.
func failedRun(direction string, startedAt time.Time, serr *SyncError) *SyncResult {
	return &SyncResult{
		Direction:   direction,
		Errors:      []ItemError{{Kind: serr.Kind, Message: serr.Message}},
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
	}
}

// InboundStatus is the inbound engine's in-memory run summary. It resets on
// process restart.
type InboundStatus struct {
	IsPolling      bool       `json:"is_polling"`
	IsSyncing      bool       `json:"is_syncing"`
	CurrentBackoff string     `json:"current_backoff,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	ItemsSynced    int        `json:"items_synced"`
	ItemsCreated   int        `json:"items_created"`
	ItemsUpdated   int        `json:"items_updated"`
	ErrorCount     int        `json:"error_count"`
	LastError      string     `json:"last_error,omitempty"`
}

// OutboundStatus is the outbound engine's in-memory run summary.
// PendingChanges is computed live from the store at read time.
type OutboundStatus struct {
	LastPush       *time.Time `json:"last_push,omitempty"`
	ItemsPushed    int        `json:"items_pushed"`
	ErrorCount     int        `json:"error_count"`
	LastError      string     `json:"last_error,omitempty"`
	PendingChanges int        `json:"pending_changes"`
}

// PushResult is the outcome of a single state push. Skipped means the remote
// item was already in the target state and no write was issued.
type PushResult struct {
	Success       bool      `json:"success"`
	Kind          ErrorKind `json:"kind,omitempty"`
	Message       string    `json:"message,omitempty"`
	StoryID       string    `json:"story_id,omitempty"`
	RemoteID      int       `json:"remote_id,omitempty"`
	PreviousState string    `json:"previous_state,omitempty"`
	NewState      string    `json:"new_state,omitempty"`
	Skipped       bool      `json:"skipped,omitempty"`
}

// CreateResult is the outcome of remote work item creation.
type CreateResult struct {
	Success   bool      `json:"success"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	StoryID   string    `json:"story_id,omitempty"`
	RemoteID  int       `json:"remote_id,omitempty"`
	RemoteURL string    `json:"remote_url,omitempty"`
}
