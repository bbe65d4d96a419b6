package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/storyforge/adosync/internal/mapper"
	"github.com/storyforge/adosync/internal/store"
)

// DefaultWorkItemType is the remote type used for creation when the caller
// does not request one.
const DefaultWorkItemType = "User Story"

// OutboundConfig configures the outbound engine.
type OutboundConfig struct {
	// WorkItemType is the fallback remote type for work item creation.
	// Empty means DefaultWorkItemType.
	WorkItemType string

	// OnStatusRemoved, when set, runs after a story is successfully pushed
	// into the remote removed state. Deployments use it to archive or
	// re-triage cancelled work.
	OnStatusRemoved func(ctx context.Context, story *store.Story) error

	// OnPushComplete, when set, is called after every push attempt,
	// including failed ones. Used to feed the dashboard.
	OnPushComplete func(*PushResult)

	// OnBatchComplete, when set, is called after every pending-changes
	// batch.
	OnBatchComplete func(*SyncResult)

	Logger *log.Logger
}

// Outbound pushes local changes to the remote tracker. It holds no timer;
// every entry point is request-triggered and safe to call concurrently with
// inbound runs and with each other.
type Outbound struct {
	client RemoteClient
	store  *store.Store
	mapper *mapper.Mapper
	cfg    OutboundConfig
	logger *log.Logger

	mu     sync.Mutex
	status OutboundStatus
}

// NewOutbound creates an outbound engine.
func NewOutbound(client RemoteClient, st *store.Store, m *mapper.Mapper, cfg OutboundConfig) *Outbound {
	if cfg.WorkItemType == "" {
		cfg.WorkItemType = DefaultWorkItemType
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[outbound] ", log.LstdFlags)
	}
	return &Outbound{
		client: client,
		store:  st,
		mapper: m,
		cfg:    cfg,
		logger: logger,
	}
}

// SetNotifiers installs the push and batch callbacks. Call before the
// engine starts serving requests.
func (o *Outbound) SetNotifiers(onPush func(*PushResult), onBatch func(*SyncResult)) {
	o.cfg.OnPushComplete = onPush
	o.cfg.OnBatchComplete = onBatch
}

// PushStateChange pushes a story's status to its linked remote item. The
// write is skipped when the remote item is already in the target state.
func (o *Outbound) PushStateChange(ctx context.Context, storyID string, newStatus store.Status) *PushResult {
	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.notifyPush(o.pushFailure(storyID, 0, newError(KindStoryNotFound, "story %s not found", storyID)))
		}
		return o.notifyPush(o.pushFailure(storyID, 0, Classify(err)))
	}
	return o.notifyPush(o.pushStory(ctx, story, newStatus))
}

// PushStateChangeByRemoteID is PushStateChange keyed by the remote work item
// id instead of the local story id.
func (o *Outbound) PushStateChangeByRemoteID(ctx context.Context, remoteID int, newStatus store.Status) *PushResult {
	story, err := o.store.GetStoryByRemoteID(ctx, remoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.notifyPush(o.pushFailure("", remoteID, newError(KindStoryNotFound, "no story linked to work item %d", remoteID)))
		}
		return o.notifyPush(o.pushFailure("", remoteID, Classify(err)))
	}
	return o.notifyPush(o.pushStory(ctx, story, newStatus))
}

func (o *Outbound) notifyPush(result *PushResult) *PushResult {
	if o.cfg.OnPushComplete != nil {
		o.cfg.OnPushComplete(result)
	}
	return result
}

func (o *Outbound) pushStory(ctx context.Context, story *store.Story, newStatus store.Status) (result *PushResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("panic during push: %v", r)
			result = o.pushFailure(story.ID, 0, newError(KindInternal, "panic: %v", r))
		}
	}()

	if story.Extensions.RemoteID == nil {
		return o.pushFailure(story.ID, 0, newError(KindNoRemoteLink, "story %s has no linked work item", story.ID))
	}
	remoteID := *story.Extensions.RemoteID
	targetState := o.mapper.StatusToRemoteState(newStatus)

	item, err := o.client.GetWorkItem(ctx, remoteID, false)
	if err != nil {
		return o.pushFailure(story.ID, remoteID, Classify(err))
	}
	currentState := item.State()

	if currentState != targetState {
		if _, err := o.client.UpdateState(ctx, remoteID, targetState, ""); err != nil {
			return o.pushFailure(story.ID, remoteID, Classify(err))
		}
	}

	// Stamp the push on the local row. This write deliberately leaves
	// updated_at alone so the story does not re-enter the pending set.
	stamp := store.Extensions{
		LastPushedAt:     time.Now().UTC().Format(time.RFC3339),
		LastPushedStatus: string(newStatus),
	}
	story.Extensions.Merge(stamp)
	if err := o.store.UpdateExtensions(ctx, story.ID, story.Extensions); err != nil {
		return o.pushFailure(story.ID, remoteID, Classify(err))
	}

	if currentState != targetState && newStatus == store.StatusCancelled && o.cfg.OnStatusRemoved != nil {
		if err := o.cfg.OnStatusRemoved(ctx, story); err != nil {
			o.logger.Printf("removed-status hook failed for %s: %v", story.ID, err)
		}
	}

	o.mu.Lock()
	now := time.Now().UTC()
	o.status.LastPush = &now
	o.status.ItemsPushed++
	o.mu.Unlock()

	if currentState == targetState {
		o.logger.Printf("story %s already %s on work item %d, skipped", story.ID, targetState, remoteID)
	} else {
		o.logger.Printf("pushed story %s: work item %d %s -> %s", story.ID, remoteID, currentState, targetState)
	}
	return &PushResult{
		Success:       true,
		StoryID:       story.ID,
		RemoteID:      remoteID,
		PreviousState: currentState,
		NewState:      targetState,
		Skipped:       currentState == targetState,
	}
}

// CreateWorkItemFromStory creates a remote work item from a local story and
// links the two. A story that already carries a remote id is refused without
// a remote call; this is what keeps retries from creating duplicates.
func (o *Outbound) CreateWorkItemFromStory(ctx context.Context, storyID, remoteType string) (result *CreateResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("panic during create: %v", r)
			result = o.createFailure(storyID, newError(KindInternal, "panic: %v", r))
		}
	}()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.createFailure(storyID, newError(KindStoryNotFound, "story %s not found", storyID))
		}
		return o.createFailure(storyID, Classify(err))
	}

	if story.Extensions.RemoteID != nil {
		return o.createFailure(storyID, newError(KindAlreadyLinked,
			"story %s is already linked to work item %d", storyID, *story.Extensions.RemoteID))
	}

	if remoteType == "" {
		remoteType = o.cfg.WorkItemType
	}
	fields := o.mapper.MapLocalToRemoteFields(story)
	item, err := o.client.CreateItem(ctx, remoteType, fields)
	if err != nil {
		return o.createFailure(storyID, Classify(err))
	}

	id := item.ID
	link := store.Extensions{
		RemoteID:           &id,
		RemoteURL:          item.URL,
		RemoteLastSyncAt:   time.Now().UTC().Format(time.RFC3339),
		RemoteRevision:     item.Rev,
		RemoteWorkItemType: remoteType,
	}
	story.Extensions.Merge(link)
	if err := o.store.UpdateExtensions(ctx, story.ID, story.Extensions); err != nil {
		// The remote item exists but the link did not persist. Surface the
		// id so an operator can relink by hand instead of re-creating.
		return o.createFailure(storyID, newError(KindInternal,
			"work item %d created but link not persisted: %v", id, err))
	}

	o.mu.Lock()
	now := time.Now().UTC()
	o.status.LastPush = &now
	o.status.ItemsPushed++
	o.mu.Unlock()

	o.logger.Printf("created work item %d for story %s", id, storyID)
	return &CreateResult{
		Success:   true,
		StoryID:   storyID,
		RemoteID:  id,
		RemoteURL: item.URL,
	}
}

// PushPendingChanges pushes every linked story whose local update is newer
// than its last push. Unlinked stories never enter the batch.
func (o *Outbound) PushPendingChanges(ctx context.Context) *SyncResult {
	startedAt := time.Now().UTC()

	pending, err := o.store.ListPendingPush(ctx)
	if err != nil {
		serr := Classify(err)
		o.recordError(serr)
		result := failedRun("outbound", startedAt, serr)
		if o.cfg.OnBatchComplete != nil {
			o.cfg.OnBatchComplete(result)
		}
		return result
	}

	result := &SyncResult{
		Success:   true,
		Direction: "outbound",
		StartedAt: startedAt,
	}
	for _, story := range pending {
		if story.Extensions.RemoteID == nil {
			continue
		}
		result.ItemsProcessed++
		push := o.PushStateChangeByRemoteID(ctx, *story.Extensions.RemoteID, story.Status)
		if !push.Success {
			result.Errors = append(result.Errors, ItemError{
				RemoteID: *story.Extensions.RemoteID,
				StoryID:  story.ID,
				Kind:     push.Kind,
				Message:  push.Message,
			})
			continue
		}
		if push.Skipped {
			result.ItemsSkipped++
		} else {
			result.ItemsUpdated++
		}
	}

	result.CompletedAt = time.Now().UTC()
	o.logger.Printf("pending push complete: %d processed, %d updated, %d skipped, %d error(s)",
		result.ItemsProcessed, result.ItemsUpdated, result.ItemsSkipped, len(result.Errors))
	if o.cfg.OnBatchComplete != nil {
		o.cfg.OnBatchComplete(result)
	}
	return result
}

// Status returns a snapshot of the push summary with the pending count
// computed live from the store.
func (o *Outbound) Status(ctx context.Context) OutboundStatus {
	o.mu.Lock()
	s := o.status
	o.mu.Unlock()

	pending, err := o.store.CountPendingPush(ctx)
	if err != nil {
		o.logger.Printf("pending count failed: %v", err)
	} else {
		s.PendingChanges = pending
	}
	return s
}

// ResetErrors clears the accumulated error counter and last error.
func (o *Outbound) ResetErrors() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.ErrorCount = 0
	o.status.LastError = ""
}

func (o *Outbound) recordError(serr *SyncError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.ErrorCount++
	o.status.LastError = serr.Error()
}

func (o *Outbound) pushFailure(storyID string, remoteID int, serr *SyncError) *PushResult {
	o.recordError(serr)
	o.logger.Printf("push failed: %v", serr)
	return &PushResult{
		Kind:     serr.Kind,
		Message:  serr.Message,
		StoryID:  storyID,
		RemoteID: remoteID,
	}
}

func (o *Outbound) createFailure(storyID string, serr *SyncError) *CreateResult {
	o.recordError(serr)
	o.logger.Printf("create failed: %v", serr)
	return &CreateResult{
		Kind:    serr.Kind,
		Message: serr.Message,
		StoryID: storyID,
	}
}
