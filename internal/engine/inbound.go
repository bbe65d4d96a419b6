// Package engine implements the two halves of the sync core: the inbound
// poller that pulls Azure DevOps work items into the local store, and the
// outbound pusher that propagates local changes back out.
//
// Both engines classify every failure into a fixed error vocabulary and
// return result objects; no error escapes a public method as a raw error.
// Inbound precedence is remote-wins, with one exception: a story in draft
// status is never touched by inbound sync.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/adosync/internal/ado"
	"github.com/storyforge/adosync/internal/mapper"
	"github.com/storyforge/adosync/internal/store"
)

const (
	// DefaultPollInterval is the wait between scheduled inbound runs.
	DefaultPollInterval = 5 * time.Minute

	// defaultBackoffFloor and defaultBackoffCeiling bound the rate-limit
	// backoff added on top of the poll interval.
	defaultBackoffFloor   = 30 * time.Second
	defaultBackoffCeiling = 10 * time.Minute
)

// InboundConfig configures the inbound engine.
type InboundConfig struct {
	// PollInterval is the base wait between runs. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// AreaPath and IterationPath scope the remote query. Empty means
	// unscoped.
	AreaPath      string
	IterationPath string

	// BackoffFloor and BackoffCeiling bound the rate-limit backoff. Zero
	// values use package defaults.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration

	// OnRunComplete, when set, is called after every sync run, including
	// failed ones. Used to feed the dashboard.
	OnRunComplete func(*SyncResult)

	// OnStoryChange, when set, is called after a story is created or
	// updated by inbound sync. Action is "created" or "updated".
	OnStoryChange func(story *store.Story, action string)

	Logger *log.Logger
}

// Inbound pulls remote work items into the local store on a timer or on
// demand. A single-flight guard ensures at most one run executes at a time;
// an overlapping SyncNow is refused rather than queued.
type Inbound struct {
	client RemoteClient
	store  *store.Store
	mapper *mapper.Mapper
	cfg    InboundConfig
	logger *log.Logger

	mu       sync.Mutex
	syncing  bool
	polling  bool
	backoff  time.Duration
	stopPoll context.CancelFunc
	wg       sync.WaitGroup
	status   InboundStatus
}

// NewInbound creates an inbound engine. The store and client must outlive
// the engine.
func NewInbound(client RemoteClient, st *store.Store, m *mapper.Mapper, cfg InboundConfig) *Inbound {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = defaultBackoffFloor
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = defaultBackoffCeiling
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[inbound] ", log.LstdFlags)
	}
	return &Inbound{
		client: client,
		store:  st,
		mapper: m,
		cfg:    cfg,
		logger: logger,
	}
}

// SetNotifiers installs the run and story callbacks. Call before
// StartPolling or the first SyncNow.
func (e *Inbound) SetNotifiers(onRun func(*SyncResult), onStory func(story *store.Story, action string)) {
	e.cfg.OnRunComplete = onRun
	e.cfg.OnStoryChange = onStory
}

// StartPolling launches the recurring sync loop. It is a no-op if the loop
// is already running. The loop stops when StopPolling is called or ctx is
// cancelled.
func (e *Inbound) StartPolling(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.polling {
		return
	}
	e.polling = true

	pollCtx, cancel := context.WithCancel(ctx)
	e.stopPoll = cancel
	e.wg.Add(1)
	go e.pollLoop(pollCtx)
	e.logger.Printf("polling started (interval %s)", e.cfg.PollInterval)
}

// StopPolling stops the recurring loop and waits for an in-flight run to
// finish.
func (e *Inbound) StopPolling() {
	e.mu.Lock()
	if !e.polling {
		e.mu.Unlock()
		return
	}
	e.polling = false
	cancel := e.stopPoll
	e.stopPoll = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Printf("polling stopped")
}

func (e *Inbound) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		wait := e.nextWait()
		next := time.Now().UTC().Add(wait)
		e.mu.Lock()
		e.status.NextRun = &next
		e.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.mu.Lock()
			e.status.NextRun = nil
			e.mu.Unlock()
			return
		case <-timer.C:
		}

		if res := e.SyncNow(ctx); !res.Success {
			e.logger.Printf("scheduled sync failed: %d error(s)", len(res.Errors))
		}
	}
}

// nextWait is the delay before the next scheduled run: the poll interval
// plus any accumulated rate-limit backoff.
func (e *Inbound) nextWait() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.PollInterval + e.backoff
}

// SyncNow runs one full inbound sync. If a run is already in flight the
// call is refused immediately with a failed result and does not touch the
// store or the remote.
func (e *Inbound) SyncNow(ctx context.Context) *SyncResult {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		now := time.Now().UTC()
		return failedRun("inbound", now, newError(KindInternal, "sync already in progress"))
	}
	e.syncing = true
	e.status.IsSyncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.status.IsSyncing = false
		e.mu.Unlock()
	}()

	result := e.run(ctx)
	e.recordRun(result)
	if e.cfg.OnRunComplete != nil {
		e.cfg.OnRunComplete(result)
	}
	return result
}

// run executes the fetch-map-apply loop. A top-level fetch failure fails the
// whole run; per-item failures are recorded and the run continues.
func (e *Inbound) run(ctx context.Context) (result *SyncResult) {
	startedAt := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("panic during sync: %v", r)
			result = failedRun("inbound", startedAt, newError(KindInternal, "panic: %v", r))
		}
	}()

	items, err := e.client.QueryByFilter(ctx, e.mapper.SupportedTypes(), e.cfg.AreaPath, e.cfg.IterationPath)
	if err != nil {
		serr := Classify(err)
		e.logger.Printf("fetch failed: %v", serr)
		return failedRun("inbound", startedAt, serr)
	}

	result = &SyncResult{
		Success:   true,
		Direction: "inbound",
		StartedAt: startedAt,
	}
	for _, item := range items {
		result.ItemsProcessed++
		outcome, err := e.applyItem(ctx, item)
		if err != nil {
			serr := Classify(err)
			e.logger.Printf("item %d failed: %v", item.ID, serr)
			result.Errors = append(result.Errors, ItemError{
				RemoteID: item.ID,
				Kind:     serr.Kind,
				Message:  serr.Message,
			})
			continue
		}
		switch outcome {
		case itemCreated:
			result.ItemsCreated++
		case itemUpdated:
			result.ItemsUpdated++
		case itemSkipped:
			result.ItemsSkipped++
		}
	}

	result.CompletedAt = time.Now().UTC()
	e.logger.Printf("sync complete: %d processed, %d created, %d updated, %d skipped, %d error(s)",
		result.ItemsProcessed, result.ItemsCreated, result.ItemsUpdated, result.ItemsSkipped, len(result.Errors))
	return result
}

// SyncOne fetches and applies a single remote work item. Returns the fetched
// item on success, nil with a classified error otherwise.
func (e *Inbound) SyncOne(ctx context.Context, remoteID int) (*ado.WorkItem, *SyncError) {
	item, err := e.client.GetWorkItem(ctx, remoteID, true)
	if err != nil {
		return nil, Classify(err)
	}
	if _, err := e.applyItem(ctx, item); err != nil {
		return nil, Classify(err)
	}
	return item, nil
}

// Status returns a snapshot of the engine's run summary.
func (e *Inbound) Status() InboundStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	s.IsPolling = e.polling
	s.IsSyncing = e.syncing
	if e.backoff > 0 {
		s.CurrentBackoff = e.backoff.String()
	}
	return s
}

// Backoff returns the current rate-limit backoff.
func (e *Inbound) Backoff() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backoff
}

type itemOutcome int

const (
	itemSkipped itemOutcome = iota
	itemCreated
	itemUpdated
)

// applyItem maps one remote item and creates or updates the matching local
// story. Remote wins on update, except that a draft story is never touched
// and a cleared remote assignee falls back to the prior local value.
func (e *Inbound) applyItem(ctx context.Context, item *ado.WorkItem) (itemOutcome, error) {
	if !e.mapper.IsTypeSupported(item.Type()) {
		return itemSkipped, nil
	}

	fields := e.mapper.MapRemoteToLocal(item)
	existing, err := e.store.GetStoryByRemoteID(ctx, item.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return itemSkipped, fmt.Errorf("lookup story for work item %d: %w", item.ID, err)
	}

	if existing != nil {
		if existing.Status == store.StatusDraft {
			return itemSkipped, nil
		}
		existing.Title = fields.Title
		existing.Description = fields.Description
		existing.Why = fields.Why
		existing.Status = fields.Status
		existing.Priority = fields.Priority
		if fields.AssignedTo != "" {
			existing.AssignedTo = fields.AssignedTo
		}
		existing.Extensions.Merge(fields.Extensions)
		if err := e.store.UpdateStory(ctx, existing); err != nil {
			return itemSkipped, fmt.Errorf("update story %s: %w", existing.ID, err)
		}
		if e.cfg.OnStoryChange != nil {
			e.cfg.OnStoryChange(existing, "updated")
		}
		return itemUpdated, nil
	}

	feature, err := e.featureForAreaPath(ctx, item.StringField(ado.FieldAreaPath))
	if err != nil {
		return itemSkipped, err
	}
	n, err := e.store.NextStoryNumber(ctx, feature.ID)
	if err != nil {
		return itemSkipped, fmt.Errorf("mint story code: %w", err)
	}

	now := time.Now().UTC()
	story := &store.Story{
		ID:          uuid.NewString(),
		Code:        fmt.Sprintf("%s-%03d", feature.Code, n),
		FeatureID:   feature.ID,
		Title:       fields.Title,
		Description: fields.Description,
		Why:         fields.Why,
		Status:      fields.Status,
		Priority:    fields.Priority,
		AssignedTo:  fields.AssignedTo,
		Extensions:  fields.Extensions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if story.Title == "" {
		story.Title = fmt.Sprintf("Work item %d", item.ID)
	}
	if err := e.store.InsertStory(ctx, story); err != nil {
		return itemSkipped, fmt.Errorf("insert story for work item %d: %w", item.ID, err)
	}
	if e.cfg.OnStoryChange != nil {
		e.cfg.OnStoryChange(story, "created")
	}
	return itemCreated, nil
}

// featureForAreaPath finds or creates the feature owning stories for the
// given remote area path.
func (e *Inbound) featureForAreaPath(ctx context.Context, areaPath string) (*store.Feature, error) {
	code := SanitizeAreaCode(areaPath)
	feature, err := e.store.GetFeatureByCode(ctx, code)
	if err == nil {
		return feature, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup feature %s: %w", code, err)
	}

	now := time.Now().UTC()
	feature = &store.Feature{
		ID:        uuid.NewString(),
		Code:      code,
		Name:      featureName(areaPath, code),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertFeature(ctx, feature); err != nil {
		return nil, fmt.Errorf("create feature %s: %w", code, err)
	}
	e.logger.Printf("created feature %s for area path %q", code, areaPath)
	return feature, nil
}

// SanitizeAreaCode derives a feature code from a remote area path: the last
// path segment, upper-cased, non-alphanumerics stripped, truncated to 10
// characters, with "ADO" as the fallback when nothing survives.
func SanitizeAreaCode(areaPath string) string {
	segment := areaPath
	if i := strings.LastIndexAny(areaPath, "\\/"); i >= 0 {
		segment = areaPath[i+1:]
	}

	var b strings.Builder
	for _, r := range strings.ToUpper(segment) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	code := b.String()
	if len(code) > 10 {
		code = code[:10]
	}
	if code == "" {
		code = "ADO"
	}
	return code
}

func featureName(areaPath, code string) string {
	if i := strings.LastIndexAny(areaPath, "\\/"); i >= 0 {
		areaPath = areaPath[i+1:]
	}
	if areaPath != "" {
		return areaPath
	}
	return code
}

// recordRun folds a completed run into the status summary and adjusts the
// rate-limit backoff: a successful run clears it, a rate-limited run raises
// it from the floor, doubling up to the ceiling.
func (e *Inbound) recordRun(result *SyncResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := result.CompletedAt
	e.status.LastRun = &now
	e.status.ItemsSynced += result.ItemsProcessed
	e.status.ItemsCreated += result.ItemsCreated
	e.status.ItemsUpdated += result.ItemsUpdated
	e.status.ErrorCount += len(result.Errors)
	if len(result.Errors) > 0 {
		last := result.Errors[len(result.Errors)-1]
		e.status.LastError = fmt.Sprintf("%s: %s", last.Kind, last.Message)
	}

	if result.Success {
		e.backoff = 0
		return
	}
	if !runRateLimited(result) {
		return
	}
	if e.backoff == 0 {
		e.backoff = e.cfg.BackoffFloor
	} else {
		e.backoff *= 2
		if e.backoff > e.cfg.BackoffCeiling {
			e.backoff = e.cfg.BackoffCeiling
		}
	}
	e.logger.Printf("rate limited, backoff now %s", e.backoff)
}

func runRateLimited(result *SyncResult) bool {
	for _, itemErr := range result.Errors {
		if itemErr.Kind == KindRateLimited {
			return true
		}
	}
	return false
}
