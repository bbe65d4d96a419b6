// Package store provides the local SQLite store for features and stories.
//
// The store is the system of record for local work: Features group Stories,
// Stories carry the sync linkage to Azure DevOps work items inside their
// extensions record. The database runs in embedded mode with WAL enabled so
// the control plane and the sync engines can read concurrently.
package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a Story.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Priority is the local priority scale. P0 is most urgent.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Extensions holds remote-linkage metadata for a Story. Known fields are
// typed; anything else found in storage round-trips through Extra so keys
// written by other tools are never lost.
//
// RemoteID, once set, is never overwritten by the sync engines.
type Extensions struct {
	RemoteID           *int   `json:"remoteId,omitempty"`
	RemoteURL          string `json:"remoteUrl,omitempty"`
	RemoteLastSyncAt   string `json:"remoteLastSyncAt,omitempty"`
	RemoteRevision     int    `json:"remoteRevision,omitempty"`
	RemoteWorkItemType string `json:"remoteWorkItemType,omitempty"`
	LastPushedAt       string `json:"lastPushedAt,omitempty"`
	LastPushedStatus   string `json:"lastPushedStatus,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownExtensionKeys are the fields owned by the sync core. Everything else
// belongs to Extra.
var knownExtensionKeys = map[string]bool{
	"remoteId":           true,
	"remoteUrl":          true,
	"remoteLastSyncAt":   true,
	"remoteRevision":     true,
	"remoteWorkItemType": true,
	"lastPushedAt":       true,
	"lastPushedStatus":   true,
}

// MarshalJSON emits the typed fields plus any passthrough keys.
func (e Extensions) MarshalJSON() ([]byte, error) {
	type alias Extensions
	data, err := json.Marshal(alias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if !knownExtensionKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON parses the typed fields and captures unknown keys in Extra.
func (e *Extensions) UnmarshalJSON(data []byte) error {
	type alias Extensions
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Extensions(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownExtensionKeys[k] {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[k] = v
	}
	return nil
}

// Merge applies the remote-linkage fields from src onto e, preserving
// everything e already carries that src does not set. Passthrough keys from
// both sides survive, with e's value winning on collision. This is the
// merge-don't-overwrite rule for inbound updates.
func (e *Extensions) Merge(src Extensions) {
	if src.RemoteID != nil {
		e.RemoteID = src.RemoteID
	}
	if src.RemoteURL != "" {
		e.RemoteURL = src.RemoteURL
	}
	if src.RemoteLastSyncAt != "" {
		e.RemoteLastSyncAt = src.RemoteLastSyncAt
	}
	if src.RemoteRevision != 0 {
		e.RemoteRevision = src.RemoteRevision
	}
	if src.RemoteWorkItemType != "" {
		e.RemoteWorkItemType = src.RemoteWorkItemType
	}
	if src.LastPushedAt != "" {
		e.LastPushedAt = src.LastPushedAt
	}
	if src.LastPushedStatus != "" {
		e.LastPushedStatus = src.LastPushedStatus
	}
	for k, v := range src.Extra {
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		if _, exists := e.Extra[k]; !exists {
			e.Extra[k] = v
		}
	}
}

// Feature groups stories and owns the counter used to mint sequential
// story codes (CODE-NNN).
type Feature struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	StoryCounter int       `json:"story_counter"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Story is a unit of work. A Story with StatusDraft and no RemoteID in its
// extensions is local-only and must never be mutated by inbound sync.
type Story struct {
	ID                  string     `json:"id"`
	Code                string     `json:"code"`
	FeatureID           string     `json:"feature_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Why                 string     `json:"why,omitempty"`
	Status              Status     `json:"status"`
	Priority            Priority   `json:"priority"`
	AssignedTo          string     `json:"assigned_to,omitempty"`
	EstimatedComplexity string     `json:"estimated_complexity,omitempty"`
	Extensions          Extensions `json:"extensions"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Validate checks required fields before a write.
func (s *Story) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Code == "" {
		return fmt.Errorf("code is required")
	}
	if s.FeatureID == "" {
		return fmt.Errorf("feature_id is required")
	}
	if s.Title == "" {
		return fmt.Errorf("title is required")
	}
	if s.Status == "" {
		return fmt.Errorf("status is required")
	}
	if s.Priority == "" {
		return fmt.Errorf("priority is required")
	}
	return nil
}

// Validate checks required fields before a write.
func (f *Feature) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.Code == "" {
		return fmt.Errorf("code is required")
	}
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// IsLocalDraft reports whether the story is an unpromoted local draft. The
// inbound engine treats any draft as protected, linked or not.
func (s *Story) IsLocalDraft() bool {
	return s.Status == StatusDraft && s.Extensions.RemoteID == nil
}
