package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/storyforge/adosync/internal/engine"
	"github.com/storyforge/adosync/internal/store"
)

// SyncCompleteData summarizes a finished engine run for the feed.
type SyncCompleteData struct {
	Success        bool   `json:"success"`
	Direction      string `json:"direction"`
	ItemsProcessed int    `json:"items_processed"`
	ItemsCreated   int    `json:"items_created"`
	ItemsUpdated   int    `json:"items_updated"`
	ItemsSkipped   int    `json:"items_skipped"`
	ErrorCount     int    `json:"error_count"`
	Duration       string `json:"duration"`
}

// PushCompleteData summarizes a single outbound push.
type PushCompleteData struct {
	Success       bool   `json:"success"`
	StoryID       string `json:"story_id,omitempty"`
	RemoteID      int    `json:"remote_id,omitempty"`
	PreviousState string `json:"previous_state,omitempty"`
	NewState      string `json:"new_state,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StoryUpdateData describes a story the sync touched.
type StoryUpdateData struct {
	StoryID  string `json:"story_id"`
	Code     string `json:"code"`
	Action   string `json:"action"` // created, updated
	Status   string `json:"status,omitempty"`
	Title    string `json:"title,omitempty"`
	RemoteID int    `json:"remote_id,omitempty"`
}

// Handler formats engine results as dashboard messages. It bridges between
// the sync engines and the WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates an event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// OnSyncComplete broadcasts a finished inbound or outbound run.
func (h *Handler) OnSyncComplete(result *engine.SyncResult) {
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Success:        result.Success,
		Direction:      result.Direction,
		ItemsProcessed: result.ItemsProcessed,
		ItemsCreated:   result.ItemsCreated,
		ItemsUpdated:   result.ItemsUpdated,
		ItemsSkipped:   result.ItemsSkipped,
		ErrorCount:     len(result.Errors),
		Duration:       result.CompletedAt.Sub(result.StartedAt).String(),
	})
}

// OnPushComplete broadcasts a single push outcome.
func (h *Handler) OnPushComplete(result *engine.PushResult) {
	data := PushCompleteData{
		Success:       result.Success,
		StoryID:       result.StoryID,
		RemoteID:      result.RemoteID,
		PreviousState: result.PreviousState,
		NewState:      result.NewState,
		Skipped:       result.Skipped,
	}
	if !result.Success {
		data.Error = result.Message
	}
	h.send(MessageTypePushComplete, data)
}

// OnStoryUpdate broadcasts a story created or updated by inbound sync.
func (h *Handler) OnStoryUpdate(story *store.Story, action string) {
	data := StoryUpdateData{
		StoryID: story.ID,
		Code:    story.Code,
		Action:  action,
		Status:  string(story.Status),
		Title:   story.Title,
	}
	if story.Extensions.RemoteID != nil {
		data.RemoteID = *story.Extensions.RemoteID
	}
	h.send(MessageTypeStoryUpdate, data)
}

func (h *Handler) send(msgType MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", msgType, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
