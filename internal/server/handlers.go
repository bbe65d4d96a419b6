package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/storyforge/adosync/internal/engine"
	"github.com/storyforge/adosync/internal/store"
)

// statusCodeFor maps engine error kinds to HTTP statuses. Engine methods
// never fail past their boundary, so handlers only translate and encode.
func statusCodeFor(kind engine.ErrorKind) int {
	switch kind {
	case engine.KindStoryNotFound, engine.KindRemoteNotFound:
		return http.StatusNotFound
	case engine.KindNoRemoteLink, engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindAlreadyLinked:
		return http.StatusConflict
	case engine.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case engine.KindAuthorizationFailed:
		return http.StatusForbidden
	case engine.KindRateLimited:
		return http.StatusTooManyRequests
	case engine.KindRemoteServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result := s.inbound.SyncNow(r.Context())
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleSyncOne(w http.ResponseWriter, r *http.Request) {
	remoteID, err := strconv.Atoi(r.PathValue("remoteId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid remote id %q", r.PathValue("remoteId"))
		return
	}

	item, serr := s.inbound.SyncOne(r.Context(), remoteID)
	if serr != nil {
		writeJSON(w, statusCodeFor(serr.Kind), map[string]string{
			"kind":    string(serr.Kind),
			"message": serr.Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"inbound":  s.inbound.Status(),
		"outbound": s.outbound.Status(r.Context()),
	})
}

type pushRequest struct {
	Status string `json:"status"`
}

var pushableStatuses = map[store.Status]bool{
	store.StatusDraft:      true,
	store.StatusPlanned:    true,
	store.StatusInProgress: true,
	store.StatusReview:     true,
	store.StatusCompleted:  true,
	store.StatusCancelled:  true,
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("storyId")

	var req pushRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	status := store.Status(req.Status)
	if !pushableStatuses[status] {
		writeError(w, http.StatusBadRequest, "unknown status %q", req.Status)
		return
	}

	result := s.outbound.PushStateChange(r.Context(), storyID, status)
	if !result.Success {
		writeJSON(w, statusCodeFor(result.Kind), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePushPending(w http.ResponseWriter, r *http.Request) {
	result := s.outbound.PushPendingChanges(r.Context())
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

type createWorkItemRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("storyId")

	var req createWorkItemRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	result := s.outbound.CreateWorkItemFromStory(r.Context(), storyID, req.Type)
	if !result.Success {
		writeJSON(w, statusCodeFor(result.Kind), result)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleResetErrors(w http.ResponseWriter, r *http.Request) {
	s.outbound.ResetErrors()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody parses an optional JSON body. An empty body leaves dst zeroed.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
