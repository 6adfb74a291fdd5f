package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/concierge/internal/storage"
)

const defaultUsageWindow = 30 * 24 * time.Hour

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, callerID string) {
	if s.conversations == nil {
		writeError(w, http.StatusNotFound, "conversations are not stored")
		return
	}
	convs, err := s.conversations.List(r.Context(), callerID, queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error("list conversations failed", "caller_id", callerID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, callerID string) {
	if s.conversations == nil {
		writeError(w, http.StatusNotFound, "conversations are not stored")
		return
	}
	id := r.PathValue("id")
	conv, err := s.conversations.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && conv.CallerID != callerID) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("load conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	messages, err := s.conversations.History(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("load history failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": messages})
}

// handleUsage sums token usage since ?since= (RFC 3339), defaulting to the
// last 30 days.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, callerID string) {
	if s.conversations == nil {
		writeError(w, http.StatusNotFound, "conversations are not stored")
		return
	}
	since := s.now().Add(-defaultUsageWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}
	usage, err := s.conversations.Usage(r.Context(), callerID, since)
	if err != nil {
		s.logger.Error("load usage failed", "caller_id", callerID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since.UTC(), "usage": usage})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
