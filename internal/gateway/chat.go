package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/internal/storage"
	"github.com/haasonsaas/concierge/pkg/models"
)

type chatRequest struct {
	ConversationID string              `json:"conversation_id"`
	Message        string              `json:"message"`
	Attachments    []models.Attachment `json:"attachments"`
	Provider       string              `json:"provider"`
	Model          string              `json:"model"`
}

type statusPayload struct {
	Status string `json:"status"`
	Tool   string `json:"tool,omitempty"`
}

type textPayload struct {
	Text string `json:"text"`
}

type donePayload struct {
	ConversationID string       `json:"conversation_id"`
	Usage          models.Usage `json:"usage"`
	Rounds         int          `json:"rounds"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// handleChat answers one user message as a server-sent event stream:
// status events while tools run, text deltas of the final answer, then a
// single done or error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, callerID string) {
	if ok, wait := s.limiter.Reserve(callerID); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req chatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	conversationID := strings.TrimSpace(req.ConversationID)
	var history []models.ChatMessage
	if conversationID == "" {
		conversationID = uuid.NewString()
	} else if s.conversations != nil {
		conv, err := s.conversations.Get(ctx, conversationID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			s.logger.Error("load conversation failed", "conversation_id", conversationID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not load conversation")
			return
		case conv.CallerID != callerID:
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		default:
			history, err = s.conversations.History(ctx, conversationID, s.cfg.HistoryLimit)
			if err != nil {
				s.logger.Error("load history failed", "conversation_id", conversationID, "error", err)
				writeError(w, http.StatusInternalServerError, "could not load conversation")
				return
			}
		}
	}

	events, err := s.chat.Run(ctx, &agent.Turn{
		CallerID:       callerID,
		ConversationID: conversationID,
		Provider:       req.Provider,
		Model:          req.Model,
		History:        history,
		Message: models.ChatMessage{
			Role:        models.RoleUser,
			Content:     req.Message,
			Attachments: req.Attachments,
		},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, agent.PublicMessage(err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		// Drain so the turn goroutine can finish.
		for range events {
		}
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Conversation-ID", conversationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		var payload any
		switch ev.Type {
		case agent.EventStatus:
			payload = statusPayload{Status: ev.Status, Tool: ev.Tool}
		case agent.EventText:
			payload = textPayload{Text: ev.Text}
		case agent.EventDone:
			payload = donePayload{ConversationID: conversationID, Usage: ev.Usage, Rounds: ev.Rounds}
		case agent.EventError:
			payload = errorPayload{Error: agent.PublicMessage(ev.Err)}
		default:
			continue
		}
		if err := writeEvent(w, string(ev.Type), payload); err != nil {
			s.logger.Debug("client went away", "conversation_id", conversationID, "error", err)
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request, callerID string) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.chat.Tools(r.Context(), callerID)})
}
