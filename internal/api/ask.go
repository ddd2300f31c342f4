package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/pipeline"
)

const maxAskBodyBytes = 1 << 20

type askRequest struct {
	Question            string     `json:"question"`
	ConversationHistory []llm.Turn `json:"conversation_history"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Asker == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "question answering is not configured", false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	for i, turn := range request.ConversationHistory {
		if turn.Role != llm.RoleUser && turn.Role != llm.RoleAssistant {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_HISTORY", "conversation_history roles must be user or assistant", false, map[string]any{"index": i})
			return
		}
	}

	ctx := r.Context()
	if deps.AskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.AskTimeout)
		defer cancel()
	}

	answer, err := deps.Asker.Ask(ctx, pipeline.Question{
		Text:    request.Question,
		History: request.ConversationHistory,
	})
	if err != nil {
		handleAskError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func handleAskError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuestion):
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
	case errors.Is(err, pipeline.ErrInfrastructure):
		writeError(r.Context(), w, http.StatusServiceUnavailable, "INFRASTRUCTURE_UNAVAILABLE", "the question could not be answered right now", true, nil)
	case r.Context().Err() != nil:
		// The caller is gone; nothing useful can be written.
		if deps.Logger != nil {
			deps.Logger.DebugContext(r.Context(), "ask abandoned by caller", "error", err)
		}
	case errors.Is(err, context.DeadlineExceeded):
		writeError(r.Context(), w, http.StatusGatewayTimeout, "ASK_TIMEOUT", "answering the question took too long", true, nil)
	default:
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "ask failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "ASK_FAILED", "failed to answer the question", true, nil)
	}
}
