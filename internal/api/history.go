package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/askmesh/askmesh/internal/history"
	"github.com/askmesh/askmesh/internal/pipeline"
)

var historyOutcomes = map[string]struct{}{
	pipeline.OutcomeNameSuccess: {},
	pipeline.OutcomeNameEmpty:   {},
	pipeline.OutcomeNameError:   {},
	pipeline.OutcomeNameHalted:  {},
}

func handleListHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "question history is not configured", false, nil)
		return
	}

	filter := history.ListFilter{}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		filter.Limit = limit
	}
	if outcome := strings.TrimSpace(r.URL.Query().Get("outcome")); outcome != "" {
		if _, ok := historyOutcomes[outcome]; !ok {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_OUTCOME", "unknown outcome filter", false, map[string]any{"outcome": outcome})
			return
		}
		filter.Outcome = outcome
	}

	entries, err := deps.History.ListRecent(r.Context(), filter)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to list question history", true, map[string]any{"details": err.Error()})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": entries, "count": len(entries)})
}
