package api

import (
	"net/http"

	"github.com/askmesh/askmesh/internal/catalog"
	"github.com/askmesh/askmesh/internal/observability"
)

func handleListCatalog(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "metadata catalog is not configured", false, nil)
		return
	}
	writeCatalog(deps, w, http.StatusOK)
}

func handleRefreshCatalog(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "metadata catalog is not configured", false, nil)
		return
	}
	err := deps.Catalog.Refresh(r.Context())
	observability.ObserveCatalogRefresh(err)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "CATALOG_REFRESH_FAILED", "failed to refresh the metadata catalog", true, map[string]any{"details": err.Error()})
		return
	}
	writeCatalog(deps, w, http.StatusOK)
}

func writeCatalog(deps Dependencies, w http.ResponseWriter, status int) {
	entries := deps.Catalog.Entries()
	if entries == nil {
		entries = []catalog.Entry{}
	}
	response := map[string]any{
		"tables": entries,
		"count":  len(entries),
	}
	if loadedAt := deps.Catalog.LoadedAt(); !loadedAt.IsZero() {
		response["loaded_at"] = loadedAt
	}
	writeJSON(w, status, response)
}
