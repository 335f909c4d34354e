package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sumandas0/contextd/internal/api/middleware"
	"github.com/sumandas0/contextd/internal/core"
	"github.com/sumandas0/contextd/internal/models"
)

const optionTemporalValues = "temporalValues"

type TemporalHandler struct {
	temporal *core.TemporalEngine
}

func NewTemporalHandler(temporal *core.TemporalEngine) *TemporalHandler {
	return &TemporalHandler{
		temporal: temporal,
	}
}

// QueryTemporal handles GET /v1/temporal/entities/{entityID}. Validation
// failures surface before any store work.
func (h *TemporalHandler) QueryTemporal(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	params := r.URL.Query()

	query, err := models.BuildTemporalQuery(params)
	if err != nil {
		middleware.SendError(w, r, err)
		return
	}

	result, err := h.temporal.Query(r.Context(), entityID, query, hasOption(params.Get("options"), optionTemporalValues))
	if err != nil {
		middleware.SendError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, result)
}

// AppendAttributes handles POST /v1/temporal/entities/{entityID}/attrs with a
// body of observed attribute fragments.
func (h *TemporalHandler) AppendAttributes(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var frags map[string]models.Fragment
	if err := json.NewDecoder(r.Body).Decode(&frags); err != nil {
		middleware.SendValidationError(w, r, "invalid request body", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if err := h.temporal.AppendAttributes(r.Context(), entityID, frags); err != nil {
		middleware.SendError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func hasOption(options, wanted string) bool {
	for _, option := range strings.Split(options, ",") {
		if strings.TrimSpace(option) == wanted {
			return true
		}
	}
	return false
}
