package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sumandas0/contextd/internal/api/middleware"
	"github.com/sumandas0/contextd/internal/core"
	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/pkg/utils"
)

type EntityHandler struct {
	engine *core.Engine
}

func NewEntityHandler(engine *core.Engine) *EntityHandler {
	return &EntityHandler{
		engine: engine,
	}
}

// CreateEntity handles POST /v1/entities. The body is the expanded entity
// form: id, type, and one fragment per attribute name.
func (h *EntityHandler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	id, types, frags, err := decodeEntityBody(r)
	if err != nil {
		middleware.SendValidationError(w, r, "invalid request body", map[string]any{
			"error": err.Error(),
		})
		return
	}

	entity, err := h.engine.CreateEntity(r.Context(), id, types, frags)
	if err != nil {
		middleware.SendError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v1/entities/%s", entity.ID))
	w.WriteHeader(http.StatusCreated)
}

// GetEntity handles GET /v1/entities/{entityID}.
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	entity, err := h.engine.GetEntity(r.Context(), entityID)
	if err != nil {
		middleware.SendError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, entity.Payload())
}

// QueryEntities handles GET /v1/entities. The result is always the matching
// ids in store order; details=true renders the full payloads instead.
func (h *EntityHandler) QueryEntities(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	typeLabel := params.Get("type")
	limit, offset := parsePagination(params.Get("limit"), params.Get("offset"))
	details := params.Get("details") == "true"

	if typeLabel == "" && !params.Has("q") {
		middleware.SendValidationError(w, r, "one of 'type' or 'q' must be provided", nil)
		return
	}

	if details && !params.Has("q") {
		entities, err := h.engine.ListEntities(r.Context(), typeLabel, limit, offset)
		if err != nil {
			middleware.SendError(w, r, err)
			return
		}

		payloads := make([]map[string]any, 0, len(entities))
		for _, entity := range entities {
			payloads = append(payloads, entity.Payload())
		}
		sendJSON(w, http.StatusOK, payloads)
		return
	}

	predicates, err := models.ParseQueryPredicates(params.Get("q"))
	if err != nil {
		middleware.SendError(w, r, err)
		return
	}

	ids, err := h.engine.QueryEntities(r.Context(), models.EntityQuery{
		Type:       typeLabel,
		Predicates: predicates,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		middleware.SendError(w, r, err)
		return
	}

	if !details {
		if ids == nil {
			ids = []string{}
		}
		sendJSON(w, http.StatusOK, ids)
		return
	}

	payloads := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entity, err := h.engine.GetEntity(r.Context(), id)
		if err != nil {
			if utils.IsNotFound(err) {
				// deleted between match and render
				continue
			}
			middleware.SendError(w, r, err)
			return
		}
		payloads = append(payloads, entity.Payload())
	}
	sendJSON(w, http.StatusOK, payloads)
}

// UpdateEntity handles PATCH /v1/entities/{entityID} with a body of attribute
// fragments.
func (h *EntityHandler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var frags map[string]models.Fragment
	if err := json.NewDecoder(r.Body).Decode(&frags); err != nil {
		middleware.SendValidationError(w, r, "invalid request body", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if err := h.engine.UpdateEntity(r.Context(), entityID, frags); err != nil {
		middleware.SendError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateAttribute handles PATCH /v1/entities/{entityID}/attrs/{attrName}.
func (h *EntityHandler) UpdateAttribute(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	attrName := chi.URLParam(r, "attrName")

	var frag models.Fragment
	if err := json.NewDecoder(r.Body).Decode(&frag); err != nil {
		middleware.SendValidationError(w, r, "invalid request body", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if err := h.engine.UpdateAttribute(r.Context(), entityID, attrName, frag); err != nil {
		middleware.SendError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteEntity handles DELETE /v1/entities/{entityID}.
func (h *EntityHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	if err := h.engine.DeleteEntity(r.Context(), entityID); err != nil {
		middleware.SendError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeEntityBody splits the expanded entity form into its identity and
// attribute fragments. type accepts a single label or a list.
func decodeEntityBody(r *http.Request) (string, []string, map[string]models.Fragment, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return "", nil, nil, err
	}

	var id string
	if msg, ok := raw["id"]; ok {
		if err := json.Unmarshal(msg, &id); err != nil {
			return "", nil, nil, fmt.Errorf("id: %w", err)
		}
	}

	var types []string
	if msg, ok := raw["type"]; ok {
		if err := json.Unmarshal(msg, &types); err != nil {
			var single string
			if err := json.Unmarshal(msg, &single); err != nil {
				return "", nil, nil, fmt.Errorf("type: %w", err)
			}
			types = []string{single}
		}
	}

	frags := make(map[string]models.Fragment)
	for key, msg := range raw {
		if key == "id" || key == "type" {
			continue
		}
		var frag models.Fragment
		if err := json.Unmarshal(msg, &frag); err != nil {
			return "", nil, nil, fmt.Errorf("attribute %q: %w", key, err)
		}
		frags[key] = frag
	}

	return id, types, frags, nil
}

func parsePagination(limitStr, offsetStr string) (int, int) {
	limit := 0
	offset := 0
	if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(offsetStr); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
