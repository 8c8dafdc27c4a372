package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"cdflake/internal/domain"
)

// tableSchema looks up the schema used to decode rows of the request.
func (h *Handler) tableSchema(r *http.Request, name string) (domain.Schema, error) {
	sum, err := h.tables.GetTable(r.Context(), name)
	if err != nil {
		return domain.Schema{}, err
	}
	return sum.Schema, nil
}

func (h *Handler) insert(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req InsertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	schema, err := h.tableSchema(r, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := rowsFromMaps(schema, req.Rows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.tables.Insert(r.Context(), name, rows, domain.MutationOptions{UserMetadata: req.UserMetadata})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.tables.Update(r.Context(), chi.URLParam(r, "name"), req.Predicate, req.Set,
		domain.MutationOptions{UserMetadata: req.UserMetadata})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.tables.Delete(r.Context(), chi.URLParam(r, "name"), req.Predicate,
		domain.MutationOptions{UserMetadata: req.UserMetadata})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) merge(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req MergeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	schema, err := h.tableSchema(r, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	source, err := rowsFromMaps(schema, req.Source)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.tables.Merge(r.Context(), name, domain.MergeRequest{
		Source:         source,
		MatchKey:       req.MatchKey,
		WhenMatched:    req.WhenMatched,
		WhenNotMatched: req.WhenNotMatched,
	}, domain.MutationOptions{UserMetadata: req.UserMetadata})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
