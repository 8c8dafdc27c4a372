package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cdflake/internal/domain"
)

const maxBodyBytes = 64 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}

func parseVersion(raw, param string) (*int64, error) {
	if raw == "" || raw == "latest" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, domain.ErrValidation("%s must be a version number or \"latest\", got %q", param, raw)
	}
	return &v, nil
}

func rowsFromMaps(schema domain.Schema, maps []map[string]any) ([]domain.Row, error) {
	rows := make([]domain.Row, len(maps))
	for i, m := range maps {
		r, err := schema.RowFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows[i] = r
	}
	return rows, nil
}

func rowsToMaps(schema domain.Schema, rows []domain.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = schema.RowToMap(r)
	}
	return out
}

func (h *Handler) createTable(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sum, err := h.tables.CreateTable(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (h *Handler) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.tables.ListTables(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (h *Handler) getTable(w http.ResponseWriter, r *http.Request) {
	sum, err := h.tables.GetTable(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) dropTable(w http.ResponseWriter, r *http.Request) {
	if err := h.tables.DropTable(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rows(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version, err := parseVersion(r.URL.Query().Get("version"), "version")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sum, err := h.tables.GetTable(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.tables.Snapshot(r.Context(), name, version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RowsResponse{
		Table:   snap.Table,
		Version: snap.Version,
		Rows:    rowsToMaps(sum.Schema, snap.Rows),
	})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	hist, err := h.tables.History(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) vacuumTable(w http.ResponseWriter, r *http.Request) {
	res, err := h.vacuum.Vacuum(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) vacuumAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.vacuum.Vacuum(r.Context(), "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
