package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cdflake/internal/domain"
)

// streamChanges writes one JSON object per change event (NDJSON). Errors
// found before the first byte is written get a normal error response; later
// ones end the stream with a StreamError line.
func (h *Handler) streamChanges(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := r.URL.Query()
	var from int64
	if raw := q.Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, r, domain.ErrValidation("from must be a version number, got %q", raw))
			return
		}
		from = v
	}
	to, err := parseVersion(q.Get("to"), "to")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	schema, err := h.tableSchema(r, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reader, err := h.changes.Changes(r.Context(), name, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			h.logger.WarnContext(r.Context(), "close change reader", "table", name, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	n := 0
	for reader.Next() {
		ev := reader.Event()
		if err := enc.Encode(ChangeRecord{
			ChangeType:      ev.ChangeType,
			Row:             schema.RowToMap(ev.Row),
			CommitVersion:   ev.CommitVersion,
			CommitTimestamp: ev.CommitTimestamp,
		}); err != nil {
			// Client went away.
			return
		}
		n++
		if flusher != nil && n%256 == 0 {
			flusher.Flush()
		}
	}
	if err := reader.Err(); err != nil {
		h.logger.WarnContext(r.Context(), "change stream aborted", "table", name, "events", n, "error", err)
		_ = enc.Encode(StreamError{Error: err.Error()})
	}
}

func (h *Handler) latestInserts(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req RangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	schema, err := h.tableSchema(r, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.changes.LatestInserts(r.Context(), name, req.From, req.To)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rowsToMaps(schema, rows)})
}

func (h *Handler) propagate(w http.ResponseWriter, r *http.Request) {
	var req PropagateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.changes.Propagate(r.Context(), h.tables, chi.URLParam(r, "name"), req.Target,
		req.From, req.To, domain.MutationOptions{UserMetadata: req.UserMetadata})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
