package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rzbill/ipcd/internal/archive"
	"github.com/rzbill/ipcd/internal/runtime"
)

const defaultFrameLimit = 100

// ArchiveController serves the archive of retired logs. Every route answers
// 404 when archiving is disabled.
type ArchiveController struct {
	rt *runtime.Runtime
}

// NewArchiveController creates a new archive controller.
func NewArchiveController(rt *runtime.Runtime) *ArchiveController {
	return &ArchiveController{rt: rt}
}

// RegisterRoutes registers archive routes with the given mux.
//
//   - GET  /v1/archive                 list entries
//   - GET  /v1/archive/frames?id=&from=&limit=  read frames of one entry
//   - POST /v1/archive/prune           drop entries older than a duration
func (c *ArchiveController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/archive", c.handleList)
	mux.HandleFunc("/v1/archive/frames", c.handleFrames)
	mux.HandleFunc("/v1/archive/prune", c.handlePrune)
}

func (c *ArchiveController) archive(w http.ResponseWriter) *archive.Archive {
	a := c.rt.Archive()
	if a == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
	}
	return a
}

func (c *ArchiveController) handleList(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	a := c.archive(w)
	if a == nil {
		return
	}
	entries, err := a.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"entries": entries})
}

func (c *ArchiveController) handleFrames(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	a := c.archive(w)
	if a == nil {
		return
	}
	q := r.URL.Query()
	id, ok := parseInt64(q.Get("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if _, err := a.Get(id); errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such entry")
		return
	}
	from, _ := parseInt64(q.Get("from"))
	frames, err := a.Read(r.Context(), id, from, parseLimit(q.Get("limit"), defaultFrameLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]frameView, len(frames))
	for i, f := range frames {
		out[i] = newFrameView(f.Position, f.Header, f.Payload)
	}
	writeJSON(w, map[string]any{"frames": out})
}

func (c *ArchiveController) handlePrune(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	a := c.archive(w)
	if a == nil {
		return
	}
	var req pruneReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age < 0 {
		writeError(w, http.StatusBadRequest, "olderThan must be a non-negative duration")
		return
	}
	batch := req.Batch
	if batch <= 0 {
		batch = c.rt.Config().Retention.PruneBatch
	}
	cutoff := c.rt.Clock().Now().Add(-age)
	removed, err := a.PruneOlderThan(r.Context(), cutoff, batch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, pruneResp{Cutoff: cutoff, Removed: removed})
}
