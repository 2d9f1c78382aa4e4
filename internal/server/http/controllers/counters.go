package controllers

import (
	"net/http"
	"sort"

	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/runtime"
)

// CountersController exposes the counters file and the live publications.
type CountersController struct {
	rt *runtime.Runtime
}

// NewCountersController creates a new counters controller.
func NewCountersController(rt *runtime.Runtime) *CountersController {
	return &CountersController{rt: rt}
}

// RegisterRoutes registers counter and publication routes with the given mux.
func (c *CountersController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/counters", c.handleCounters)
	mux.HandleFunc("/v1/publications", c.handlePublications)
}

// handleCounters lists every allocated counter. An optional "type" query
// filters by type name, e.g. ?type=pub-lmt.
func (c *CountersController) handleCounters(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	typ := r.URL.Query().Get("type")
	out := make([]counterView, 0)
	c.rt.Counters().ForEach(func(id int32, value int64, meta counters.Meta) bool {
		if typ == "" || counters.TypeName(meta.TypeID) == typ {
			out = append(out, newCounterView(id, value, meta))
		}
		return true
	})
	writeJSON(w, map[string]any{"counters": out})
}

func (c *CountersController) handlePublications(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	pubs := c.rt.Client().Publications()
	sort.Slice(pubs, func(i, j int) bool { return pubs[i].RegistrationID < pubs[j].RegistrationID })
	writeJSON(w, map[string]any{"publications": pubs})
}
