package controllers

import (
	"net/http"

	"github.com/rzbill/ipcd/internal/runtime"
)

// GeneralController serves driver liveness, the distinct error log and
// retention statistics.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/errors", c.handleErrors)
	mux.HandleFunc("/v1/retention", c.handleRetention)
}

// handleHealth returns 200 with {"status":"ok"} while the conductor heartbeat
// is fresh and 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleErrors(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	log := c.rt.ErrorLog()
	writeJSON(w, map[string]any{
		"errors":  log.Observations(),
		"dropped": log.Dropped(),
	})
}

func (c *GeneralController) handleRetention(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	cfg := c.rt.Config().Retention
	writeJSON(w, map[string]any{
		"policy":  cfg.Policy,
		"archive": c.rt.Archive() != nil,
		"stats":   c.rt.RetentionStats(),
		"maxAge":  cfg.MaxAge.D().String(),
	})
}
