package controllers

import (
	"net/http"

	"github.com/rzbill/ipcd/internal/runtime"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general  *GeneralController
	counters *CountersController
	archive  *ArchiveController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime) *ControllerRegistry {
	return &ControllerRegistry{
		general:  NewGeneralController(rt),
		counters: NewCountersController(rt),
		archive:  NewArchiveController(rt),
	}
}

// RegisterRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.counters.RegisterRoutes(mux)
	r.archive.RegisterRoutes(mux)
}
