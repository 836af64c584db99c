package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/foodops/internal/fulfillment"
	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/observability"
	"github.com/odyssey-erp/foodops/internal/production"
	"github.com/odyssey-erp/foodops/internal/settings"
	"github.com/odyssey-erp/foodops/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	InventoryHandler   *inventory.Handler
	ProductionHandler  *production.Handler
	FulfillmentHandler *fulfillment.Handler
	SettingsHandler    *settings.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with foodops defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.InventoryHandler != nil {
		r.Route("/inventory", params.InventoryHandler.MountRoutes)
	}
	if params.ProductionHandler != nil {
		r.Route("/production", params.ProductionHandler.MountRoutes)
	}
	if params.FulfillmentHandler != nil {
		r.Route("/fulfillment", params.FulfillmentHandler.MountRoutes)
	}
	if params.SettingsHandler != nil {
		r.Route("/settings", params.SettingsHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
