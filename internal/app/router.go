package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	compliancehttp "github.com/rinkledger/rinkledger/internal/compliance/http"
	"github.com/rinkledger/rinkledger/internal/observability"
	policyhttp "github.com/rinkledger/rinkledger/internal/policy/http"
	quorumhttp "github.com/rinkledger/rinkledger/internal/quorum/http"
	seasonhttp "github.com/rinkledger/rinkledger/internal/season/http"
	"github.com/rinkledger/rinkledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	SeasonHandler     *seasonhttp.Handler
	ComplianceHandler *compliancehttp.Handler
	QuorumHandler     *quorumhttp.Handler
	PolicyHandler     *policyhttp.Handler
	JobsHandler       *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
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

	r.Route("/api/v1", func(api chi.Router) {
		if params.SeasonHandler != nil {
			params.SeasonHandler.MountRoutes(api)
		}
		if params.ComplianceHandler != nil {
			params.ComplianceHandler.MountRoutes(api)
		}
		if params.QuorumHandler != nil {
			params.QuorumHandler.MountRoutes(api)
		}
		if params.PolicyHandler != nil {
			params.PolicyHandler.MountRoutes(api)
		}
	})

	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
