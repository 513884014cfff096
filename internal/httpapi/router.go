package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentcore/platform/internal/approval"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/metrics"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/stream"
	"github.com/agentcore/platform/internal/tenant"
	"github.com/agentcore/platform/internal/tool"
	"github.com/agentcore/platform/internal/workerspace"
)

// Server holds every dependency the HTTP handlers need. One Server
// backs the whole process; handlers never construct their own
// dependencies.
type Server struct {
	Registry  *workerspace.Registry
	Approvals *approval.Manager
	Tools     *tool.Mediator
	Streams   *stream.Manager
	Store     *store.Store
	Metrics   *metrics.Registry
	Logger    logging.Logger
	Validator *tenant.Validator
}

// Routes builds the full router: health/metrics endpoints
// unauthenticated, everything else behind the tenant Isolation
// Middleware, grouped the way
// other_examples/erauner12-toolbridge-api's Routes() groups its own
// sync/REST surfaces by required middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	r.Route("/my", func(r chi.Router) {
		r.Use(tenant.Middleware(s.Validator, s.Logger))

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.createProject)
			r.Get("/", s.listProjects)

			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", s.getProject)
				r.Patch("/", s.updateProject)
				r.Delete("/", s.deleteProject)

				r.Route("/agents", func(r chi.Router) {
					r.Post("/", s.createAgent)
					r.Get("/", s.listAgents)
					r.Route("/{agentID}", func(r chi.Router) {
						r.Get("/", s.getAgent)
						r.Patch("/", s.updateAgent)
						r.Delete("/", s.deleteAgent)
					})
				})

				r.Route("/sessions", func(r chi.Router) {
					r.Post("/", s.createSession)
					r.Get("/", s.listSessions)
					r.Route("/{sessionID}", func(r chi.Router) {
						r.Get("/", s.getSession)
						r.Delete("/", s.deleteSession)
						r.Post("/messages", s.sendMessage)
						r.Get("/events", s.streamEvents)
					})
				})
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.listApprovals)
			r.Post("/{approvalID}/resolve", s.resolveApproval)
		})

		r.Post("/tool-executions/{execID}/result", s.postToolResult)
	})

	return r
}
