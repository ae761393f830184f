package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the top-level router: chi's standard middleware stack,
// the authenticated /api/* surface, the federation sub-router mounted
// unauthenticated at /api/federation, and the unauthenticated /ws socket --
// per SPEC_FULL §4.H, only those last two skip the bearer-token check.
func NewRouter(h *Handler, federationRouter chi.Router, ws http.Handler, authEnabled bool, token string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Mount("/federation", federationRouter)

		api.Group(func(pr chi.Router) {
			pr.Use(AuthMiddleware(authEnabled, token))

			pr.Get("/health", h.Health)
			pr.Get("/status", h.Status)
			pr.Post("/status/reindex", h.StatusReindex)

			pr.Get("/files", h.ListFiles)
			pr.Get("/files/*", h.GetFile)
			pr.Put("/files/*", h.PutFile)

			pr.Get("/search", h.Search)

			pr.Get("/graph", h.Graph)
			pr.Get("/graph/neighbors/*", h.GraphNeighbors)

			pr.Get("/projects", h.ListProjects)
			pr.Get("/projects/{name}/tree", h.ProjectTree)
			pr.Get("/projects/{name}/file/*", h.ProjectFile)
			pr.Put("/projects/{name}/file/*", h.PutProjectFile)
		})
	})

	if ws != nil {
		r.Get("/ws", ws.ServeHTTP)
	}

	return r
}
