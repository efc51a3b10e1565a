package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/keel/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keel/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/keel/internal/httpserver/mw"
)

func init() { Register(registerAPI) }

func registerAPI(r chi.Router, d deps.Deps) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger))
		r.Use(mw.RateLimit(mw.RateLimitConfig{
			RPS:        d.RateLimitRPS,
			Burst:      d.RateLimitBurst,
			MaxEntries: 4096,
			TrustProxy: d.TrustProxy,
		}))

		r.Get("/status", handlers.Status(d))
		r.Post("/reload", handlers.Reload(d))
		r.Post("/start-all", handlers.StartAll(d))
		r.Post("/stop-all", handlers.StopAll(d))

		r.Route("/services", func(r chi.Router) {
			r.Get("/", handlers.ListServices(d))
			r.Post("/", handlers.CreateService(d))
			r.Get("/{name}", handlers.GetService(d))
			r.Delete("/{name}", handlers.DeleteService(d))
			r.Get("/{name}/health", handlers.ServiceHealth(d))
			r.Post("/{name}/{action}", handlers.ServiceAction(d))
		})

		r.Get("/instances/{id}/health", handlers.InstanceHealth(d))

		r.Post("/route", handlers.Route(d))
		r.Post("/outcomes", handlers.Outcome(d))

		r.Get("/faults", handlers.Faults(d))
		r.Get("/faults/history", handlers.FaultHistory(d))
		r.Delete("/faults/{id}", handlers.ResetFault(d))
	})
}
