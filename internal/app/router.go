package app

import (
	"net/http"
	"time"

	"unieval/internal/instance"
	"unieval/internal/report"
	"unieval/internal/response"
	"unieval/internal/template"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(a *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.Metrics.Middleware)

	limiter := a.Limiter
	if limiter == nil {
		limiter = NewIPRateLimiter(a.Config.SubmitRateLimitPerMin, time.Minute)
	}

	templateHandler := template.NewHandler(a.Templates)
	instanceHandler := instance.NewHandler(a.Lifecycle)
	responseHandler := response.NewHandler(a.Collector)
	reportHandler := report.NewHandler(a.Reports)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/metrics", a.Metrics.MetricsHandler)

	r.Route("/api/v1", func(api chi.Router) {
		templateHandler.Routes(api)
		instanceHandler.Routes(api)
		responseHandler.Routes(api, RateLimitMiddleware(limiter))
		reportHandler.Routes(api)
	})

	return r
}
