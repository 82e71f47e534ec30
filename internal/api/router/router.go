package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/saathi-ai-platform/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/saathi-ai-platform/internal/http/middleware"
	"github.com/wolfman30/saathi-ai-platform/internal/webchat"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// Config holds router configuration. Nil handlers leave their routes unmounted.
type Config struct {
	Logger         *logging.Logger
	Chat           *handlers.ChatHandler
	Ingest         *handlers.IngestHandler
	Screening      *handlers.ScreeningHandler
	Privacy        *handlers.PrivacyHandler
	Profile        *handlers.ProfileHandler
	AdminCrisis    *handlers.AdminCrisisHandler
	WebChat        *webchat.Handler
	Health         http.Handler
	MetricsHandler http.Handler

	// OwnerAuthSecret signs student tokens. Empty disables owner auth for
	// local development.
	OwnerAuthSecret string
	// AdminAuthSecret signs counselor tokens. Empty closes /admin.
	AdminAuthSecret    string
	CORSAllowedOrigins []string
	RateLimiter        *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	health := cfg.Health
	if health == nil {
		health = handlers.Health(nil)
	}
	r.Get("/health", health.ServeHTTP)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(httpmiddleware.OwnerJWT(cfg.OwnerAuthSecret))
		if cfg.RateLimiter != nil {
			v1.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
		}

		if cfg.Chat != nil {
			v1.Post("/chat", cfg.Chat.Send)
		}
		if cfg.WebChat != nil {
			v1.Get("/chat/ws", cfg.WebChat.HandleWebSocket)
			v1.Get("/chat/history", cfg.WebChat.HandleHistory)
		}
		if cfg.Ingest != nil {
			v1.Post("/ingest", cfg.Ingest.Ingest)
			v1.Post("/ingest/jobs", cfg.Ingest.Enqueue)
			v1.Get("/ingest/jobs/{jobID}", cfg.Ingest.JobStatus)
		}
		if cfg.Screening != nil {
			v1.Post("/screening", cfg.Screening.Submit)
			v1.Get("/screening/history", cfg.Screening.History)
		}
		if cfg.Privacy != nil {
			v1.Delete("/owners/{ownerID}/data", cfg.Privacy.DeleteOwnerData)
		}
		if cfg.Profile != nil {
			v1.Get("/profile/memory", cfg.Profile.Memory)
		}
	})

	if cfg.AdminCrisis != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/crisis/open", cfg.AdminCrisis.ListOpen)
			admin.Post("/crisis/{sessionID}/resolve", cfg.AdminCrisis.Resolve)
		})
	}

	return r
}
