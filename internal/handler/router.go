package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"zerotrust-service/internal/service"
	"zerotrust-service/internal/util"
)

// NewRouter configures the chi router: standard middleware stack, then the
// identity and gate middleware on the API group, then the security routes.
// The gate service is injected here once at startup; handlers never reach
// for global state.
func NewRouter(securityHandler *SecurityHandler, gate *service.GateService, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			"X-User-ID", "X-User-Role", "X-User-Email",
			"X-Device-Fingerprint", "X-Challenge-Token",
		},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Liveness probe stays outside the identity and gate chain.
	router.Get("/health", securityHandler.HealthCheck)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware)
		r.Use(GateMiddleware(gate))
		securityHandler.RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, errorResponse(nil, "endpoint not found"))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, errorResponse(nil, "method not allowed"))
	})

	return router
}

// LoggerMiddleware logs one line per HTTP request.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
