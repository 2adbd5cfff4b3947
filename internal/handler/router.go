package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"smsup-service/internal/metrics"
	"smsup-service/internal/util"
)

// HealthChecker reports the failing dependencies by name.
type HealthChecker func(ctx context.Context) map[string]error

type RouterConfig struct {
	ServiceName    string
	RequireHTTPS   bool
	RequestTimeout time.Duration
	CORSOrigins    []string
	Auth           AuthConfig
	Metrics        *metrics.Metrics
	Health         HealthChecker
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"success":false,"error":"https required","code":"HTTPS_REQUIRED"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg RouterConfig, otpHandler *OTPHandler, creditHandler *CreditHandler) chi.Router {
	router := chi.NewRouter()

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware)
	if cfg.Metrics != nil {
		router.Use(MetricsMiddleware(cfg.Metrics))
	}
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(timeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(cfg.ServiceName, cfg.Health))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	if otpHandler != nil {
		otpHandler.RegisterRoutes(router)
	}
	if creditHandler != nil {
		creditHandler.RegisterRoutes(router, AuthMiddleware(cfg.Auth))
	}

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{Success: false, Error: "endpoint not found", Code: "NOT_FOUND"})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Error: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	return router
}

func healthHandler(serviceName string, check HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{"status": "healthy", "service": serviceName}
		code := http.StatusOK
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if failures := check(ctx); len(failures) > 0 {
				details := make(map[string]string, len(failures))
				for name, err := range failures {
					details[name] = err.Error()
				}
				status["status"] = "unhealthy"
				status["checks"] = details
				code = http.StatusServiceUnavailable
			}
		}
		respondWithJSON(w, code, status)
	}
}

// LoggerMiddleware logs one line per HTTP request
func LoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			util.Info("HTTP request",
				util.String("request_id", middleware.GetReqID(r.Context())),
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

// MetricsMiddleware records latency per chi route pattern so path parameters
// do not explode label cardinality.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(route, strconv.Itoa(status), time.Since(start))
		})
	}
}
