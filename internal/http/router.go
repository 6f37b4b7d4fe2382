package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/coverage-verifier/internal/observability"
)

// RouterConfig selects the optional parts of the route table.
type RouterConfig struct {
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	// TestingMode exposes /test endpoints that simulate load and errors.
	TestingMode bool
}

// NewRouter wires middleware and routes. Only verification routes are rate limited
// and time-bounded; health and metrics must stay reachable under load.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.HandleFunc("/rules", h.GetRules).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	verifyRouter := router.PathPrefix("/verify").Subrouter()
	verifyRouter.Use(RateLimitMiddleware(cfg.Limiter))
	verifyRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	verifyRouter.HandleFunc("", h.PostVerify).Methods("POST")
	verifyRouter.HandleFunc("/source", h.PostVerifySource).Methods("POST")

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods("POST")
	}
	return router
}
