package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/handlers"
)

// NewRouter wires the diagnostics and control endpoints.
func NewRouter(handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")
	router.HandleFunc("/emergency/initiate", handler.InitiateAlert).Methods("POST")
	router.HandleFunc("/emergency/cancel", handler.CancelAlert).Methods("POST")
	router.HandleFunc("/reminders/refresh", handler.RefreshReminders).Methods("POST")
	router.HandleFunc("/messages", handler.SendMessage).Methods("POST")

	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(logger))

	return router
}

func NewHTTPServer(port string, handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      NewRouter(handler, gatherer, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
