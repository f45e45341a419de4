package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/monitoring"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/pipeline"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/plugins"
	"github.com/sirupsen/logrus"
)

// controller is the part of the bot service the HTTP surface drives
type controller interface {
	Running() bool
	Metrics(ctx context.Context) *monitoring.Metrics
	TriggerAutoPost(ctx context.Context) error
	Plugins() *plugins.Manager
}

const triggerTimeout = 2 * time.Minute

func newRouter(c controller) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheckHandler(c)).Methods("GET")
	router.HandleFunc("/metrics", metricsHandler(c)).Methods("GET")
	// Manual trigger endpoint (for testing)
	router.HandleFunc("/trigger", triggerHandler(c)).Methods("POST")
	router.HandleFunc("/plugins", pluginsHandler(c)).Methods("GET")
	router.HandleFunc("/plugins/{name}/{action:enable|disable}", pluginToggleHandler(c)).Methods("POST")
	return router
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("Failed to write response: %v", err)
	}
}

func healthCheckHandler(c controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if !c.Running() {
			status, code = "stopped", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{
			"status":    status,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

func metricsHandler(c controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Metrics(r.Context()))
	}
}

func triggerHandler(c controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
			defer cancel()
			err := c.TriggerAutoPost(ctx)
			switch {
			case err == nil:
				logrus.Info("Manual auto-post published")
			case errors.Is(err, pipeline.ErrDailyCapReached):
				logrus.Warn("Manual auto-post skipped, daily cap reached")
			default:
				logrus.Errorf("Manual auto-post failed: %v", err)
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"message": "Auto-post triggered"})
	}
}

func pluginsHandler(c controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"plugins": c.Plugins().Info()})
	}
}

func pluginToggleHandler(c controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		name := vars["name"]

		var err error
		if vars["action"] == "enable" {
			err = c.Plugins().Enable(r.Context(), name)
		} else {
			err = c.Plugins().Disable(name)
		}

		switch {
		case errors.Is(err, plugins.ErrUnknownPlugin):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			logrus.WithField("plugin", name).Infof("Plugin %sd via API", vars["action"])
			writeJSON(w, http.StatusOK, map[string]string{"plugin": name, "status": vars["action"] + "d"})
		}
	}
}
