package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// Health status values.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// healthCheckTimeout bounds each dependency check of a health request.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/modules", s.handleListModules)

		r.Route("/switches", func(r chi.Router) {
			r.Get("/", s.handleListSwitches)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", s.handleGetSwitch)
				r.Get("/history", s.handleGetSwitchHistory)
			})
		})
	})

	return r
}

// handleHealth reports service status. The service is degraded while the
// broker is unreachable, any operating module link is down or any
// dependency check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mqttConnected := s.mqtt != nil && s.mqtt.IsConnected()
	subscriptions := 0
	if s.mqtt != nil {
		subscriptions = s.mqtt.SubscriptionCount()
	}

	operating, connected := 0, 0
	for _, m := range s.bridge.ModuleStatuses() {
		if !m.Operating {
			continue
		}
		operating++
		if m.Connected {
			connected++
		}
	}

	checks, failed := s.runChecks(r.Context())

	status := healthOK
	if !mqttConnected || connected < operating || failed {
		status = healthDegraded
	}

	body := map[string]any{
		"status":             status,
		"version":            s.version,
		"mqtt_connected":     mqttConnected,
		"mqtt_subscriptions": subscriptions,
		"checks":             checks,
		"modules_operating":  operating,
		"modules_connected":  connected,
		"journal_enabled":    s.history != nil,
	}
	if !s.started.IsZero() {
		body["uptime_seconds"] = int64(time.Since(s.started).Seconds())
	}

	writeJSON(w, http.StatusOK, body)
}

// runChecks runs every dependency check in name order. Each result is "ok"
// or the error text.
func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	failed := false
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := s.checks[name].HealthCheck(checkCtx)
		cancel()

		if err != nil {
			results[name] = err.Error()
			failed = true
			s.logger.Warn("health check failed", "check", name, "error", err)
			continue
		}
		results[name] = healthOK
	}
	return results, failed
}

// handleListModules returns connection statuses in configuration order.
func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	modules := s.bridge.ModuleStatuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"modules": modules,
		"count":   len(modules),
	})
}
