package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

func NewRouter(svc *Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", svc.handleHealth)
	mux.Handle("GET /metrics", svc.metrics)

	mux.HandleFunc("POST /api/projects", svc.handleEnsureProject)
	mux.HandleFunc("GET /api/projects", svc.handleListProjects)
	mux.HandleFunc("GET /api/projects/{project}", svc.handleGetProject)

	mux.HandleFunc("POST /api/projects/{project}/agents", svc.handleRegisterAgent)
	mux.HandleFunc("GET /api/projects/{project}/agents", svc.handleListAgents)
	mux.HandleFunc("GET /api/projects/{project}/agents/{agent}", svc.handleGetAgent)
	mux.HandleFunc("GET /api/projects/{project}/agents/{agent}/inbox", svc.handleInbox)
	mux.HandleFunc("GET /api/projects/{project}/agents/{agent}/outbox", svc.handleOutbox)

	mux.HandleFunc("POST /api/projects/{project}/reservations", svc.handleAcquireReservation)
	mux.HandleFunc("GET /api/projects/{project}/reservations", svc.handleListReservations)
	mux.HandleFunc("POST /api/projects/{project}/reservations/paths", svc.handleReservePaths)
	mux.HandleFunc("POST /api/projects/{project}/reservations/release", svc.handleReleaseByPath)
	mux.HandleFunc("GET /api/projects/{project}/reservations/conflicts", svc.handleCheckConflicts)
	mux.HandleFunc("GET /api/reservations/{id}", svc.handleGetReservation)
	mux.HandleFunc("POST /api/reservations/{id}/renew", svc.handleRenewReservation)
	mux.HandleFunc("POST /api/reservations/{id}/release", svc.handleReleaseReservation)
	mux.HandleFunc("POST /api/reservations/{id}/force-release", svc.handleForceReleaseReservation)

	mux.HandleFunc("POST /api/projects/{project}/slots", svc.handleAcquireSlot)
	mux.HandleFunc("GET /api/projects/{project}/slots", svc.handleListSlots)
	mux.HandleFunc("GET /api/slots/{id}", svc.handleGetSlot)
	mux.HandleFunc("POST /api/slots/{id}/renew", svc.handleRenewSlot)
	mux.HandleFunc("POST /api/slots/{id}/release", svc.handleReleaseSlot)

	mux.HandleFunc("POST /api/projects/{project}/messages", svc.handleSendMessage)
	mux.HandleFunc("GET /api/projects/{project}/messages/search", svc.handleSearch)
	mux.HandleFunc("GET /api/projects/{project}/threads/{thread}", svc.handleThread)
	mux.HandleFunc("GET /api/messages/{id}", svc.handleGetMessage)
	mux.HandleFunc("GET /api/messages/{id}/recipients", svc.handleRecipients)
	mux.HandleFunc("POST /api/messages/{id}/read", svc.handleMarkRead)
	mux.HandleFunc("POST /api/messages/{id}/ack", svc.handleAcknowledge)

	return logRequests(svc.log, mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":  status,
		"breaker": s.store.CircuitBreakerState(),
	})
}
