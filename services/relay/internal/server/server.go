package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"txtwise/internal/opstoken"
	"txtwise/internal/util"
	"txtwise/pkg/domain"
	"txtwise/pkg/queue"
	"txtwise/services/relay/internal/app"
)

const (
	emptyTwiML     = "<Response></Response>"
	maxWebhookBody = 64 << 10
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// OpsVerifier guards /ops routes. Nil disables them.
	OpsVerifier *opstoken.Verifier
}

// Server exposes the messaging webhook and operator endpoints.
type Server struct {
	app         *app.App
	opsVerifier *opstoken.Verifier
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:         cfg.App,
		opsVerifier: cfg.OpsVerifier,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("relay", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/webhooks/sms", s.handleInboundSMS)
	s.mux.Handle("/ops/jobs", s.operatorOnly(s.handleListJobs))
	s.mux.Handle("/ops/jobs/", s.operatorOnly(s.handleJobAction))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInboundSMS always answers with an empty TwiML document once the
// message is accepted; replies travel through the outbound limiter.
func (s *Server) handleInboundSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	res, err := s.app.HandleInbound(r.Context(), app.Inbound{
		From: r.PostForm.Get("From"),
		To:   r.PostForm.Get("To"),
		Body: r.PostForm.Get("Body"),
	})
	if err != nil {
		if errors.Is(err, app.ErrInvalidInbound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		util.LoggerFromContext(r.Context()).Error("inbound message failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	util.LoggerFromContext(r.Context()).Debug("inbound handled", "outcome", string(res.Outcome), "job_id", res.JobID)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (s *Server) operatorOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opsVerifier == nil {
			http.NotFound(w, r)
			return
		}
		token, ok := opstoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.opsVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("operator", claims.Subject))
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status := domain.JobStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = domain.JobFailed
	}
	switch status {
	case domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending, processing, completed or failed")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := s.app.ListJobs(r.Context(), status, limit)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list jobs failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "count": len(jobs)})
}

// handleJobAction serves /ops/jobs/{id}/replay.
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ops/jobs/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "replay" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id := parts[0]
	if err := s.app.ReplayJob(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, app.ErrJobNotFailed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			util.LoggerFromContext(r.Context()).Error("replay job failed", "job_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	util.LoggerFromContext(r.Context()).Info("job replayed", "job_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.JobPending)})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
