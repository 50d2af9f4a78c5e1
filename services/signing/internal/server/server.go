package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signflow/internal/ratelimit"
	"signflow/internal/servicetoken"
	"signflow/internal/usertoken"
	"signflow/internal/util"
	"signflow/pkg/domain"
	"signflow/pkg/metrics"
	"signflow/services/signing/internal/app"
	"signflow/services/signing/internal/security"
)

// IdentityVerifier validates owner bearer tokens.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// OpsVerifier validates operational tokens for /internal routes.
type OpsVerifier interface {
	Verify(token string) (servicetoken.Claims, error)
}

// Limiter throttles public link traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// ProbeObserver counts failed auth and token attempts per client.
type ProbeObserver interface {
	Observe(ctx context.Context, event, outcome, ip string) (security.AlertResult, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  IdentityVerifier
	OpsVerifier    OpsVerifier
	PublicLimiter  Limiter
	Alerter        ProbeObserver
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	MaxUploadBytes int64
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ready reports dependency health for /healthz.
	Ready func(context.Context) error
}

// Server exposes HTTP endpoints for the signing service.
type Server struct {
	app            *app.App
	tokenVerifier  IdentityVerifier
	opsVerifier    OpsVerifier
	limiter        Limiter
	alerter        ProbeObserver
	trusted        *util.TrustedProxies
	corsOrigins    []string
	maxUploadBytes int64
	ready          func(context.Context) error
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		opsVerifier:    cfg.OpsVerifier,
		limiter:        cfg.PublicLimiter,
		alerter:        cfg.Alerter,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		maxUploadBytes: maxUploadBytes,
		ready:          cfg.Ready,
		mux:            http.NewServeMux(),
	}
	s.routes(cfg.Metrics)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("signing", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes(metricsHandler http.Handler) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
	s.mux.Handle("POST /internal/reseal", s.withOps(s.handleReseal))

	// owner
	s.mux.Handle("POST /documents", s.withUser(s.handleCreate))
	s.mux.Handle("GET /documents", s.withUser(s.handleList))
	s.mux.Handle("GET /documents/{id}", s.withUser(s.handleGet))
	s.mux.Handle("GET /documents/{id}/timeline", s.withUser(s.handleTimeline))
	s.mux.Handle("GET /documents/{id}/download", s.withUser(s.handleDownload))
	s.mux.Handle("POST /documents/{id}/visar", s.withUser(s.handleVisar))
	s.mux.Handle("POST /documents/{id}/sign", s.withUser(s.handleSign))
	s.mux.Handle("POST /documents/{id}/reject", s.withUser(s.handleReject))
	s.mux.Handle("POST /documents/{id}/signers", s.withUser(s.handleAddSigner))

	// token links
	s.mux.Handle("GET /public/documents/{token}", s.withPublicLimit(s.handlePublicDocument))
	s.mux.Handle("POST /public/documents/{token}/visar", s.withPublicLimit(s.handlePublicVisar))
	s.mux.Handle("POST /public/documents/{token}/reject", s.withPublicLimit(s.handlePublicReject))
	s.mux.Handle("GET /public/sign/{token}", s.withPublicLimit(s.handleSigningView))
	s.mux.Handle("POST /public/sign/{token}", s.withPublicLimit(s.handlePublicSign))
	s.mux.Handle("POST /public/sign/{token}/reject", s.withPublicLimit(s.handlePublicSignerReject))

	s.mux.Handle("GET /verify/{code}", s.withPublicLimit(s.handleVerify))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Actor)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		identity, err := s.tokenVerifier.Verify(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("owner token rejected", "err", err)
			s.observe(r, security.EventOwnerAuth, security.OutcomeFail)
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		next(w, r, domain.Actor{ID: identity.Subject, Name: identity.Name, Email: identity.Email, Kind: domain.ActorOwner})
	})
}

func (s *Server) withOps(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opsVerifier == nil {
			writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		claims, err := s.opsVerifier.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("ops token rejected", "err", err)
			s.observe(r, security.EventOpsAuth, security.OutcomeFail)
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("ops_issuer", claims.Issuer))
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) withPublicLimit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			key := "public|" + util.ClientIP(r, s.trusted)
			d := s.limiter.Allow(r.Context(), key)
			if !d.Allowed {
				metrics.RateLimitRejected.WithLabelValues("public").Inc()
				s.observe(r, security.EventPublic, security.OutcomeRateLimited)
				retry := int(math.Ceil(d.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
		}
		next(w, r)
	})
}

// observe feeds the probe alerter. Alerter errors never fail the request.
func (s *Server) observe(r *http.Request, event, outcome string) {
	if s.alerter == nil {
		return
	}
	ip := util.ClientIP(r, s.trusted)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	logger := util.LoggerFromContext(r.Context())
	if err != nil {
		logger.Warn("probe alerter unavailable", "err", err)
		return
	}
	if result.Triggered {
		metrics.SecurityAlerts.WithLabelValues(event, outcome).Inc()
		logger.Warn("security alert", "event", event, "outcome", outcome, "client_ip", ip,
			"count", result.Count, "threshold", result.Threshold, "window", result.Window.String())
	}
}

type resealRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleReseal(w http.ResponseWriter, r *http.Request) {
	req := resealRequest{Limit: 100}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
			return
		}
	}
	n, err := s.app.ResealPending(r.Context(), req.Limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scheduled": n})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}
