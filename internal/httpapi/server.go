package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"lapancomido/api/internal/auth"
	"lapancomido/api/internal/config"
	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"
)

// OTPMailer delivers a freshly issued code to the user.
type OTPMailer interface {
	SendOTP(ctx context.Context, to, username, code string, purpose model.OTPPurpose) error
}

type Server struct {
	cfg     config.Config
	store   store.Store
	auth    *auth.Service
	mailer  OTPMailer
	logger  *log.Logger
	tokens  *tokenIssuer
	resends *resendTracker
	limiter *ipRateLimiter
	mux     *http.ServeMux
	now     func() time.Time
}

func NewServer(cfg config.Config, st store.Store, svc *auth.Service, mailer OTPMailer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.JWTSecret == "" {
		logger.Printf("[auth] LPC_JWT_SECRET not set, tokens will not survive a restart")
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		auth:    svc,
		mailer:  mailer,
		logger:  logger,
		tokens:  newTokenIssuer(cfg.JWTSecret, cfg.AccessTokenExpiry),
		resends: newResendTracker(),
		limiter: newIPRateLimiter(cfg.AuthRateLimit, cfg.AuthRateWindow),
		mux:     http.NewServeMux(),
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = authMiddleware(s.tokens, s.logger, h)
	h = rateLimitMiddleware(s.limiter, h)
	h = recoverMiddleware(s.logger, h)
	h = requestIDMiddleware(h)
	h = loggingMiddleware(s.logger, h)
	return h
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	s.mux.HandleFunc("/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("/v1/auth/verify-login-otp", s.handleVerifyLoginOTP)
	s.mux.HandleFunc("/v1/auth/resend-otp", s.handleResendOTP)
	s.mux.HandleFunc("/v1/auth/initiate-setup", s.handleInitiateSetup)
	s.mux.HandleFunc("/v1/auth/verify-setup-otp", s.handleVerifySetupOTP)
	s.mux.HandleFunc("/v1/auth/complete-setup", s.handleCompleteSetup)

	s.mux.HandleFunc("/v1/auth/logout-all", s.handleLogoutAll)
	s.mux.HandleFunc("/v1/auth/devices", s.handleDevices)
	s.mux.HandleFunc("/v1/auth/me", s.handleMe)

	s.mux.HandleFunc("/v1/admin/users", s.handleAdminUsers)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": s.now().UTC(),
	})
}
