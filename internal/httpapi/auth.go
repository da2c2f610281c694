package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"lapancomido/api/internal/auth"
	"lapancomido/api/internal/mail"
	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"

	"github.com/google/uuid"
)

const deviceCookieName = "lpc_device_trust"

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type verifyOTPRequest struct {
	Challenge   string `json:"challenge"`
	Code        string `json:"code"`
	TrustDevice bool   `json:"trust_device"`
}

type challengeRequest struct {
	Challenge string `json:"challenge"`
}

type initiateSetupRequest struct {
	Login string `json:"login"`
}

type completeSetupRequest struct {
	SetupToken  string `json:"setup_token"`
	Password    string `json:"password"`
	TrustDevice bool   `json:"trust_device"`
}

type authResponse struct {
	Token         string     `json:"token"`
	User          model.User `json:"user"`
	TrustedDevice bool       `json:"trusted_device,omitempty"`
}

type challengeResponse struct {
	RequiresOTP bool   `json:"requires_otp"`
	Challenge   string `json:"challenge"`
	Email       string `json:"email"`
	ResendAfter int    `json:"resend_after"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := s.auth.Authenticate(r.Context(), req.Login, req.Password)
	switch {
	case errors.Is(err, auth.ErrSetupRequired):
		writeError(w, http.StatusConflict, "setup_required", "account setup required")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	case err != nil:
		s.internalError(w, "login", err)
		return
	}

	if c, err := r.Cookie(deviceCookieName); err == nil {
		trusted, err := s.auth.IsDeviceTrusted(r.Context(), user.ID, c.Value)
		if err != nil {
			s.internalError(w, "check trusted device", err)
			return
		}
		if trusted {
			s.writeSession(w, r, user, false)
			return
		}
	}

	s.sendChallenge(w, r, user, model.OTPPurposeLogin)
}

func (s *Server) handleVerifyLoginOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req verifyOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	claims, ok := s.challengeClaims(w, req.Challenge, model.OTPPurposeLogin)
	if !ok {
		return
	}
	if !s.verifyCode(w, r, claims.Subject, req.Code, model.OTPPurposeLogin) {
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.Subject)
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	s.writeSession(w, r, user, req.TrustDevice)
}

func (s *Server) handleResendOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req challengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	claims, err := s.tokens.parse(strings.TrimSpace(req.Challenge), tokenTypeChallenge)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_challenge", "invalid or expired challenge")
		return
	}
	purpose := model.OTPPurpose(claims.Purpose)
	if !purpose.Valid() {
		writeError(w, http.StatusUnauthorized, "invalid_challenge", "invalid or expired challenge")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid_challenge", "invalid or expired challenge")
		return
	}
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}

	now := s.now()
	if user.BlockedAt(now) {
		writeBlocked(w, *user.OTPBlockedUntil, now)
		return
	}

	count, wait, ok := s.resends.Reserve(user.ID, purpose, now, s.auth.ResendCooldown)
	if !ok {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]string{
				"code":    "resend_cooldown",
				"message": "please wait before requesting another code",
			},
			"retry_after": ceilSeconds(wait),
		})
		return
	}

	if !s.issueAndSend(w, r, user, purpose) {
		s.resends.Release(user.ID, purpose, count, now)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sent":         true,
		"resend_after": ceilSeconds(s.auth.ResendCooldown(count + 1)),
	})
}

func (s *Server) handleInitiateSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req initiateSetupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Login) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "login is required")
		return
	}

	user, err := s.auth.SetupCandidate(r.Context(), req.Login)
	switch {
	case errors.Is(err, auth.ErrNoUser), errors.Is(err, auth.ErrAlreadySetUp):
		s.logger.Printf("[auth] initiate-setup for ineligible login: %v", err)
		s.writeDecoyChallenge(w, model.OTPPurposeSetup)
		return
	case err != nil:
		s.internalError(w, "initiate setup", err)
		return
	}

	s.sendChallenge(w, r, user, model.OTPPurposeSetup)
}

func (s *Server) handleVerifySetupOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req verifyOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	claims, ok := s.challengeClaims(w, req.Challenge, model.OTPPurposeSetup)
	if !ok {
		return
	}
	if !s.verifyCode(w, r, claims.Subject, req.Code, model.OTPPurposeSetup) {
		return
	}

	token, err := s.tokens.issueSetup(claims.Subject)
	if err != nil {
		s.internalError(w, "issue setup token", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"setup_token": token,
		"expires_in":  int(setupTokenExpiry.Seconds()),
	})
}

func (s *Server) handleCompleteSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req completeSetupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	claims, err := s.tokens.parse(strings.TrimSpace(req.SetupToken), tokenTypeSetup)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_setup_token", "invalid or expired setup token")
		return
	}

	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_password", err.Error())
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid_setup_token", "invalid or expired setup token")
		return
	}
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	if !user.NeedsSetup() {
		writeError(w, http.StatusConflict, "already_set_up", "account is already set up")
		return
	}

	if err := s.auth.SetPassword(r.Context(), user.ID, req.Password); err != nil {
		s.internalError(w, "set password", err)
		return
	}
	user, err = s.store.GetUserByID(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	s.logger.Printf("[auth] user %s completed setup", user.Username)
	s.writeSession(w, r, user, req.TrustDevice)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}
	claims := claimsFromContext(r.Context())

	n, err := s.auth.RevokeAllDevices(r.Context(), claims.Subject)
	if err != nil {
		s.internalError(w, "revoke devices", err)
		return
	}
	s.clearDeviceCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	claims := claimsFromContext(r.Context())

	devices, err := s.auth.ListTrustedDevices(r.Context(), claims.Subject)
	if err != nil {
		s.internalError(w, "list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	claims := claimsFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user no longer exists")
		return
	}
	if err != nil {
		s.internalError(w, "load user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// challengeClaims validates a challenge token issued for purpose.
func (s *Server) challengeClaims(w http.ResponseWriter, challenge string, purpose model.OTPPurpose) (*tokenClaims, bool) {
	claims, err := s.tokens.parse(strings.TrimSpace(challenge), tokenTypeChallenge)
	if err != nil || claims.Purpose != string(purpose) {
		writeError(w, http.StatusUnauthorized, "invalid_challenge", "invalid or expired challenge")
		return nil, false
	}
	return claims, true
}

// verifyCode runs the OTP verifier and writes the failure response itself.
func (s *Server) verifyCode(w http.ResponseWriter, r *http.Request, userID, code string, purpose model.OTPPurpose) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "code is required")
		return false
	}

	res, err := s.auth.VerifyOTPToken(r.Context(), userID, code, purpose)
	if err != nil {
		s.internalError(w, "verify otp", err)
		return false
	}

	switch res.Outcome {
	case auth.OutcomeValid:
		s.resends.Clear(userID, purpose)
		return true
	case auth.OutcomeBlocked:
		writeBlocked(w, res.BlockedUntil, s.now())
	case auth.OutcomeInvalid:
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{
				"code":    "invalid_code",
				"message": "invalid or expired code",
			},
			"attempts_remaining": res.AttemptsRemaining,
		})
	default:
		writeError(w, http.StatusUnauthorized, "invalid_code", "invalid or expired code")
	}
	return false
}

func (s *Server) sendChallenge(w http.ResponseWriter, r *http.Request, user *model.User, purpose model.OTPPurpose) {
	if user.BlockedAt(s.now()) {
		writeBlocked(w, *user.OTPBlockedUntil, s.now())
		return
	}
	if !s.issueAndSend(w, r, user, purpose) {
		return
	}

	challenge, err := s.tokens.issueChallenge(user.ID, string(purpose))
	if err != nil {
		s.internalError(w, "issue challenge", err)
		return
	}
	s.resends.Start(user.ID, purpose, s.now())

	writeJSON(w, http.StatusAccepted, challengeResponse{
		RequiresOTP: true,
		Challenge:   challenge,
		Email:       maskEmail(user.Email),
		ResendAfter: ceilSeconds(s.auth.ResendCooldown(0)),
	})
}

// writeDecoyChallenge answers with the same shape as sendChallenge without
// sending mail. The challenge names no real user, so it can never verify.
func (s *Server) writeDecoyChallenge(w http.ResponseWriter, purpose model.OTPPurpose) {
	challenge, err := s.tokens.issueChallenge(uuid.NewString(), string(purpose))
	if err != nil {
		s.internalError(w, "issue challenge", err)
		return
	}
	writeJSON(w, http.StatusAccepted, challengeResponse{
		RequiresOTP: true,
		Challenge:   challenge,
		Email:       "***",
		ResendAfter: ceilSeconds(s.auth.ResendCooldown(0)),
	})
}

func (s *Server) issueAndSend(w http.ResponseWriter, r *http.Request, user *model.User, purpose model.OTPPurpose) bool {
	code, err := s.auth.CreateOTPToken(r.Context(), user.ID, purpose)
	if err != nil {
		s.internalError(w, "create otp", err)
		return false
	}
	if err := s.mailer.SendOTP(r.Context(), user.Email, user.Username, code, purpose); err != nil {
		if errors.Is(err, mail.ErrDeliveryUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "delivery_unavailable", "could not send verification email")
			return false
		}
		s.internalError(w, "send otp", err)
		return false
	}
	return true
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, user *model.User, trustDevice bool) {
	token, err := s.tokens.issueAccess(user.ID, user.Username, user.Email, string(user.Role))
	if err != nil {
		s.internalError(w, "issue token", err)
		return
	}

	if trustDevice {
		deviceToken, err := s.auth.CreateTrustedDevice(r.Context(), user.ID, r.UserAgent(), clientIP(r))
		if err != nil {
			s.internalError(w, "trust device", err)
			return
		}
		s.setDeviceCookie(w, deviceToken)
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, User: *user, TrustedDevice: trustDevice})
}

func (s *Server) setDeviceCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.auth.Policy().DeviceExpiry.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearDeviceCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Printf("[httpapi] %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}

func writeBlocked(w http.ResponseWriter, until, now time.Time) {
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": map[string]string{
			"code":    "otp_blocked",
			"message": "too many failed attempts, try again later",
		},
		"blocked_until": until.UTC(),
		"retry_after":   ceilSeconds(until.Sub(now)),
	})
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// maskEmail keeps the first character of the local part: p***@host.
func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	_, size := utf8.DecodeRuneInString(email)
	return email[:size] + "***" + email[at:]
}
