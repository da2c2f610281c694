package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lapancomido/api/internal/auth"
	"lapancomido/api/internal/config"
	"lapancomido/api/internal/mail"
	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testCode     = "12345678"
	testPassword = "Panader1a!"
)

type sentOTP struct {
	To      string
	Code    string
	Purpose model.OTPPurpose
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentOTP
	err  error
}

func (m *fakeMailer) SendOTP(_ context.Context, to, _, code string, purpose model.OTPPurpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentOTP{To: to, Code: code, Purpose: purpose})
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testEnv struct {
	t      *testing.T
	srv    *Server
	h      http.Handler
	store  *memory.Store
	svc    *auth.Service
	mailer *fakeMailer
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Config{
		JWTSecret:      "test-secret",
		AuthRateLimit:  1000,
		AuthRateWindow: time.Minute,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	st := memory.NewStore()
	logger := log.New(io.Discard, "", 0)
	svc := auth.NewService(st, auth.DefaultPolicy(), logger,
		auth.WithCodeSource(func() (string, error) { return testCode, nil }),
		auth.WithHashCost(bcrypt.MinCost),
	)
	mailer := &fakeMailer{}
	srv := NewServer(cfg, st, svc, mailer, logger)
	return &testEnv{t: t, srv: srv, h: srv.Handler(), store: st, svc: svc, mailer: mailer}
}

func (e *testEnv) createUser(username string, role model.Role, withPassword bool) model.User {
	e.t.Helper()
	u, err := e.store.CreateUser(context.Background(), model.User{
		Username: username,
		Email:    username + "@lapancomido.cl",
		Role:     role,
	})
	require.NoError(e.t, err)
	if withPassword {
		require.NoError(e.t, e.svc.SetPassword(context.Background(), u.ID, testPassword))
	}
	return u
}

func (e *testEnv) do(method, path string, body any, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mods {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func deviceCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == deviceCookieName {
			return c
		}
	}
	return nil
}

// loginChallenge logs in with the test password and returns the challenge.
func (e *testEnv) loginChallenge(login string) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: login, Password: testPassword})
	require.Equal(e.t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(e.t, rec)
	assert.Equal(e.t, true, body["requires_otp"])
	challenge, _ := body["challenge"].(string)
	require.NotEmpty(e.t, challenge)
	return challenge
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestLogin_OTPFlowWithTrustedDevice(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("panadera", model.RoleAdmin, true)

	challenge := env.loginChallenge("panadera")
	require.Equal(t, 1, env.mailer.count())
	assert.Equal(t, model.OTPPurposeLogin, env.mailer.sent[0].Purpose)

	rec := env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: challenge, Code: "00000000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["attempts_remaining"])

	rec = env.do(http.MethodPost, "/v1/auth/verify-login-otp",
		verifyOTPRequest{Challenge: challenge, Code: testCode, TrustDevice: true},
		func(r *http.Request) { r.Header.Set("User-Agent", "Firefox") })
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	cookie := deviceCookie(rec)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.False(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, 30*24*3600, cookie.MaxAge)

	rec = env.do(http.MethodGet, "/v1/auth/me", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]any)
	assert.Equal(t, "panadera", user["username"])
	assert.NotContains(t, user, "PasswordHash")

	// trusted device skips the OTP
	rec = env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "panadera", Password: testPassword}, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["token"])
	assert.Equal(t, 1, env.mailer.count())

	rec = env.do(http.MethodGet, "/v1/auth/devices", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	devices := decode(t, rec)["devices"].([]any)
	require.Len(t, devices, 1)
	assert.Equal(t, "Firefox", devices[0].(map[string]any)["user_agent"])
}

func TestLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("panadera", model.RoleAdmin, true)

	rec := env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "panadera", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "nadie", Password: testPassword})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/v1/auth/login", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVerifyLoginOTP_BlocksAfterThreeFailures(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("panadera", model.RoleAdmin, true)
	challenge := env.loginChallenge("panadera")

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: challenge, Code: "00000000"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: challenge, Code: "00000000"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["blocked_until"])
	assert.Equal(t, "otp_blocked", body["error"].(map[string]any)["code"])

	rec = env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: challenge, Code: testCode})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "panadera", Password: testPassword})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestVerifyLoginOTP_RejectsWrongChallenge(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser("panadera", model.RoleAdmin, true)

	setupChallenge, err := env.srv.tokens.issueChallenge(u.ID, string(model.OTPPurposeSetup))
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: setupChallenge, Code: testCode})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_challenge", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: "garbage", Code: testCode})
	assert.Equal(t, "invalid_challenge", errorCode(t, rec))

	// a reused code is reported as invalid or expired
	challenge := env.loginChallenge("panadera")
	rec = env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: challenge, Code: testCode})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: challenge, Code: testCode})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "invalid_code", body["error"].(map[string]any)["code"])
	assert.NotContains(t, body, "attempts_remaining")
}

func TestResendOTP_Cooldown(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("panadera", model.RoleAdmin, true)
	challenge := env.loginChallenge("panadera")

	rec := env.do(http.MethodPost, "/v1/auth/resend-otp", challengeRequest{Challenge: challenge})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(15), decode(t, rec)["resend_after"])
	assert.Equal(t, 2, env.mailer.count())

	rec = env.do(http.MethodPost, "/v1/auth/resend-otp", challengeRequest{Challenge: challenge})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "resend_cooldown", body["error"].(map[string]any)["code"])
	retry, _ := body["retry_after"].(float64)
	assert.Greater(t, retry, float64(0))
	assert.LessOrEqual(t, retry, float64(15))
	assert.Equal(t, 2, env.mailer.count())
}

func TestResendOTP_FailedDeliveryKeepsCooldown(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("panadera", model.RoleAdmin, true)
	challenge := env.loginChallenge("panadera")

	env.mailer.mu.Lock()
	env.mailer.err = fmt.Errorf("%w: smtp down", mail.ErrDeliveryUnavailable)
	env.mailer.mu.Unlock()

	rec := env.do(http.MethodPost, "/v1/auth/resend-otp", challengeRequest{Challenge: challenge})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, "delivery_unavailable", errorCode(t, rec))

	env.mailer.mu.Lock()
	env.mailer.err = nil
	env.mailer.mu.Unlock()

	// the undelivered resend neither counted nor started a cooldown
	rec = env.do(http.MethodPost, "/v1/auth/resend-otp", challengeRequest{Challenge: challenge})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(15), decode(t, rec)["resend_after"])
	assert.Equal(t, 2, env.mailer.count())
}

func TestSetupFlow(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("editora", model.RoleEditor, false)

	rec := env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "editora", Password: "anything"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "setup_required", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/auth/initiate-setup", initiateSetupRequest{Login: "editora@lapancomido.cl"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	challenge := decode(t, rec)["challenge"].(string)
	assert.Equal(t, model.OTPPurposeSetup, env.mailer.sent[0].Purpose)

	rec = env.do(http.MethodPost, "/v1/auth/verify-setup-otp", verifyOTPRequest{Challenge: challenge, Code: testCode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	setupToken := decode(t, rec)["setup_token"].(string)

	// setup tokens are not access tokens
	rec = env.do(http.MethodGet, "/v1/auth/me", nil, bearer(setupToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/auth/complete-setup", completeSetupRequest{SetupToken: setupToken, Password: "weak"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_password", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/auth/complete-setup", completeSetupRequest{SetupToken: setupToken, Password: testPassword, TrustDevice: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["token"])
	assert.NotNil(t, deviceCookie(rec))

	rec = env.do(http.MethodPost, "/v1/auth/complete-setup", completeSetupRequest{SetupToken: setupToken, Password: testPassword})
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.loginChallenge("editora")
}

func TestInitiateSetup_IneligibleLoginsLookAlike(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("editora", model.RoleEditor, true)

	setUp := env.do(http.MethodPost, "/v1/auth/initiate-setup", initiateSetupRequest{Login: "editora"})
	unknown := env.do(http.MethodPost, "/v1/auth/initiate-setup", initiateSetupRequest{Login: "nadie"})
	assert.Equal(t, 0, env.mailer.count())

	require.Equal(t, http.StatusAccepted, setUp.Code, setUp.Body.String())
	require.Equal(t, http.StatusAccepted, unknown.Code, unknown.Body.String())

	a, b := decode(t, setUp), decode(t, unknown)
	assert.NotEmpty(t, a["challenge"])
	assert.NotEmpty(t, b["challenge"])
	delete(a, "challenge")
	delete(b, "challenge")
	assert.Equal(t, a, b)
	assert.Equal(t, "***", a["email"])

	// the decoy challenge leads nowhere
	challenge := decode(t, env.do(http.MethodPost, "/v1/auth/initiate-setup", initiateSetupRequest{Login: "editora"}))["challenge"].(string)
	rec := env.do(http.MethodPost, "/v1/auth/verify-setup-otp", verifyOTPRequest{Challenge: challenge, Code: testCode})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(http.MethodPost, "/v1/auth/resend-otp", challengeRequest{Challenge: challenge})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.mailer.count())
}

func TestLogoutAll_RevokesDevices(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("panadera", model.RoleAdmin, true)
	challenge := env.loginChallenge("panadera")

	rec := env.do(http.MethodPost, "/v1/auth/verify-login-otp", verifyOTPRequest{Challenge: challenge, Code: testCode, TrustDevice: true})
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := deviceCookie(rec)
	require.NotNil(t, cookie)
	token := decode(t, rec)["token"].(string)

	rec = env.do(http.MethodPost, "/v1/auth/logout-all", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/auth/logout-all", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["revoked"])
	cleared := deviceCookie(rec)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	rec = env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "panadera", Password: testPassword}, withCookie(cookie))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAdminUsers_RequiresAdminRole(t *testing.T) {
	env := newTestEnv(t)
	admin := env.createUser("jefa", model.RoleAdmin, true)
	editor := env.createUser("editora", model.RoleEditor, true)

	adminToken, err := env.srv.tokens.issueAccess(admin.ID, admin.Username, admin.Email, string(admin.Role))
	require.NoError(t, err)
	editorToken, err := env.srv.tokens.issueAccess(editor.ID, editor.Username, editor.Email, string(editor.Role))
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/v1/admin/users", nil, bearer(editorToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/v1/admin/users", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["users"].([]any), 2)
}

func TestDeliveryUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.createUser("panadera", model.RoleAdmin, true)
	env.mailer.err = mail.ErrDeliveryUnavailable

	rec := env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "panadera", Password: testPassword})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "delivery_unavailable", errorCode(t, rec))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.AuthRateLimit = 3
		c.AuthRateWindow = 15 * time.Minute
	})

	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "x", Password: "y"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "x", Password: "y"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))

	// other clients keep their own budget
	rec = env.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "x", Password: "y"},
		func(r *http.Request) { r.RemoteAddr = "192.0.2.99:4000" })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// health is never limited
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", nil).Code)
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "p***@lapancomido.cl", maskEmail("panadera@lapancomido.cl"))
	assert.Equal(t, "***", maskEmail("broken"))
	assert.Equal(t, "ñ***@lapancomido.cl", maskEmail("ñandú@lapancomido.cl"))
	assert.Equal(t, "***", maskEmail("@lapancomido.cl"))
}
