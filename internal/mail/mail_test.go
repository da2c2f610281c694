package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"lapancomido/api/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestOTPMailer_DevModeLogsCode(t *testing.T) {
	var buf bytes.Buffer
	m := NewOTPMailer(nil, false, 5, log.New(&buf, "", 0))

	require.NoError(t, m.SendOTP(context.Background(), "a@lapancomido.cl", "panadera", "12345678", model.OTPPurposeLogin))
	assert.Contains(t, buf.String(), "[DEV] OTP for panadera (login): 12345678")
}

func TestOTPMailer_ProductionWithoutSender(t *testing.T) {
	var buf bytes.Buffer
	m := NewOTPMailer(nil, true, 5, log.New(&buf, "", 0))

	err := m.SendOTP(context.Background(), "a@lapancomido.cl", "panadera", "12345678", model.OTPPurposeLogin)
	assert.ErrorIs(t, err, ErrDeliveryUnavailable)
	assert.NotContains(t, buf.String(), "12345678")
}

func TestOTPMailer_RendersPurpose(t *testing.T) {
	rec := &recordingSender{}
	m := NewOTPMailer(rec, true, 5, log.New(&bytes.Buffer{}, "", 0))
	ctx := context.Background()

	require.NoError(t, m.SendOTP(ctx, "a@lapancomido.cl", "panadera", "12345678", model.OTPPurposeLogin))
	require.NoError(t, m.SendOTP(ctx, "a@lapancomido.cl", "<b>panadera</b>", "87654321", model.OTPPurposeSetup))
	require.Len(t, rec.sent, 2)

	login := rec.sent[0]
	assert.Equal(t, "a@lapancomido.cl", login.To)
	assert.Equal(t, "Código de verificación - La Pan Comido Admin", login.Subject)
	assert.Contains(t, login.HTML, "12345678")
	assert.Contains(t, login.HTML, "Este código expira en 5 minutos")

	setup := rec.sent[1]
	assert.Equal(t, "Configura tu cuenta - La Pan Comido Admin", setup.Subject)
	assert.Contains(t, setup.HTML, "Verifica tu Email")
	assert.Contains(t, setup.HTML, "&lt;b&gt;panadera&lt;/b&gt;")
}

func TestOTPMailer_SendFailureIsDeliveryUnavailable(t *testing.T) {
	rec := &recordingSender{err: errors.New("provider down")}
	m := NewOTPMailer(rec, false, 5, log.New(&bytes.Buffer{}, "", 0))

	err := m.SendOTP(context.Background(), "a@lapancomido.cl", "panadera", "12345678", model.OTPPurposeLogin)
	assert.ErrorIs(t, err, ErrDeliveryUnavailable)
}

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{
		Host:     "smtp.lapancomido.cl",
		User:     "robot@lapancomido.cl",
		Password: "secret",
		From:     "La Pan Comido <robot@lapancomido.cl>",
	})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	s.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		return nil
	}

	err := s.Send(context.Background(), Message{To: "a@lapancomido.cl", Subject: "Código", HTML: "<p>hola</p>"})
	require.NoError(t, err)

	assert.Equal(t, "smtp.lapancomido.cl:587", gotAddr)
	assert.Equal(t, "robot@lapancomido.cl", gotFrom)
	assert.Equal(t, []string{"a@lapancomido.cl"}, gotTo)
	body := string(gotBody)
	assert.Contains(t, body, "Content-Type: text/html")
	assert.Contains(t, body, "\r\n\r\n<p>hola</p>")
	assert.Contains(t, body, "Subject: =?utf-8?q?")
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost"})
	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("must not send")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, Message{To: "a@b.c"}), context.Canceled)
}

func TestResendSender_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "emails"))
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email_123"}`))
	}))
	defer srv.Close()

	s, err := NewResendSender("re_test", "")
	require.NoError(t, err)
	require.NoError(t, s.WithBaseURL(srv.URL))

	require.NoError(t, s.Send(context.Background(), Message{To: "a@lapancomido.cl", Subject: "Hola", HTML: "<p>x</p>"}))
	assert.Equal(t, DefaultFromEmail, got["from"])
	assert.Equal(t, "Hola", got["subject"])
	assert.Equal(t, []any{"a@lapancomido.cl"}, got["to"])

	_, err = NewResendSender(" ", "")
	assert.Error(t, err)
}
