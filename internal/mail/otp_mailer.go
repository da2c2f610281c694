package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"

	"lapancomido/api/internal/model"
)

var otpTemplate = template.Must(template.New("otp").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #262011; border-bottom: 2px solid #F5E1A4; padding-bottom: 10px;">{{.Heading}}</h2>
  <p>Hola {{.Username}},</p>
  <p>{{.Intro}}</p>
  <div style="background-color: #f9f9f9; padding: 20px; border-radius: 8px; margin: 20px 0; text-align: center;">
    <p style="margin: 0; font-size: 14px; color: #666;">Tu código de verificación:</p>
    <p style="font-size: 36px; font-weight: bold; letter-spacing: 4px; margin: 10px 0; color: #262011; font-family: monospace;">{{.Code}}</p>
    <p style="margin: 0; font-size: 12px; color: #999;">Este código expira en {{.ExpiryMinutes}} minutos</p>
  </div>
  <p style="color: #666; font-size: 14px;">Si no solicitaste este código, ignora este correo.</p>
  <hr style="border: none; border-top: 1px solid #ddd; margin: 20px 0;">
  <p style="color: #666; font-size: 12px;">La Pan Comido - Panel de Administración</p>
</div>
`))

type otpView struct {
	Heading       string
	Intro         string
	Username      string
	Code          string
	ExpiryMinutes int
}

// OTPMailer renders and sends one-time codes. With a nil sender it logs the
// code outside production and refuses in production.
type OTPMailer struct {
	sender        Sender
	production    bool
	expiryMinutes int
	logger        *log.Logger
}

func NewOTPMailer(sender Sender, production bool, expiryMinutes int, logger *log.Logger) *OTPMailer {
	if logger == nil {
		logger = log.Default()
	}
	if expiryMinutes <= 0 {
		expiryMinutes = 5
	}
	return &OTPMailer{
		sender:        sender,
		production:    production,
		expiryMinutes: expiryMinutes,
		logger:        logger,
	}
}

func (m *OTPMailer) SendOTP(ctx context.Context, to, username, code string, purpose model.OTPPurpose) error {
	if m.sender == nil {
		if m.production {
			return fmt.Errorf("%w: no mail provider configured", ErrDeliveryUnavailable)
		}
		m.logger.Printf("[DEV] OTP for %s (%s): %s", username, purpose, code)
		return nil
	}

	msg, err := m.render(to, username, code, purpose)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Printf("[mail] otp delivery to %s failed: %v", to, err)
		return fmt.Errorf("%w: %v", ErrDeliveryUnavailable, err)
	}
	m.logger.Printf("[mail] otp email sent to %s", to)
	return nil
}

func (m *OTPMailer) render(to, username, code string, purpose model.OTPPurpose) (Message, error) {
	view := otpView{
		Heading:       "Código de Verificación",
		Intro:         "Recibimos una solicitud de inicio de sesión desde un nuevo dispositivo.",
		Username:      username,
		Code:          code,
		ExpiryMinutes: m.expiryMinutes,
	}
	subject := "Código de verificación - La Pan Comido Admin"
	if purpose == model.OTPPurposeSetup {
		view.Heading = "Verifica tu Email"
		view.Intro = "Usa este código para verificar tu email y completar la configuración de tu cuenta."
		subject = "Configura tu cuenta - La Pan Comido Admin"
	}

	var buf bytes.Buffer
	if err := otpTemplate.Execute(&buf, view); err != nil {
		return Message{}, fmt.Errorf("render otp email: %w", err)
	}
	return Message{To: to, Subject: subject, HTML: buf.String()}, nil
}
