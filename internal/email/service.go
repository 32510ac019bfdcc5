// Package email sends transactional mail over SMTP. Messages go out as
// multipart/alternative so text-only clients still get the link.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	cfg  Config
	addr string
	auth smtp.Auth
}

func NewService(cfg Config) *Service {
	return &Service{
		cfg:  cfg,
		addr: cfg.Host + ":" + cfg.Port,
		auth: smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host),
	}
}

// IsConfigured reports whether enough SMTP settings are present to send.
// Callers are expected to skip sending (not fail) when this is false.
func (s *Service) IsConfigured() bool {
	return s.cfg.Host != "" && s.cfg.Port != "" && s.cfg.From != ""
}

// SendVerificationEmail mails the signup verification link.
func (s *Service) SendVerificationEmail(to, userName, verifyURL string) error {
	html, err := render(verifyTmpl, linkData{UserName: userName, URL: verifyURL})
	if err != nil {
		return fmt.Errorf("render verification mail: %w", err)
	}
	text := fmt.Sprintf(
		"Hi %s,\r\n\r\nConfirm your Tandem account by opening this link:\r\n%s\r\n\r\nThe link expires in 24 hours.\r\n",
		userName, verifyURL)
	return s.send([]string{to}, "Confirm your Tandem account", text, html)
}

// SendPasswordResetEmail mails the password reset link.
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	html, err := render(resetTmpl, linkData{UserName: userName, URL: resetURL})
	if err != nil {
		return fmt.Errorf("render reset mail: %w", err)
	}
	text := fmt.Sprintf(
		"Hi %s,\r\n\r\nReset your Tandem password by opening this link:\r\n%s\r\n\r\nThe link expires in 1 hour. If you did not ask for this, ignore this mail.\r\n",
		userName, resetURL)
	return s.send([]string{to}, "Reset your Tandem password", text, html)
}

func (s *Service) send(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("smtp not configured")
	}

	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	const boundary = "tandem-mime"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, textBody)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.addr, s.auth, s.cfg.From, to, msg.Bytes())
}

type linkData struct {
	UserName string
	URL      string
}

func render(t *template.Template, data linkData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var verifyTmpl = template.Must(template.New("verify").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; color: #1f2430; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h1 style="font-size: 20px; border-bottom: 2px solid #4f6df5; padding-bottom: 8px;">Tandem</h1>
  <p>Hi {{.UserName}},</p>
  <p>Your workspace is waiting. Confirm your email address to finish signing up:</p>
  <p><a href="{{.URL}}" style="display: inline-block; padding: 10px 22px; background: #4f6df5; color: #fff; text-decoration: none; border-radius: 4px;">Confirm email</a></p>
  <p style="font-size: 13px; color: #5a6072;">Or paste this link into your browser:<br>{{.URL}}</p>
  <p style="font-size: 13px; color: #5a6072;">The link expires in 24 hours. If you did not sign up for Tandem, ignore this mail.</p>
</body>
</html>`))

var resetTmpl = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; color: #1f2430; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h1 style="font-size: 20px; border-bottom: 2px solid #4f6df5; padding-bottom: 8px;">Tandem</h1>
  <p>Hi {{.UserName}},</p>
  <p>Someone asked to reset the password for this account. If that was you, pick a new one here:</p>
  <p><a href="{{.URL}}" style="display: inline-block; padding: 10px 22px; background: #4f6df5; color: #fff; text-decoration: none; border-radius: 4px;">Reset password</a></p>
  <p style="font-size: 13px; color: #5a6072;">Or paste this link into your browser:<br>{{.URL}}</p>
  <p style="font-size: 13px; color: #5a6072;">The link expires in 1 hour. If you did not ask for a reset, your password is unchanged.</p>
</body>
</html>`))
