package email

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"storefront-payment-api/models"
)

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

type SMTPService struct {
	config SMTPConfig
	dial   func(addr string) (net.Conn, error)
}

func NewSMTPService(config SMTPConfig) *SMTPService {
	if config.Port == "" {
		config.Port = "587"
	}
	return &SMTPService{
		config: config,
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 10*time.Second)
		},
	}
}

func (s *SMTPService) SendEmail(to, subject, body string) error {
	conn, err := s.dial(net.JoinHostPort(s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err = client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err = client.Mail(s.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err = client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to create email body writer: %w", err)
	}
	if _, err = w.Write([]byte(buildMessage(s.config.From, to, subject, body))); err != nil {
		return fmt.Errorf("failed to write email body: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close email body writer: %w", err)
	}

	return client.Quit()
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	return b.String()
}

func (s *SMTPService) SendOrderReceipt(to string, order *models.Order) error {
	body, err := RenderReceipt(order)
	if err != nil {
		return err
	}
	return s.SendEmail(to, fmt.Sprintf("Your order #%d receipt", order.ID), body)
}
