// Package notify sends outcome emails to job senders. Sending is
// best-effort: a failure is reported to the caller for logging but
// must never abort the pipeline.
package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// dialTimeout bounds the SMTP connection attempt so a hung relay
// cannot stall the cycle.
const dialTimeout = 30 * time.Second

// Mailer sends plain-text mail from the shared inbox address.
type Mailer struct {
	host     string
	port     string
	username string
	password string
	tls      bool
	logger   *zap.Logger
}

// NewMailer creates a Mailer. tls selects implicit TLS; otherwise the
// connection is upgraded with STARTTLS.
func NewMailer(host, port, username, password string, useTLS bool, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      useTLS,
		logger:   logger,
	}
}

// Notify composes and sends a message to recipient.
func (m *Mailer) Notify(recipient, subject, body string) error {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", m.username))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := m.host + ":" + m.port

	var err error
	if m.tls {
		err = m.sendWithTLS(addr, recipient, msg.String())
	} else {
		err = m.sendWithStartTLS(addr, recipient, msg.String())
	}
	if err != nil {
		return err
	}

	m.logger.Info("notification sent",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
	)
	return nil
}

// sendWithTLS sends a message over an implicit TLS connection.
func (m *Mailer) sendWithTLS(addr, to, body string) error {
	tlsConfig := &tls.Config{ServerName: m.host}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", m.username, m.password, m.host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return sendViaClient(client, m.username, to, body)
}

// sendWithStartTLS sends a message using STARTTLS.
func (m *Mailer) sendWithStartTLS(addr, to, body string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: m.host}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("SMTP STARTTLS: %w", err)
	}

	auth := smtp.PlainAuth("", m.username, m.password, m.host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return sendViaClient(client, m.username, to, body)
}

// sendViaClient sends a message using an already-authenticated SMTP
// client.
func sendViaClient(client *smtp.Client, from, to, body string) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write([]byte(body)); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing message body: %w", err)
	}

	return client.Quit()
}
