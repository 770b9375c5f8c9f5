package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/nkhandel/soundml-server/internal/protocol"
	"github.com/nkhandel/soundml-server/pkg/config"
)

// EmailNotifier sends email notifications for machine status events
type EmailNotifier struct {
	config *config.SMTPConfig
	logger *slog.Logger
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		config: cfg,
		logger: logger.With("component", "notifier"),
	}
}

type emailData struct {
	Tenant  string
	Machine string
	ZScore  float64
	BatchID string
	When    string
}

// SendStatusEvent sends an email for a machine status event
func (e *EmailNotifier) SendStatusEvent(ev *protocol.StatusEvent) error {
	data := emailData{
		Tenant:  ev.TenantID,
		Machine: ev.MachineID,
		ZScore:  ev.ZScore,
		BatchID: ev.BatchID,
		When:    ev.At.Format(time.RFC1123),
	}

	var subject string
	var body string
	var err error

	switch ev.Type {
	case protocol.EventMachineStarted:
		subject = fmt.Sprintf("🟢 Machine STARTED - %s (%s)", ev.MachineID, ev.TenantID)
		body, err = e.renderStartedTemplate(data)
	case protocol.EventMachineStopped:
		subject = fmt.Sprintf("🔴 Machine STOPPED - %s (%s)", ev.MachineID, ev.TenantID)
		body, err = e.renderStoppedTemplate(data)
	case protocol.EventNoiseAnomaly:
		subject = fmt.Sprintf("⚠️ Noise anomaly - %s", ev.TenantID)
		body, err = e.renderAnomalyTemplate(data)
	default:
		return fmt.Errorf("unknown event type: %s", ev.Type)
	}

	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	return e.sendEmail(subject, body)
}

func (e *EmailNotifier) renderStartedTemplate(data emailData) (string, error) {
	tmpl := `
Machine Started
===============

Tenant: {{.Tenant}}
Machine: {{.Machine}}
Time: {{.When}}

Description:
The acoustic fingerprint of machine {{.Machine}} has been detected
consistently over the recent capture windows, so the machine is now
considered running.

---
Machine Monitoring Notification System
`

	t, err := template.New("started").Parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func (e *EmailNotifier) renderStoppedTemplate(data emailData) (string, error) {
	tmpl := `
Machine Stopped
===============

Tenant: {{.Tenant}}
Machine: {{.Machine}}
Time: {{.When}}

Description:
The acoustic fingerprint of machine {{.Machine}} has disappeared from
the recent capture windows, so the machine is now considered stopped.

---
Machine Monitoring Notification System
`

	t, err := template.New("stopped").Parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func (e *EmailNotifier) renderAnomalyTemplate(data emailData) (string, error) {
	tmpl := `
Noise Anomaly Detected
======================

Tenant: {{.Tenant}}
Peak z-score: {{printf "%.2f" .ZScore}}
Batch: {{.BatchID}}
Time: {{.When}}

Description:
The ambient noise level deviated sharply from the learned baseline.
This can indicate a mechanical fault, an impact, or a new noise source
near the sensors.

---
Machine Monitoring Notification System
`

	t, err := template.New("anomaly").Parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	// Skip sending if SMTP is not configured
	if e.config.Username == "" || e.config.Password == "" {
		e.logger.Info("smtp not configured, skipping email", "subject", subject)
		return nil
	}

	// Construct message
	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	// Setup authentication
	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)

	// Send email
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	err := smtp.SendMail(addr, auth, e.config.From, []string{e.config.To}, []byte(message))
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("email sent", "subject", subject)
	return nil
}

// TestConnection tests the SMTP connection
func (e *EmailNotifier) TestConnection() error {
	if e.config.Username == "" {
		return fmt.Errorf("SMTP not configured")
	}

	// Try to connect
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	e.logger.Info("smtp connection test successful")
	return nil
}
