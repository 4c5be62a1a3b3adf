package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
	"github.com/keslleykledston/24-Monitoramento/pkg/config"
)

var bodyTemplate = template.Must(template.New("incident").Parse(`
Incident {{.Verb}}
==================

Title: {{.Event.Title}}
Severity: {{.Event.Severity}}
Status: {{.Event.Status}}
Incident ID: {{.Event.IncidentID}}
Target: {{.Event.TargetID}}
Probe: {{.Event.ProbeID}} (location {{.Event.LocationID}})
Started At: {{.StartedAt}}
{{- if .Event.AckedBy}}
Acknowledged By: {{.Event.AckedBy}}
{{- end}}
{{- if .Evidence}}

Evidence:
{{- range .Evidence}}
  {{.}}
{{- end}}
{{- end}}

---
Network Monitoring Notification System
`))

type bodyData struct {
	Verb      string
	Event     *protocol.IncidentEvent
	StartedAt string
	Evidence  []string
}

// SendFunc delivers one message; smtp.SendMail has this signature
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails incident lifecycle events
type EmailNotifier struct {
	config *config.SMTPConfig
	send   SendFunc
	log    *logrus.Entry
}

func NewEmailNotifier(cfg *config.SMTPConfig, log *logrus.Entry) *EmailNotifier {
	return &EmailNotifier{config: cfg, send: smtp.SendMail, log: log}
}

// HandleIncidentEvent renders and sends the mail for one event
func (e *EmailNotifier) HandleIncidentEvent(_ context.Context, ev *protocol.IncidentEvent) error {
	subject, body, err := Render(ev)
	if err != nil {
		return err
	}
	return e.sendEmail(subject, body)
}

// Render builds the subject and plain-text body for an event
func Render(ev *protocol.IncidentEvent) (string, string, error) {
	var verb string
	switch ev.Type {
	case protocol.IncidentOpened:
		verb = "OPENED"
	case protocol.IncidentAcked:
		verb = "ACKNOWLEDGED"
	case protocol.IncidentResolved:
		verb = "RESOLVED"
	default:
		return "", "", fmt.Errorf("unknown incident event type: %s", ev.Type)
	}

	subject := fmt.Sprintf("[%s] Incident %s - %s", strings.ToUpper(ev.Severity), verb, ev.Title)

	var buf bytes.Buffer
	err := bodyTemplate.Execute(&buf, bodyData{
		Verb:      verb,
		Event:     ev,
		StartedAt: ev.StartedAt.UTC().Format(time.RFC3339),
		Evidence:  evidenceLines(ev.Evidence),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to render email template: %w", err)
	}
	return subject, buf.String(), nil
}

func evidenceLines(evidence map[string]any) []string {
	keys := make([]string, 0, len(evidence))
	for k := range evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, evidence[k]))
	}
	return lines
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	if !e.Configured() {
		e.log.WithField("subject", subject).Info("SMTP not configured, logging notification only")
		e.log.Debug(body)
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.log.WithField("subject", subject).Info("Email sent")
	return nil
}

// Configured reports whether SMTP credentials are set
func (e *EmailNotifier) Configured() bool {
	return e.config.Username != "" && e.config.Password != ""
}

// TestConnection dials the SMTP server
func (e *EmailNotifier) TestConnection() error {
	if !e.Configured() {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	return client.Close()
}
