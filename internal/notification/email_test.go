package notification

import (
	"context"
	"io"
	"net/smtp"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
	"github.com/keslleykledston/24-Monitoramento/pkg/config"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func openedEvent() *protocol.IncidentEvent {
	ev := protocol.NewIncidentEvent(protocol.IncidentOpened, time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC))
	ev.IncidentID = 31
	ev.TargetID = 7
	ev.ProbeID = 2
	ev.LocationID = 200
	ev.Severity = "critical"
	ev.Status = "open"
	ev.Title = "High packet loss: 6.5%"
	ev.StartedAt = time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	ev.Evidence = map[string]any{"loss_avg": 6.5, "bucket": "2026-03-01T09:59:00Z"}
	return ev
}

func TestRender_OpenedEvent(t *testing.T) {
	subject, body, err := Render(openedEvent())
	require.NoError(t, err)

	assert.Equal(t, "[CRITICAL] Incident OPENED - High packet loss: 6.5%", subject)
	assert.Contains(t, body, "Incident ID: 31")
	assert.Contains(t, body, "Probe: 2 (location 200)")
	assert.Contains(t, body, "Started At: 2026-03-01T10:00:05Z")
	assert.NotContains(t, body, "Acknowledged By")
	// evidence keys are sorted
	assert.Regexp(t, `(?s)bucket: 2026-03-01T09:59:00Z.*loss_avg: 6.5`, body)
}

func TestRender_AckedCarriesOperator(t *testing.T) {
	ev := openedEvent()
	ev.Type = protocol.IncidentAcked
	ev.AckedBy = "noc-oncall"

	subject, body, err := Render(ev)
	require.NoError(t, err)
	assert.Contains(t, subject, "ACKNOWLEDGED")
	assert.Contains(t, body, "Acknowledged By: noc-oncall")
}

func TestRender_UnknownType(t *testing.T) {
	ev := openedEvent()
	ev.Type = "incident.exploded"
	_, _, err := Render(ev)
	assert.Error(t, err)
}

func TestHandleIncidentEvent_Sends(t *testing.T) {
	cfg := &config.SMTPConfig{Host: "smtp.local", Port: 2525, Username: "u", Password: "p", From: "mon@x", To: "noc@x"}
	n := NewEmailNotifier(cfg, quietLogger())

	var gotAddr string
	var gotMsg []byte
	n.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, "mon@x", from)
		assert.Equal(t, []string{"noc@x"}, to)
		return nil
	}

	require.NoError(t, n.HandleIncidentEvent(context.Background(), openedEvent()))
	assert.Equal(t, "smtp.local:2525", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: [CRITICAL] Incident OPENED")
}

func TestHandleIncidentEvent_UnconfiguredOnlyLogs(t *testing.T) {
	n := NewEmailNotifier(&config.SMTPConfig{Host: "smtp.local", Port: 25}, quietLogger())
	n.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called without credentials")
		return nil
	}
	assert.NoError(t, n.HandleIncidentEvent(context.Background(), openedEvent()))
}
