package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stackpilot/stackpilot/internal/core/progress"
)

const (
	// subjectPrefix namespaces every progress subject.
	subjectPrefix = "stackpilot.progress"

	natsReconnectWait = 2 * time.Second
	natsMaxReconnects = 5
)

// NATSPublisher pushes progress events to a NATS server so external clients
// can follow a deployment session without polling. Delivery is fire-and-
// forget; a publish failure is logged and never propagated to the
// orchestration loop.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher connects to the given NATS URL.
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify-nats")

	conn, err := nats.Connect(url,
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	logger.Info("connected to nats", "url", url)
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish sends the event on the session-scoped subject.
func (p *NATSPublisher) Publish(event progress.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal progress event", "error", err)
		return
	}
	if err := p.conn.Publish(SubjectFor(event.SessionID), payload); err != nil {
		p.logger.Warn("failed to publish progress event",
			"session", event.SessionID, "phase", event.Phase, "error", err)
	}
}

// Close flushes pending messages and drops the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Flush(); err != nil {
		p.logger.Warn("failed to flush nats connection", "error", err)
	}
	p.conn.Close()
}

var _ progress.Sink = (*NATSPublisher)(nil)

// SubjectFor returns the NATS subject for a session's progress stream.
// Events without a session go to the shared firehose subject.
func SubjectFor(sessionID string) string {
	if sessionID == "" {
		return subjectPrefix + ".all"
	}
	return subjectPrefix + "." + sessionID
}
