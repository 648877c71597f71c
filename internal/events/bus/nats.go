package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
	"github.com/trafficcontrol/trafficcontrol/internal/common/logger"
	"github.com/trafficcontrol/trafficcontrol/internal/events"
)

// subjectPrefix namespaces mirrored events on NATS.
const subjectPrefix = "trafficcontrol.events."

// NATSForwarder mirrors bus events onto NATS subjects so external consumers
// (dashboards, analytics) can observe them. In-process delivery semantics are
// unaffected; the forwarder is registered as an ordinary pattern subscriber.
type NATSForwarder struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSForwarder connects to the configured NATS server.
func NewNATSForwarder(cfg config.NATSConfig, log *logger.Logger) (*NATSForwarder, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSForwarder{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "nats-forwarder")),
	}, nil
}

// Forward publishes a single event. Publish failures are logged and dropped;
// mirroring is best-effort.
func (f *NATSForwarder) Forward(event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn("failed to marshal event for mirroring",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}
	if err := f.conn.Publish(subjectPrefix+event.Type, data); err != nil {
		f.logger.Warn("failed to mirror event to NATS",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// Close drains the connection.
func (f *NATSForwarder) Close() {
	if f.conn != nil {
		f.conn.Close()
	}
}
