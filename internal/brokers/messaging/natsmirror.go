package messaging

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSMirror republishes delivered plugin messages onto a NATS subject for
// out-of-process observability (e.g. a host-wide audit tap), without the
// in-process delivery path ever depending on NATS being reachable. It
// implements Mirror.
type NATSMirror struct {
	conn *nats.Conn
}

// NewNATSMirror connects to natsURL and returns a Mirror backed by it.
// Connection failures surface here rather than at publish time, since a
// broker with a misconfigured mirror should fail fast at startup instead
// of silently dropping every publish.
func NewNATSMirror(natsURL string) (*NATSMirror, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect to nats: %w", err)
	}
	return &NATSMirror{conn: conn}, nil
}

// Publish fires the message at subject and does not wait for
// acknowledgement; mirroring is strictly best-effort and must never block
// or fail plugin-to-plugin delivery.
func (m *NATSMirror) Publish(subject string, data []byte) error {
	return m.conn.Publish(subject, data)
}

// Close releases the underlying NATS connection.
func (m *NATSMirror) Close() {
	m.conn.Close()
}
