package app

import (
	"time"

	"github.com/nats-io/nats.go"
)

// NewNATSConn connects to the NATS server used for cross-node event fanout.
// Reconnects are bounded: if the broker stays away, nodes degrade to
// single-node fanout rather than holding goroutines hostage.
func NewNATSConn(cfg Config) (*nats.Conn, error) {
	return nats.Connect(cfg.NATSURL,
		nats.Name("courier"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2*time.Second),
	)
}
