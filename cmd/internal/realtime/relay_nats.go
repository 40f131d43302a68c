package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	v1 "courier/shared/contracts/messaging/v1"
)

const relaySubjectPrefix = "courier.conv."

// relayFrame wraps an envelope with its publishing node so subscribers can
// discard their own publishes.
type relayFrame struct {
	Origin   string      `json:"origin"`
	Envelope v1.Envelope `json:"envelope"`
}

// NATSRelay mirrors conversation envelopes across nodes over NATS subjects,
// one subject per conversation (courier.conv.<id>).
type NATSRelay struct {
	nc     *nats.Conn
	log    *slog.Logger
	nodeID string

	sub *nats.Subscription
}

// NewNATSRelay constructs a relay on an established NATS connection.
func NewNATSRelay(nc *nats.Conn, log *slog.Logger) (*NATSRelay, error) {
	if nc == nil {
		return nil, fmt.Errorf("realtime: nil nats connection")
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSRelay{
		nc:     nc,
		log:    log,
		nodeID: NewRandomHex(8),
	}, nil
}

// Broadcast publishes the envelope for other nodes.
func (r *NATSRelay) Broadcast(ctx context.Context, env v1.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(env.ConvID) == "" {
		return fmt.Errorf("realtime: relay envelope missing conversation id")
	}

	data, err := json.Marshal(relayFrame{Origin: r.nodeID, Envelope: env})
	if err != nil {
		return err
	}
	return r.nc.Publish(relaySubjectPrefix+env.ConvID, data)
}

// Subscribe installs the remote-envelope handler on the conversation subject
// wildcard. Frames published by this node are dropped.
func (r *NATSRelay) Subscribe(handler func(env v1.Envelope)) error {
	if handler == nil {
		return fmt.Errorf("realtime: nil relay handler")
	}
	if r.sub != nil {
		return fmt.Errorf("realtime: relay already subscribed")
	}

	sub, err := r.nc.Subscribe(relaySubjectPrefix+">", func(msg *nats.Msg) {
		var frame relayFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			r.log.Warn("relay.frame.decode.fail", "subject", msg.Subject, "err", err)
			return
		}
		if frame.Origin == r.nodeID {
			return
		}
		if err := frame.Envelope.Validate(); err != nil {
			r.log.Warn("relay.frame.invalid", "subject", msg.Subject, "err", err)
			return
		}
		handler(frame.Envelope)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Close drains the subscription and leaves the NATS connection to its owner.
func (r *NATSRelay) Close() {
	if r.sub != nil {
		_ = r.sub.Drain()
		r.sub = nil
	}
}
