package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

// NATS broadcasts lock changes over a NATS subject.
type NATS struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATS connects a NATS-backed broadcast adapter with automatic
// reconnect.
func NewNATS(url, subject string, logger zerolog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "pubsub_nats").Str("subject", subject).Logger(),
	}, nil
}

func (n *NATS) Publish(_ context.Context, change chatsync.LockChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (n *NATS) Subscribe(_ context.Context, handler func(chatsync.LockChange)) error {
	_, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		var change chatsync.LockChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			n.logger.Warn().Err(err).Msg("Bad lock change payload on NATS subject")
			return
		}
		handler(change)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (n *NATS) Close() { n.conn.Close() }
