package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/logging"
)

// NATSOptions configures a NATS notifier.
type NATSOptions struct {
	URL string
	// Subject is the prefix; messages go to "<Subject>.<channel id>".
	Subject string
	Name    string
	Breaker *breaker.Breaker
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// NATS publishes notifications as JSON Messages.
type NATS struct {
	conn    *nats.Conn
	subject string
	brk     *breaker.Breaker
	log     zerolog.Logger
	now     func() time.Time
}

// DialNATS connects to the server at opts.URL. The connection reconnects
// forever; publishes while disconnected are buffered by the client.
func DialNATS(opts NATSOptions) (*NATS, error) {
	n := &NATS{subject: opts.Subject, brk: opts.Breaker, now: opts.Now}
	if n.subject == "" {
		n.subject = "switchboard.notify"
	}
	if n.now == nil {
		n.now = time.Now
	}
	if opts.Logger != nil {
		n.log = *opts.Logger
	} else {
		n.log = logging.For("notify")
	}
	name := opts.Name
	if name == "" {
		name = "switchboard"
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.log.Warn().Err(err).Str(logging.DEPENDENCY, "nats").Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.log.Info().Str(logging.DEPENDENCY, "nats").Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	n.conn = conn
	return n, nil
}

// Subject returns the subject a channel's messages are published to.
func (n *NATS) Subject(channelID string) string {
	return n.subject + "." + channelID
}

// Send implements Notifier. The publish is flushed so delivery failures
// surface here and count against the breaker.
func (n *NATS) Send(ctx context.Context, channelID, text string) error {
	if channelID == "" {
		return ErrEmptyChannel
	}
	data, err := json.Marshal(Message{ChannelID: channelID, Text: text, SentAt: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	publish := func(ctx context.Context) error {
		if err := n.conn.Publish(n.Subject(channelID), data); err != nil {
			return err
		}
		return n.conn.FlushWithContext(ctx)
	}
	if n.brk == nil {
		err = publish(ctx)
	} else {
		err = n.brk.Call(ctx, publish)
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", n.Subject(channelID), err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
