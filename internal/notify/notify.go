// Package notify delivers finished answers to channels outside the request
// path: the terminal, or a NATS subject per channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ErrEmptyChannel is returned when Send is called without a channel id.
var ErrEmptyChannel = errors.New("notify: empty channel id")

// Notifier delivers text to a channel.
type Notifier interface {
	Send(ctx context.Context, channelID, text string) error
}

// Message is the payload published for each notification.
type Message struct {
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// Console writes notifications to a terminal.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	channel *color.Color
}

// NewConsole creates a Console writing to w, or stdout when w is nil.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w, channel: color.New(color.FgCyan, color.Bold)}
}

// Send implements Notifier.
func (c *Console) Send(ctx context.Context, channelID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channelID == "" {
		return ErrEmptyChannel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "%s %s\n", c.channel.Sprintf("[%s]", channelID), text)
	return err
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Send implements Notifier.
func (m Multi) Send(ctx context.Context, channelID, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, channelID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
