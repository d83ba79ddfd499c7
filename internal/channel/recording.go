package channel

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage is one outbound message captured by a RecordingChannel.
type SentMessage struct {
	Recipient   string
	Text        string
	Attachments []string
	Quote       *Quote
	IsStatus    bool
}

// TypingEvent is one typing toggle captured by a RecordingChannel.
type TypingEvent struct {
	Recipient string
	On        bool
}

// RecordingChannel captures outbound traffic and lets tests inject
// inbound envelopes.
type RecordingChannel struct {
	mu      sync.Mutex
	sent    []SentMessage
	typing  []TypingEvent
	nextID  int64
	sendErr error
	inbound chan Envelope
}

var _ Channel = (*RecordingChannel)(nil)

// NewRecordingChannel creates a test channel.
func NewRecordingChannel() *RecordingChannel {
	return &RecordingChannel{inbound: make(chan Envelope, 16)}
}

// FailSendsWith makes subsequent sends return err (nil restores
// normal behavior).
func (c *RecordingChannel) FailSendsWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *RecordingChannel) SendMessage(_ context.Context, recipient, text string, attachments []string, quote *Quote) (string, error) {
	if err := validateOutbound(text, attachments); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.nextID++
	c.sent = append(c.sent, SentMessage{
		Recipient:   recipient,
		Text:        text,
		Attachments: attachments,
		Quote:       quote,
	})
	return fmt.Sprintf("ext-%d", c.nextID), nil
}

func (c *RecordingChannel) SendTyping(_ context.Context, recipient string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, TypingEvent{Recipient: recipient, On: on})
}

func (c *RecordingChannel) SendStatus(_ context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, SentMessage{Recipient: recipient, Text: text, IsStatus: true})
	return nil
}

// Deliver injects an inbound envelope for a running Listen loop.
func (c *RecordingChannel) Deliver(env Envelope) {
	c.inbound <- env
}

func (c *RecordingChannel) Listen(ctx context.Context, handler func(Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.inbound:
			handler(env)
		}
	}
}

// Sent returns a copy of all captured outbound messages.
func (c *RecordingChannel) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Typing returns a copy of all captured typing events.
func (c *RecordingChannel) Typing() []TypingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TypingEvent, len(c.typing))
	copy(out, c.typing)
	return out
}
