// Package channel abstracts the chat transports Penny speaks through.
// A channel delivers inbound envelopes to a handler and exposes
// outbound send, typing, and status operations.
package channel

import (
	"context"
	"fmt"
)

// Envelope is one inbound item from a transport.
type Envelope struct {
	// Sender is the platform id of the user (phone number, user id).
	Sender string
	// Content is the message text. Empty for bare reactions.
	Content string
	// QuotedText is the text of a quoted/replied-to message, if any.
	QuotedText string
	// Timestamp is the platform message timestamp in unix millis.
	Timestamp int64
	// Images holds base64-encoded image attachments.
	Images []string
	// IsReaction marks emoji reactions to an earlier message.
	IsReaction bool
	// Emoji is the reaction emoji when IsReaction is set.
	Emoji string
	// TargetExternalID is the external id of the message the reaction
	// targets, empty for regular messages.
	TargetExternalID string
}

// Quote references an earlier message to reply to.
type Quote struct {
	Author    string
	Timestamp int64
	Text      string
}

// Channel is the outbound and inbound message transport.
type Channel interface {
	// SendMessage delivers text (and optional base64 attachments) to a
	// recipient and returns the platform-assigned external id. Empty
	// text without attachments is rejected.
	SendMessage(ctx context.Context, recipient, text string, attachments []string, quote *Quote) (string, error)

	// SendTyping toggles the typing indicator. Fire-and-forget; errors
	// are logged by implementations, not returned to callers.
	SendTyping(ctx context.Context, recipient string, on bool)

	// SendStatus sends an ephemeral status line (startup pings). Status
	// messages are not recorded in the message log.
	SendStatus(ctx context.Context, recipient, text string) error

	// Listen blocks delivering envelopes to handler until ctx is
	// cancelled.
	Listen(ctx context.Context, handler func(Envelope)) error
}

func validateOutbound(text string, attachments []string) error {
	if text == "" && len(attachments) == 0 {
		return fmt.Errorf("refusing to send empty message without attachments")
	}
	return nil
}
