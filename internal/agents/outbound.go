package agents

import (
	"context"

	"penny/internal/channel"
	"penny/internal/store"
)

// sendProactive sends an unsolicited message and logs it with no
// parent link. The stored external id lets later reactions correlate
// back to it.
func sendProactive(ctx context.Context, st *store.Store, ch channel.Channel, user, text string) error {
	externalID, err := ch.SendMessage(ctx, user, text, nil, nil)
	if err != nil {
		return err
	}
	msg := store.Message{
		User:      user,
		Direction: store.DirectionOutgoing,
		Sender:    user,
		Content:   text,
	}
	if externalID != "" {
		msg.ExternalID = &externalID
	}
	_, err = st.CreateMessage(ctx, msg)
	return err
}
