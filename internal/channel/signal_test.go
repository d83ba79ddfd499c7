package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopeDataMessage(t *testing.T) {
	c := NewSignalChannel("http://localhost:8080", "+490000")
	raw := []byte(`{"envelope":{"source":"+491111","timestamp":1700000000000,
		"dataMessage":{"message":"hello there","timestamp":1700000000001,
		"quote":{"text":"earlier message"}}}}`)

	env, ok := c.parseEnvelope(context.Background(), raw)
	require.True(t, ok)
	assert.Equal(t, "+491111", env.Sender)
	assert.Equal(t, "hello there", env.Content)
	assert.Equal(t, int64(1700000000001), env.Timestamp)
	assert.Equal(t, "earlier message", env.QuotedText)
	assert.False(t, env.IsReaction)
}

func TestParseEnvelopeReaction(t *testing.T) {
	c := NewSignalChannel("http://localhost:8080", "+490000")
	raw := []byte(`{"envelope":{"source":"+491111","timestamp":1700000000000,
		"dataMessage":{"reaction":{"emoji":"👍","targetSentTimestamp":1699999999999}}}}`)

	env, ok := c.parseEnvelope(context.Background(), raw)
	require.True(t, ok)
	assert.True(t, env.IsReaction)
	assert.Equal(t, "👍", env.Emoji)
	assert.Equal(t, "1699999999999", env.TargetExternalID)
}

func TestParseEnvelopeDropsNoise(t *testing.T) {
	c := NewSignalChannel("http://localhost:8080", "+490000")
	ctx := context.Background()

	// Receipts and typing events carry no dataMessage.
	_, ok := c.parseEnvelope(ctx, []byte(`{"envelope":{"source":"+491111","receiptMessage":{}}}`))
	assert.False(t, ok)

	// Reaction removals are not engagement.
	_, ok = c.parseEnvelope(ctx, []byte(`{"envelope":{"source":"+491111",
		"dataMessage":{"reaction":{"emoji":"👍","targetSentTimestamp":1,"isRemove":true}}}}`))
	assert.False(t, ok)

	// Empty messages without attachments are dropped.
	_, ok = c.parseEnvelope(ctx, []byte(`{"envelope":{"source":"+491111","dataMessage":{"message":""}}}`))
	assert.False(t, ok)

	_, ok = c.parseEnvelope(ctx, []byte(`not json`))
	assert.False(t, ok)
}

func TestRedeliveredEnvelopesDropped(t *testing.T) {
	c := NewSignalChannel("http://localhost:8080", "+490000")

	msg := Envelope{Sender: "+491111", Content: "hello", Timestamp: 1700000000001}
	assert.False(t, c.seenEnvelope(msg))
	assert.True(t, c.seenEnvelope(msg), "the same envelope after a reconnect is a duplicate")

	// A reaction sharing the outer timestamp is not the message.
	reaction := Envelope{Sender: "+491111", IsReaction: true, Emoji: "👍", Timestamp: 1700000000001}
	assert.False(t, c.seenEnvelope(reaction))

	// Same timestamp from another sender is distinct.
	assert.False(t, c.seenEnvelope(Envelope{Sender: "+492222", Content: "hello", Timestamp: 1700000000001}))
}

func TestSignalSendReturnsTimestamp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/send", r.URL.Path)
		fmt.Fprint(w, `{"timestamp":1700000000123}`)
	}))
	defer server.Close()

	c := NewSignalChannel(server.URL, "+490000")
	id, err := c.SendMessage(context.Background(), "+491111", "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1700000000123", id)
}

func TestSignalSendRetriesSocketHiccup(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"Socket closed unexpectedly"}`)
			return
		}
		fmt.Fprint(w, `{"timestamp":42}`)
	}))
	defer server.Close()

	c := NewSignalChannel(server.URL, "+490000")
	c.retry.BaseDelay = 0

	id, err := c.SendMessage(context.Background(), "+491111", "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSignalSendPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"Unregistered user"}`)
	}))
	defer server.Close()

	c := NewSignalChannel(server.URL, "+490000")
	c.retry.BaseDelay = 0

	_, err := c.SendMessage(context.Background(), "+491111", "hi", nil, nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a real 400 is not retried")
}

func TestValidateOutbound(t *testing.T) {
	assert.Error(t, validateOutbound("", nil))
	assert.NoError(t, validateOutbound("hello", nil))
	assert.NoError(t, validateOutbound("", []string{"base64image"}))
}

func TestIsSocketHiccup(t *testing.T) {
	assert.True(t, isSocketHiccup("java.net.SocketException: broken pipe"))
	assert.True(t, isSocketHiccup("Connection reset by peer"))
	assert.False(t, isSocketHiccup("Unregistered user +49"))
}
