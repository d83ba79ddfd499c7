package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	pennyerrors "penny/internal/errors"
	"penny/internal/logging"
)

const (
	signalReadTimeout    = 30 * time.Second
	signalReconnectDelay = 5 * time.Second
	signalDedupSize      = 512
)

// SignalChannel speaks to a signal-cli REST gateway: HTTP for sending,
// a websocket for receiving.
type SignalChannel struct {
	baseURL    string
	wsURL      string
	number     string
	httpClient *http.Client
	logger     logging.Logger
	retry      pennyerrors.RetryConfig
	dedup      *lru.Cache[string, struct{}]

	sendMu sync.Mutex
}

var _ Channel = (*SignalChannel)(nil)

// NewSignalChannel creates a Signal transport. apiURL is the REST
// gateway base, e.g. "http://localhost:8080"; number is the account
// phone number.
func NewSignalChannel(apiURL, number string) *SignalChannel {
	base := strings.TrimRight(apiURL, "/")
	ws := strings.Replace(base, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	dedup, _ := lru.New[string, struct{}](signalDedupSize)
	return &SignalChannel{
		baseURL:    base,
		wsURL:      ws,
		number:     number,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logging.NewComponentLogger("signal"),
		retry:      pennyerrors.DefaultRetryConfig(),
		dedup:      dedup,
	}
}

type signalSendRequest struct {
	Number            string   `json:"number"`
	Recipients        []string `json:"recipients"`
	Message           string   `json:"message"`
	Base64Attachments []string `json:"base64_attachments,omitempty"`
	QuoteTimestamp    int64    `json:"quote_timestamp,omitempty"`
	QuoteAuthor       string   `json:"quote_author,omitempty"`
	QuoteMessage      string   `json:"quote_message,omitempty"`
}

type signalSendResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// SendMessage sends a message and returns the Signal timestamp as the
// external id. Sends are serialized; the gateway misbehaves under
// concurrent sends.
func (c *SignalChannel) SendMessage(ctx context.Context, recipient, text string, attachments []string, quote *Quote) (string, error) {
	if err := validateOutbound(text, attachments); err != nil {
		return "", err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	payload := signalSendRequest{
		Number:            c.number,
		Recipients:        []string{recipient},
		Message:           text,
		Base64Attachments: attachments,
	}
	if quote != nil {
		payload.QuoteTimestamp = quote.Timestamp
		payload.QuoteAuthor = quote.Author
		payload.QuoteMessage = quote.Text
	}

	var externalID string
	err := pennyerrors.Retry(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.postJSON(ctx, "/v2/send", payload)
		if err != nil {
			return err
		}
		externalID = strconv.FormatInt(resp.Timestamp, 10)
		return nil
	}, c.logger)
	if err != nil {
		return "", err
	}
	return externalID, nil
}

func (c *SignalChannel) postJSON(ctx context.Context, path string, payload signalSendRequest) (*signalSendResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sendErr := fmt.Errorf("signal send failed: %s", strings.TrimSpace(string(raw)))
		// The gateway surfaces dropped-socket hiccups as 400s. Those
		// succeed on retry, so classify them transient.
		if resp.StatusCode == http.StatusBadRequest && isSocketHiccup(string(raw)) {
			return nil, &pennyerrors.TransientError{Err: sendErr, StatusCode: resp.StatusCode}
		}
		return nil, pennyerrors.ClassifyHTTPStatus(resp.StatusCode, sendErr)
	}

	var parsed signalSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode signal response: %w", err)
	}
	return &parsed, nil
}

func isSocketHiccup(body string) bool {
	lower := strings.ToLower(body)
	for _, hint := range []string{"socket", "connection reset", "broken pipe", "closed"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func (c *SignalChannel) SendTyping(ctx context.Context, recipient string, on bool) {
	method := http.MethodPut
	if !on {
		method = http.MethodDelete
	}
	body, _ := json.Marshal(map[string]string{"recipient": recipient})
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v1/typing-indicator/"+c.number, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("typing indicator failed: %v", err)
		return
	}
	_ = resp.Body.Close()
}

func (c *SignalChannel) SendStatus(ctx context.Context, recipient, text string) error {
	_, err := c.SendMessage(ctx, recipient, text, nil, nil)
	return err
}

// Signal receive envelope, trimmed to the fields Penny uses.
type signalEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			Timestamp int64  `json:"timestamp"`
			Quote     *struct {
				Text string `json:"text"`
			} `json:"quote"`
			Attachments []struct {
				ID          string `json:"id"`
				ContentType string `json:"contentType"`
			} `json:"attachments"`
			Reaction *struct {
				Emoji               string `json:"emoji"`
				TargetSentTimestamp int64  `json:"targetSentTimestamp"`
				IsRemove            bool   `json:"isRemove"`
			} `json:"reaction"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Listen connects the receive websocket and delivers envelopes until
// ctx is cancelled. Lost connections reconnect after a short delay.
func (c *SignalChannel) Listen(ctx context.Context, handler func(Envelope)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.receiveLoop(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("receive socket dropped: %v, reconnecting in %v", err, signalReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(signalReconnectDelay):
		}
	}
}

func (c *SignalChannel) receiveLoop(ctx context.Context, handler func(Envelope)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"/v1/receive/"+c.number, nil)
	if err != nil {
		return fmt.Errorf("dial receive socket: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// Unblock ReadMessage when the context is cancelled.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	c.logger.Info("receive socket connected")
	for {
		if err := conn.SetReadDeadline(time.Now().Add(signalReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, ok := c.parseEnvelope(ctx, raw)
		if !ok {
			continue
		}
		if c.seenEnvelope(env) {
			c.logger.Debug("dropping redelivered envelope from %s (ts %d)", env.Sender, env.Timestamp)
			continue
		}
		handler(env)
	}
}

// seenEnvelope records the envelope and reports whether it was already
// delivered. The gateway redelivers unacknowledged envelopes after a
// websocket reconnect, which the 5s reconnect loop makes routine.
func (c *SignalChannel) seenEnvelope(env Envelope) bool {
	key := fmt.Sprintf("%s|%d|%s", env.Sender, env.Timestamp, env.Emoji)
	seen, _ := c.dedup.ContainsOrAdd(key, struct{}{})
	return seen
}

func (c *SignalChannel) parseEnvelope(ctx context.Context, raw []byte) (Envelope, bool) {
	var parsed signalEnvelope
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.logger.Debug("unparseable envelope: %v", err)
		return Envelope{}, false
	}
	data := parsed.Envelope.DataMessage
	if data == nil {
		return Envelope{}, false
	}

	env := Envelope{
		Sender:    parsed.Envelope.Source,
		Content:   data.Message,
		Timestamp: data.Timestamp,
	}
	if env.Timestamp == 0 {
		env.Timestamp = parsed.Envelope.Timestamp
	}
	if data.Quote != nil {
		env.QuotedText = data.Quote.Text
	}
	if data.Reaction != nil {
		if data.Reaction.IsRemove {
			return Envelope{}, false
		}
		env.IsReaction = true
		env.Emoji = data.Reaction.Emoji
		env.TargetExternalID = strconv.FormatInt(data.Reaction.TargetSentTimestamp, 10)
		return env, true
	}
	for _, att := range data.Attachments {
		if !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}
		image, err := c.fetchAttachment(ctx, att.ID)
		if err != nil {
			c.logger.Warn("attachment %s fetch failed: %v", att.ID, err)
			continue
		}
		env.Images = append(env.Images, image)
	}
	if env.Content == "" && len(env.Images) == 0 {
		return Envelope{}, false
	}
	return env, true
}

func (c *SignalChannel) fetchAttachment(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/attachments/"+id, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("attachment fetch returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
