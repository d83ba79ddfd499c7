package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pennyerrors "penny/internal/errors"
	"penny/internal/logging"
)

const (
	discordAPI     = "https://discord.com/api/v10"
	discordGateway = "wss://gateway.discord.gg/?v=10&encoding=json"

	// DIRECT_MESSAGES, DIRECT_MESSAGE_REACTIONS, MESSAGE_CONTENT
	discordIntents = 1<<12 | 1<<13 | 1<<15
)

// DiscordChannel speaks the Discord bot API: REST for sending, the
// gateway websocket for receiving DMs and reactions.
type DiscordChannel struct {
	token      string
	httpClient *http.Client
	logger     logging.Logger
	retry      pennyerrors.RetryConfig

	sendMu sync.Mutex

	dmMu       sync.Mutex
	dmChannels map[string]string

	botID string
}

var _ Channel = (*DiscordChannel)(nil)

// NewDiscordChannel creates a Discord transport from a bot token.
func NewDiscordChannel(token string) *DiscordChannel {
	return &DiscordChannel{
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logging.NewComponentLogger("discord"),
		retry:      pennyerrors.DefaultRetryConfig(),
		dmChannels: make(map[string]string),
	}
}

func (c *DiscordChannel) request(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, discordAPI+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

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
		reqErr := fmt.Errorf("discord %s %s failed: %s", method, path, strings.TrimSpace(string(raw)))
		return nil, pennyerrors.ClassifyHTTPStatus(resp.StatusCode, reqErr)
	}
	return raw, nil
}

// dmChannel resolves (and caches) the DM channel id for a user.
func (c *DiscordChannel) dmChannel(ctx context.Context, userID string) (string, error) {
	c.dmMu.Lock()
	if id, ok := c.dmChannels[userID]; ok {
		c.dmMu.Unlock()
		return id, nil
	}
	c.dmMu.Unlock()

	body, _ := json.Marshal(map[string]string{"recipient_id": userID})
	raw, err := c.request(ctx, http.MethodPost, "/users/@me/channels", body, "application/json")
	if err != nil {
		return "", err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode DM channel: %w", err)
	}

	c.dmMu.Lock()
	c.dmChannels[userID] = parsed.ID
	c.dmMu.Unlock()
	return parsed.ID, nil
}

func (c *DiscordChannel) SendMessage(ctx context.Context, recipient, text string, attachments []string, quote *Quote) (string, error) {
	if err := validateOutbound(text, attachments); err != nil {
		return "", err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	channelID, err := c.dmChannel(ctx, recipient)
	if err != nil {
		return "", err
	}

	var externalID string
	err = pennyerrors.Retry(ctx, c.retry, func(ctx context.Context) error {
		var raw []byte
		var sendErr error
		if len(attachments) > 0 {
			raw, sendErr = c.sendWithAttachments(ctx, channelID, text, attachments)
		} else {
			body, _ := json.Marshal(map[string]string{"content": text})
			raw, sendErr = c.request(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, "application/json")
		}
		if sendErr != nil {
			return sendErr
		}
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("decode message response: %w", err)
		}
		externalID = parsed.ID
		return nil
	}, c.logger)
	if err != nil {
		return "", err
	}
	return externalID, nil
}

func (c *DiscordChannel) sendWithAttachments(ctx context.Context, channelID, text string, attachments []string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	payload, _ := json.Marshal(map[string]string{"content": text})
	if err := writer.WriteField("payload_json", string(payload)); err != nil {
		return nil, err
	}
	for i, att := range attachments {
		data, err := base64.StdEncoding.DecodeString(att)
		if err != nil {
			return nil, fmt.Errorf("attachment %d is not valid base64: %w", i, err)
		}
		part, err := writer.CreateFormFile(fmt.Sprintf("files[%d]", i), fmt.Sprintf("image_%d.png", i))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return c.request(ctx, http.MethodPost, "/channels/"+channelID+"/messages", buf.Bytes(), writer.FormDataContentType())
}

func (c *DiscordChannel) SendTyping(ctx context.Context, recipient string, on bool) {
	// Discord typing indicators auto-expire; there is no explicit off.
	if !on {
		return
	}
	channelID, err := c.dmChannel(ctx, recipient)
	if err != nil {
		c.logger.Debug("typing indicator failed: %v", err)
		return
	}
	if _, err := c.request(ctx, http.MethodPost, "/channels/"+channelID+"/typing", nil, ""); err != nil {
		c.logger.Debug("typing indicator failed: %v", err)
	}
}

func (c *DiscordChannel) SendStatus(ctx context.Context, recipient, text string) error {
	_, err := c.SendMessage(ctx, recipient, text, nil, nil)
	return err
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

// Listen connects the gateway, identifies, and delivers DM and
// reaction events until ctx is cancelled.
func (c *DiscordChannel) Listen(ctx context.Context, handler func(Envelope)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.gatewaySession(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("gateway session ended: %v, reconnecting in %v", err, signalReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(signalReconnectDelay):
		}
	}
}

func (c *DiscordChannel) gatewaySession(ctx context.Context, handler func(Envelope)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, discordGateway, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	// Hello frame carries the heartbeat interval.
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	identify := map[string]any{
		"op": 2,
		"d": map[string]any{
			"token":   c.token,
			"intents": discordIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "penny",
				"device":  "penny",
			},
		},
	}
	if err := writeJSON(identify); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	var lastSeq int64
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				if err := writeJSON(map[string]any{"op": 1, "d": lastSeq}); err != nil {
					return
				}
			}
		}
	}()

	c.logger.Info("gateway connected")
	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return err
		}
		if payload.S != nil {
			lastSeq = *payload.S
		}
		switch payload.Op {
		case 0:
			c.dispatch(ctx, payload, handler)
		case 7, 9:
			return fmt.Errorf("gateway requested reconnect (op %d)", payload.Op)
		}
	}
}

func (c *DiscordChannel) dispatch(ctx context.Context, payload gatewayPayload, handler func(Envelope)) {
	switch payload.T {
	case "READY":
		var ready struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
		}
		if err := json.Unmarshal(payload.D, &ready); err == nil {
			c.botID = ready.User.ID
		}
	case "MESSAGE_CREATE":
		var msg struct {
			Author struct {
				ID  string `json:"id"`
				Bot bool   `json:"bot"`
			} `json:"author"`
			Content     string `json:"content"`
			Timestamp   string `json:"timestamp"`
			GuildID     string `json:"guild_id"`
			Attachments []struct {
				URL         string `json:"url"`
				ContentType string `json:"content_type"`
			} `json:"attachments"`
			ReferencedMessage *struct {
				Content string `json:"content"`
			} `json:"referenced_message"`
		}
		if err := json.Unmarshal(payload.D, &msg); err != nil {
			c.logger.Debug("unparseable MESSAGE_CREATE: %v", err)
			return
		}
		// DMs only; ignore our own messages and other bots.
		if msg.GuildID != "" || msg.Author.Bot || msg.Author.ID == c.botID {
			return
		}
		env := Envelope{Sender: msg.Author.ID, Content: msg.Content}
		if ts, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
			env.Timestamp = ts.UnixMilli()
		}
		if msg.ReferencedMessage != nil {
			env.QuotedText = msg.ReferencedMessage.Content
		}
		for _, att := range msg.Attachments {
			if !strings.HasPrefix(att.ContentType, "image/") {
				continue
			}
			image, err := c.fetchAttachment(ctx, att.URL)
			if err != nil {
				c.logger.Warn("attachment fetch failed: %v", err)
				continue
			}
			env.Images = append(env.Images, image)
		}
		if env.Content == "" && len(env.Images) == 0 {
			return
		}
		handler(env)
	case "MESSAGE_REACTION_ADD":
		var reaction struct {
			UserID    string `json:"user_id"`
			MessageID string `json:"message_id"`
			GuildID   string `json:"guild_id"`
			Emoji     struct {
				Name string `json:"name"`
			} `json:"emoji"`
		}
		if err := json.Unmarshal(payload.D, &reaction); err != nil {
			c.logger.Debug("unparseable MESSAGE_REACTION_ADD: %v", err)
			return
		}
		if reaction.GuildID != "" || reaction.UserID == c.botID {
			return
		}
		handler(Envelope{
			Sender:           reaction.UserID,
			IsReaction:       true,
			Emoji:            reaction.Emoji.Name,
			TargetExternalID: reaction.MessageID,
			Timestamp:        time.Now().UnixMilli(),
		})
	}
}

func (c *DiscordChannel) fetchAttachment(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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
