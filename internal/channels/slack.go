package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/relaytask/internal/chatrouter"
)

const (
	slackAPIBase     = "https://slack.com/api"
	slackMaxTextLen  = 4000
	slackChunkMargin = 200
)

// SlackChannel adapts Slack's Events API (inbound webhook) and Web API
// (outbound chat.postMessage), grounded on
// original_source/integrations/slack.py's SlackAdapter, including its
// request-signature verification scheme.
type SlackChannel struct {
	botToken, signingSecret string
	router                  *chatrouter.Router
	logger                  *slog.Logger
	httpClient              *http.Client
}

// NewSlackChannel builds a SlackChannel.
func NewSlackChannel(botToken, signingSecret string, router *chatrouter.Router, logger *slog.Logger) *SlackChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackChannel{
		botToken:      botToken,
		signingSecret: signingSecret,
		router:        router,
		logger:        logger,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// ServeHTTP handles the Events API: URL verification challenges and
// message events, after verifying the request signature.
func (s *SlackChannel) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "read failed", http.StatusBadRequest)
		return
	}
	if !s.verifySignature(body, r.Header.Get("X-Slack-Request-Timestamp"), r.Header.Get("X-Slack-Signature")) {
		http.Error(rw, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload struct {
		Type  string `json:"type"`
		Challenge string `json:"challenge"`
		Event struct {
			Type    string `json:"type"`
			User    string `json:"user"`
			Text    string `json:"text"`
			Channel string `json:"channel"`
			BotID   string `json:"bot_id"`
			Subtype string `json:"subtype"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "invalid event payload", http.StatusBadRequest)
		return
	}

	if payload.Type == "url_verification" {
		rw.Header().Set("Content-Type", "text/plain")
		_, _ = rw.Write([]byte(payload.Challenge))
		return
	}
	rw.WriteHeader(http.StatusOK)

	if payload.Event.Type != "message" || payload.Event.BotID != "" || payload.Event.Subtype != "" || payload.Event.Text == "" {
		return
	}
	resp := s.router.Route(r.Context(), chatrouter.ChatRequest{
		Channel:  s.Name(),
		SenderID: payload.Event.User,
		ChatID:   payload.Event.Channel,
		Text:     payload.Event.Text,
	})
	if resp.Text == "" {
		return
	}
	if err := s.SendMessage(r.Context(), payload.Event.Channel, resp.Text); err != nil {
		s.logger.Error("slack: reply failed", "error", err)
	}
}

// verifySignature validates Slack's v0 request signature, rejecting
// requests older than 5 minutes as replay protection. An unconfigured
// signing secret is treated as "skip verification", matching the Python
// adapter's development-mode fallback.
func (s *SlackChannel) verifySignature(body []byte, timestamp, signature string) bool {
	if s.signingSecret == "" {
		s.logger.Warn("slack: signing secret not configured, skipping verification")
		return true
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := time.Since(time.Unix(ts, 0)); d > 5*time.Minute || d < -5*time.Minute {
		s.logger.Warn("slack: request timestamp too old")
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.signingSecret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	computed := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(signature))
}

// SendMessage implements Sender, chunking over slackMaxTextLen like the
// Python adapter's _split_text.
func (s *SlackChannel) SendMessage(ctx context.Context, target, text string) error {
	if text == "" {
		text = "(empty response)"
	}
	maxLen := slackMaxTextLen - slackChunkMargin
	for start := 0; start < len(text); start += maxLen {
		end := start + maxLen
		if end > len(text) {
			end = len(text)
		}
		if err := s.postMessage(ctx, target, text[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SlackChannel) postMessage(ctx context.Context, channel, text string) error {
	body, err := json.Marshal(map[string]string{"channel": channel, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackAPIBase+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: chat.postMessage returned %s", resp.Status)
	}
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("slack: chat.postMessage error: %s", out.Error)
	}
	return nil
}
