package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/relaytask/internal/chatrouter"
)

// SignalChannel adapts signal-cli-rest-api, polling /v1/receive the way
// original_source/integrations/signal.py's SignalAdapter does (it notes the
// approach is "similar to telegram polling").
type SignalChannel struct {
	apiURL, phoneNumber string
	router              *chatrouter.Router
	logger              *slog.Logger
	httpClient          *http.Client
	pollInterval        time.Duration
}

// NewSignalChannel builds a SignalChannel.
func NewSignalChannel(apiURL, phoneNumber string, router *chatrouter.Router, logger *slog.Logger) *SignalChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalChannel{
		apiURL:       apiURL,
		phoneNumber:  phoneNumber,
		router:       router,
		logger:       logger,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
	}
}

func (s *SignalChannel) Name() string { return "signal" }

// Start polls /v1/receive on a fixed interval until ctx is done.
func (s *SignalChannel) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				s.logger.Warn("signal: poll failed", "error", err)
			}
		}
	}
}

type signalEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		DataMessage struct {
			Message string `json:"message"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

func (s *SignalChannel) poll(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v1/receive/%s", trimSlash(s.apiURL), s.phoneNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signal API request failed (check SIGNAL_API_URL): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("signal: /v1/receive returned %s", resp.Status)
	}

	var envelopes []signalEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return fmt.Errorf("decode envelopes: %w", err)
	}
	for _, e := range envelopes {
		text := e.Envelope.DataMessage.Message
		if text == "" || e.Envelope.Source == "" {
			continue
		}
		out := s.router.Route(ctx, chatrouter.ChatRequest{
			Channel:  s.Name(),
			SenderID: e.Envelope.Source,
			ChatID:   e.Envelope.Source,
			Text:     text,
		})
		if out.Text == "" {
			continue
		}
		if err := s.SendMessage(ctx, e.Envelope.Source, out.Text); err != nil {
			s.logger.Error("signal: reply failed", "error", err)
		}
	}
	return nil
}

// SendMessage implements Sender.
func (s *SignalChannel) SendMessage(ctx context.Context, target, text string) error {
	payload := map[string]any{
		"message":     text,
		"number":      s.phoneNumber,
		"recipients":  []string{target},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, trimSlash(s.apiURL)+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal: send returned %s", resp.Status)
	}
	return nil
}
