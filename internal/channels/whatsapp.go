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

const (
	whatsappAPIBase      = "https://graph.facebook.com/v21.0"
	whatsappMaxTextLen   = 4096
	whatsappChunkMargin  = 200
)

// WhatsAppChannel adapts Meta's WhatsApp Business Cloud API, grounded on
// original_source/integrations/whatsapp.py's WhatsAppAdapter: webhook
// inbound, REST outbound.
type WhatsAppChannel struct {
	phoneNumberID, accessToken, verifyToken string
	router                                  *chatrouter.Router
	logger                                  *slog.Logger
	httpClient                              *http.Client
}

// NewWhatsAppChannel builds a WhatsAppChannel.
func NewWhatsAppChannel(phoneNumberID, accessToken, verifyToken string, router *chatrouter.Router, logger *slog.Logger) *WhatsAppChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppChannel{
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		verifyToken:   verifyToken,
		router:        router,
		logger:        logger,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WhatsAppChannel) Name() string { return "whatsapp" }

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// ServeHTTP handles both Meta's GET webhook-verification handshake and POST
// message deliveries.
func (w *WhatsAppChannel) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.verifyWebhook(rw, r)
		return
	}

	var body struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					MessagingProduct string `json:"messaging_product"`
					Messages         []struct {
						From string `json:"from"`
						ID   string `json:"id"`
						Type string `json:"type"`
						Text struct {
							Body string `json:"body"`
						} `json:"text"`
					} `json:"messages"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(rw, "invalid webhook payload", http.StatusBadRequest)
		return
	}
	rw.WriteHeader(http.StatusOK)

	for _, entry := range body.Entry {
		for _, change := range entry.Changes {
			if change.Value.MessagingProduct != "whatsapp" {
				continue
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text.Body == "" {
					continue
				}
				resp := w.router.Route(r.Context(), chatrouter.ChatRequest{
					Channel:  w.Name(),
					SenderID: msg.From,
					ChatID:   msg.From,
					Text:     msg.Text.Body,
				})
				if resp.Text == "" {
					continue
				}
				if err := w.SendMessage(r.Context(), msg.From, resp.Text); err != nil {
					w.logger.Error("whatsapp: reply failed", "error", err)
				}
			}
		}
	}
}

func (w *WhatsAppChannel) verifyWebhook(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == w.verifyToken {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(q.Get("hub.challenge")))
		return
	}
	w.logger.Warn("whatsapp: webhook verification failed")
	http.Error(rw, "verification failed", http.StatusForbidden)
}

// SendMessage implements Sender, chunking text over whatsappMaxTextLen the
// same way the Python adapter's _split_text does.
func (w *WhatsAppChannel) SendMessage(ctx context.Context, target, text string) error {
	if text == "" {
		text = "(empty response)"
	}
	maxLen := whatsappMaxTextLen - whatsappChunkMargin
	for start := 0; start < len(text); start += maxLen {
		end := start + maxLen
		if end > len(text) {
			end = len(text)
		}
		if err := w.sendChunk(ctx, target, text[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (w *WhatsAppChannel) sendChunk(ctx context.Context, to, text string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/%s/messages", whatsappAPIBase, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.accessToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("whatsapp: send message returned %s", resp.Status)
	}
	return nil
}
