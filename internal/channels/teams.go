package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/basket/relaytask/internal/chatrouter"
)

const botFrameworkScope = "https://api.botframework.com/.default"

// TeamsChannel adapts Microsoft Teams: inbound activities arrive at an HTTP
// webhook (see ServeHTTP, mounted by internal/gateway), outbound replies go
// through a Bot Framework client-credentials token exchange, grounded on
// original_source/integrations/teams.py's TeamsAdapter.
type TeamsChannel struct {
	appID, appPassword, tenantID string
	router                       *chatrouter.Router
	logger                       *slog.Logger
	httpClient                   *http.Client

	mu          sync.Mutex
	serviceURLs map[string]string // conversation id -> last-seen service_url
}

// NewTeamsChannel builds a TeamsChannel.
func NewTeamsChannel(appID, appPassword, tenantID string, router *chatrouter.Router, logger *slog.Logger) *TeamsChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TeamsChannel{
		appID:       appID,
		appPassword: appPassword,
		tenantID:    tenantID,
		router:      router,
		logger:      logger,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		serviceURLs: make(map[string]string),
	}
}

func (t *TeamsChannel) Name() string { return "teams" }

// Start is a no-op: Teams delivers messages via the webhook ServeHTTP
// handles, matching the Python adapter's start()/stop() stubs.
func (t *TeamsChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// teamsActivity is the subset of a Bot Framework Activity this adapter
// needs: https://learn.microsoft.com/en-us/azure/bot-service/rest-api/bot-framework-rest-connector-api-reference
type teamsActivity struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	ServiceURL     string `json:"serviceUrl"`
	Conversation   struct {
		ID string `json:"id"`
	} `json:"conversation"`
	From struct {
		ID string `json:"id"`
	} `json:"from"`
}

// ServeHTTP handles an inbound Bot Framework activity POST.
func (t *TeamsChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var act teamsActivity
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		http.Error(w, "invalid activity payload", http.StatusBadRequest)
		return
	}
	if act.Type != "message" || act.Text == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	t.mu.Lock()
	t.serviceURLs[act.Conversation.ID] = act.ServiceURL
	t.mu.Unlock()

	resp := t.router.Route(r.Context(), chatrouter.ChatRequest{
		Channel:    t.Name(),
		SenderID:   act.From.ID,
		ChatID:     act.Conversation.ID,
		Text:       act.Text,
		ServiceURL: act.ServiceURL,
	})
	w.WriteHeader(http.StatusOK)
	if resp.Text == "" {
		return
	}
	if err := t.send(r.Context(), act.ServiceURL, act.Conversation.ID, resp.Text); err != nil {
		t.logger.Error("teams: reply failed", "error", err)
	}
}

// SendMessage implements Sender. target is the conversation id; the
// service_url a Bot Framework reply requires is recovered from the last
// inbound activity seen for that conversation (Teams task creation and
// notification both flow through a conversation this channel has already
// heard from at least once).
func (t *TeamsChannel) SendMessage(ctx context.Context, target, text string) error {
	t.mu.Lock()
	serviceURL := t.serviceURLs[target]
	t.mu.Unlock()
	return t.send(ctx, serviceURL, target, text)
}

func (t *TeamsChannel) send(ctx context.Context, serviceURL, conversationID, text string) error {
	if serviceURL == "" {
		return fmt.Errorf("teams: missing service_url for conversation %s", conversationID)
	}
	token, err := t.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("teams: token exchange failed: %w", err)
	}

	body, err := json.Marshal(map[string]string{"type": "message", "text": text})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities", trimSlash(serviceURL), conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("teams: send activity returned %s", resp.Status)
	}
	return nil
}

func (t *TeamsChannel) accessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.appID},
		"client_secret": {t.appPassword},
		"scope":         {botFrameworkScope},
	}
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", t.tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
