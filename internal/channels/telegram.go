package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/relaytask/internal/chatrouter"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel implements Channel for Telegram, long-polling for updates
// the way original_source/integrations/telegram.py does. It also accepts
// webhook delivery via ServeHTTP for deployments that prefer a push model
// (spec.md §6's POST /telegram/webhook) over long-polling.
type TelegramChannel struct {
	token         string
	webhookSecret string
	router        *chatrouter.Router
	logger        *slog.Logger
	bot           *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, router *chatrouter.Router, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{token: token, router: router, logger: logger}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// SetWebhookSecret configures the value ServeHTTP requires in the
// X-Telegram-Bot-Api-Secret-Token header. Empty disables the check.
func (t *TelegramChannel) SetWebhookSecret(secret string) {
	t.webhookSecret = secret
}

// ServeHTTP handles a webhook-delivered update, as an alternative to
// long-polling via Start. If the bot API client hasn't been initialized yet
// (Start not running), it's built lazily so webhook-only deployments work.
func (t *TelegramChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.webhookSecret != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != t.webhookSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			http.Error(w, "telegram init failed", http.StatusInternalServerError)
			return
		}
		t.bot = bot
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid update payload", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	if update.Message != nil {
		t.handleMessage(r.Context(), update.Message)
	}
}

// Start begins long-polling Telegram for updates. Blocks until ctx is done,
// reconnecting with exponential backoff on a disconnect.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection), since tgbotapi blocks on a dead connection rather than
// closing the channel.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %s, assuming connection stalled", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	senderID := fmt.Sprintf("%d", msg.From.ID)
	chatID := fmt.Sprintf("%d", msg.Chat.ID)

	resp := t.router.Route(ctx, chatrouter.ChatRequest{
		Channel:  t.Name(),
		SenderID: senderID,
		ChatID:   chatID,
		Text:     text,
	})
	if resp.Text == "" {
		return
	}
	t.reply(msg.Chat.ID, resp.Text)
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	m := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(m); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// SendMessage implements Sender, used by the multi-channel notifier for
// watchdog escalations and on-complete-hook deliveries. target is the chat
// id as a decimal string.
func (t *TelegramChannel) SendMessage(ctx context.Context, target, text string) error {
	var chatID int64
	if _, err := fmt.Sscanf(target, "%d", &chatID); err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", target, err)
	}
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	m := tgbotapi.NewMessage(chatID, text)
	_, err := t.bot.Send(m)
	return err
}
