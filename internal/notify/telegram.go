package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxMessageLen is the Telegram limit for one text message.
const maxMessageLen = 4096

// Telegram delivers notifications through a bot. The subject id is the chat id.
type Telegram struct {
	bot            *tgbotapi.BotAPI
	logger         *slog.Logger
	maxRetries     int
	retryDelayBase time.Duration
}

// NewTelegram creates a bot client. Creating the bot performs one getMe call.
func NewTelegram(logger *slog.Logger, botToken string, maxRetries int, retryDelayBase time.Duration) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newTelegram(logger, bot, maxRetries, retryDelayBase), nil
}

func newTelegram(logger *slog.Logger, bot *tgbotapi.BotAPI, maxRetries int, retryDelayBase time.Duration) *Telegram {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Telegram{
		bot:            bot,
		logger:         logger,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// Notify sends text as plain text, retrying with a linear backoff until ctx is done.
func (t *Telegram) Notify(ctx context.Context, subjectID, text string) error {
	chatID, err := strconv.ParseInt(subjectID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", subjectID, err)
	}
	msg := tgbotapi.NewMessage(chatID, truncate(text, maxMessageLen))
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		_, err = t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		t.logger.Warn("Telegram: send failed", "subject", subjectID, "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed to send message after %d retries: %w", t.maxRetries, lastErr)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
