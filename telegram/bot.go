// Package telegram adapts the Telegram Bot API to the dispatcher: it receives
// updates by long polling and implements the text and document send primitives.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/onnwee/stream-relay/dispatch"
)

const (
	maxTextBytes    = 4096
	maxCaptionBytes = 1024
	pollTimeout     = 30
	maxRetryAfter   = 60 * time.Second
)

// Bot wraps a tgbotapi client.
type Bot struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// New authenticates with the Bot API (getMe). An empty endpoint uses the public API;
// uploads over 50 MB need a local Bot API server endpoint.
func New(token, endpoint string, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	_ = tgbotapi.SetLogger(botLogger{logger: logger.With(slog.String("component", "tgbotapi"))})
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", stripURL("getMe", err))
	}
	logger.Info("telegram bot authorized", slog.String("username", api.Self.UserName), slog.Int64("bot_id", api.Self.ID))
	return &Bot{api: api, logger: logger}, nil
}

// Username returns the bot's @username without the @.
func (b *Bot) Username() string { return b.api.Self.UserName }

// SendText posts a plain-text message, truncated to the API limit.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, truncate(text, maxTextBytes))
	return b.send(ctx, "sendMessage", msg)
}

// SendDocument uploads the file at path as a document.
func (b *Bot) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("document %s: %w", filepath.Base(path), err)
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = truncate(caption, maxCaptionBytes)
	return b.send(ctx, "sendDocument", doc)
}

// send performs c, waiting out one flood-control response if the API asks for it.
func (b *Bot) send(ctx context.Context, method string, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.api.Send(c)
	wait, ok := retryAfter(err)
	if !ok {
		return stripURL(method, err)
	}
	b.logger.Warn("telegram flood control", slog.Duration("retry_after", wait))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	_, err = b.api.Send(c)
	return stripURL(method, err)
}

// stripURL drops the request URL from transport errors. The Bot API URL path
// carries the bot token.
func stripURL(method string, err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	return fmt.Errorf("telegram %s: %w", method, uerr.Err)
}

func retryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return 0, false
	}
	d := time.Duration(apiErr.RetryAfter) * time.Second
	if d > maxRetryAfter {
		return 0, false
	}
	return d, true
}

// Run long-polls for updates and hands each message to handle until ctx ends.
// handle must not block; the dispatcher runs each message on its own goroutine.
func (b *Bot) Run(ctx context.Context, handle func(context.Context, dispatch.Message)) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	cfg.AllowedUpdates = []string{"message"}
	updates := b.api.GetUpdatesChan(cfg)
	b.logger.Info("telegram polling started")
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram polling stopped")
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			msg, ok := ToMessage(u.Message)
			if !ok {
				continue
			}
			b.logger.Debug("message received", slog.Int64("chat_id", msg.ChatID), slog.Int("message_id", msg.MessageID), slog.Int64("sender_id", msg.SenderID))
			handle(ctx, msg)
		}
	}
}

// ToMessage converts a tgbotapi message. Messages without text or a sender are skipped.
func ToMessage(m *tgbotapi.Message) (dispatch.Message, bool) {
	if m == nil || m.Chat == nil || m.From == nil || m.Text == "" {
		return dispatch.Message{}, false
	}
	out := dispatch.Message{
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		SenderID:  m.From.ID,
		Text:      m.Text,
		Private:   m.Chat.IsPrivate(),
	}
	if m.ReplyToMessage != nil {
		out.ReplyToMessageID = m.ReplyToMessage.MessageID
	}
	return out, true
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit-3]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}

// botLogger routes the client library's log lines into slog.
type botLogger struct {
	logger *slog.Logger
}

func (l botLogger) Println(v ...interface{}) {
	l.logger.Warn(fmt.Sprint(v...))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}
