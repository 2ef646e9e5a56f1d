package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/config"
)

const redactedToken = "<redacted>"

// Telegram adapts the Bot API to Source, Sender and the attachment resolver.
// The Bot API client takes no context, so ctx is only checked before each call.
type Telegram struct {
	bot           *tgbotapi.BotAPI
	token         string
	fileEndpoint  string
	updateTimeout int
	logger        zerolog.Logger
}

// redactedError hides the bot token that the Bot API embeds in request URLs
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// botLogger routes the Bot API library's own logging into zerolog
type botLogger struct {
	logger zerolog.Logger
	token  string
}

func (l botLogger) Println(v ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(strings.ReplaceAll(fmt.Sprintln(v...), l.token, redactedToken)))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(strings.ReplaceAll(fmt.Sprintf(format, v...), l.token, redactedToken)))
}

// NewTelegram authenticates against the Bot API and returns a connected adapter
func NewTelegram(cfg *config.Config, logger zerolog.Logger) (*Telegram, error) {
	logger = logger.With().Str("component", "telegram").Logger()

	endpoint := cfg.TelegramAPIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	fileEndpoint := cfg.TelegramFileEndpoint
	if fileEndpoint == "" {
		fileEndpoint = tgbotapi.FileEndpoint
	}

	// Long polling holds the request open for the update timeout
	client := &http.Client{Timeout: time.Duration(cfg.TelegramUpdateTimeout+15) * time.Second}

	_ = tgbotapi.SetLogger(botLogger{logger: logger, token: cfg.TelegramBotToken})

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.TelegramBotToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", redact(err, cfg.TelegramBotToken))
	}

	logger.Info().Str("bot", bot.Self.UserName).Msg("Connected to Telegram Bot API")

	return &Telegram{
		bot:           bot,
		token:         cfg.TelegramBotToken,
		fileEndpoint:  fileEndpoint,
		updateTimeout: cfg.TelegramUpdateTimeout,
		logger:        logger,
	}, nil
}

// BotName returns the authenticated bot's username
func (t *Telegram) BotName() string {
	return t.bot.Self.UserName
}

// Updates long-polls the Bot API and emits voice and text events until ctx is done
func (t *Telegram) Updates(ctx context.Context) <-chan Event {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.updateTimeout
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	events := make(chan Event)

	go func() {
		defer close(events)
		defer t.bot.StopReceivingUpdates()

		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				ev, ok := toEvent(upd)
				if !ok {
					t.logger.Debug().Int("update_id", upd.UpdateID).Msg("Ignoring unsupported update")
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

// Send posts text to chatID, as a reply to replyTo when it is non-zero
func (t *Telegram) Send(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo

	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", redact(err, t.token))
	}
	return sent.MessageID, nil
}

// Delete removes a message the bot posted earlier
func (t *Telegram) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", messageID, redact(err, t.token))
	}
	return nil
}

// FileURL resolves an attachment id to a download URL
func (t *Telegram) FileURL(ctx context.Context, attachmentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: attachmentID})
	if err != nil {
		return "", fmt.Errorf("failed to resolve file: %w", redact(err, t.token))
	}
	if file.FilePath == "" {
		return "", errors.New("failed to resolve file: response has no file_path")
	}
	return fmt.Sprintf(t.fileEndpoint, t.token, file.FilePath), nil
}

// HealthCheck verifies the token is still accepted
func (t *Telegram) HealthCheck(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := t.bot.GetMe(); err != nil {
		return false, fmt.Errorf("health check failed: %w", redact(err, t.token))
	}
	return true, nil
}

// toEvent maps a Bot API update to an Event; false means the update is ignored
func toEvent(upd tgbotapi.Update) (Event, bool) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return Event{}, false
	}

	ev := Event{
		ChatID:     msg.Chat.ID,
		MessageID:  msg.MessageID,
		ReceivedAt: msg.Time(),
	}

	switch {
	case msg.Voice != nil:
		ev.Kind = EventVoice
		ev.AttachmentID = msg.Voice.FileID
		ev.Duration = msg.Voice.Duration
		ev.MimeType = msg.Voice.MimeType
		ev.FileSize = msg.Voice.FileSize
	case msg.Audio != nil:
		ev.Kind = EventVoice
		ev.AttachmentID = msg.Audio.FileID
		ev.Duration = msg.Audio.Duration
		ev.MimeType = msg.Audio.MimeType
		ev.FileSize = msg.Audio.FileSize
	case msg.Text != "":
		ev.Kind = EventText
		ev.Text = msg.Text
	default:
		return Event{}, false
	}

	return ev, true
}

func redact(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, redactedToken), err: err}
}
