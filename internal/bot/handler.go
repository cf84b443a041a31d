package bot

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"linkfeed/internal/config"
	"linkfeed/internal/ingest"
)

// Ingestor captures the links of a message.
type Ingestor interface {
	Handle(ctx context.Context, msg ingest.Message) (int, error)
}

// FeedIssuer hands out feed addresses for chats.
type FeedIssuer interface {
	IssueFeedURL(ctx context.Context, chatID int64) (string, error)
	RotateFeedURL(ctx context.Context, chatID int64) (string, error)
}

// maxInFlight bounds nothing in practice; Drain acquires all of it to wait for idle.
const maxInFlight = 1 << 20

// Handler holds dependencies for the Telegram bot handlers.
type Handler struct {
	bot      *tgbot.Bot
	ingestor Ingestor
	feeds    FeedIssuer
	inflight *semaphore.Weighted
	log      logrus.FieldLogger
}

// NewHandler creates a new bot handler instance.
func NewHandler(cfg config.Config, ingestor Ingestor, feeds FeedIssuer, logger logrus.FieldLogger) (*Handler, error) {
	log := logger.WithField("component", "bot_handler")

	h := &Handler{
		ingestor: ingestor,
		feeds:    feeds,
		inflight: semaphore.NewWeighted(maxInFlight),
		log:      log,
	}

	// Every update that is not a command lands in defaultHandler, including
	// edited messages, channel posts and media with captions.
	b, err := tgbot.New(cfg.TelegramBotToken,
		tgbot.WithDefaultHandler(h.defaultHandler),
		tgbot.WithMiddlewares(h.track),
	)
	if err != nil {
		log.WithError(err).Error("Failed to create Telegram bot instance")
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	h.bot = b

	h.registerHandlers()

	log.Info("Telegram bot handler initialized")
	return h, nil
}

// registerHandlers sets up the command handlers.
func (h *Handler) registerHandlers() {
	h.registerCommand("start", h.startHandler)
	h.registerCommand("rssfeed", h.feedHandler)
	h.registerCommand("rotatefeed", h.rotateHandler)
	h.log.Info("Registered /start, /rssfeed and /rotatefeed command handlers")
}

// registerCommand routes exact /name and /name@bot messages to handler.
// Links posted alongside the command are still captured.
func (h *Handler) registerCommand(name string, handler tgbot.HandlerFunc) {
	h.bot.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return isCommand(update, name)
	}, func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
		h.ingest(ctx, update)
		handler(ctx, b, update)
	})
}

// Start begins polling for updates from Telegram.
// This function blocks until the context is cancelled.
func (h *Handler) Start(ctx context.Context) {
	h.log.Info("Starting Telegram bot polling...")
	h.bot.Start(ctx)
	h.log.Info("Telegram bot polling stopped.")
}

// Drain waits for running handlers to finish. Handlers that start afterwards
// block, so nothing touches the store once Drain has returned nil.
func (h *Handler) Drain(ctx context.Context) error {
	return h.inflight.Acquire(ctx, maxInFlight)
}

// track counts each update as in flight until its handler returns. Polling
// stops when the Start context is cancelled, but accepted updates are
// finished on a context that outlives it.
func (h *Handler) track(next tgbot.HandlerFunc) tgbot.HandlerFunc {
	return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
		ctx = context.WithoutCancel(ctx)
		if err := h.inflight.Acquire(ctx, 1); err != nil {
			return
		}
		defer h.inflight.Release(1)
		next(ctx, b, update)
	}
}

func (h *Handler) startHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	h.reply(ctx, b, update.Message, welcomeText)
}

func (h *Handler) feedHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	log := h.log.WithFields(logrus.Fields{"chat_id": chatID, "command": "/rssfeed"})

	feedURL, err := h.feeds.IssueFeedURL(ctx, chatID)
	if err != nil {
		log.WithError(err).Error("Failed to issue feed URL")
		h.reply(ctx, b, update.Message, failureText)
		return
	}
	log.Info("Feed URL issued")
	h.reply(ctx, b, update.Message, feedText(feedURL))
}

func (h *Handler) rotateHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	log := h.log.WithFields(logrus.Fields{"chat_id": chatID, "command": "/rotatefeed"})

	feedURL, err := h.feeds.RotateFeedURL(ctx, chatID)
	if err != nil {
		log.WithError(err).Error("Failed to rotate feed URL")
		h.reply(ctx, b, update.Message, failureText)
		return
	}
	log.Info("Feed URL rotated")
	h.reply(ctx, b, update.Message, rotatedText(feedURL))
}

// defaultHandler feeds every non-command message into the ingestion pipeline.
func (h *Handler) defaultHandler(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	h.ingest(ctx, update)
}

// ingest captures the links of update. Failures are logged and never answered in the chat.
func (h *Handler) ingest(ctx context.Context, update *models.Update) {
	msg := updateMessage(update)
	if msg == nil {
		return
	}
	in := toIngestMessage(msg)
	if in.Body() == "" && len(in.ExtraURLs) == 0 {
		return
	}

	n, err := h.ingestor.Handle(ctx, in)
	log := h.log.WithFields(logrus.Fields{
		"chat_id":    in.ChatID,
		"message_id": in.MessageID,
	})
	if err != nil {
		log.WithError(err).Error("Failed to capture links")
		return
	}
	if n > 0 {
		log.WithField("captured", n).Debug("Links captured")
	}
}

func (h *Handler) reply(ctx context.Context, b *tgbot.Bot, msg *models.Message, text string) {
	disabled := true
	_, err := b.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:             msg.Chat.ID,
		Text:               text,
		ReplyParameters:    &models.ReplyParameters{MessageID: msg.ID},
		LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: &disabled},
	})
	if err != nil {
		h.log.WithError(err).WithField("chat_id", msg.Chat.ID).Error("Failed to send reply")
	}
}
