// Package telegram hosts the Telegram client, routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"ainexus_bot/internal/config"
	"ainexus_bot/internal/domain"
	"ainexus_bot/internal/logging"
	"ainexus_bot/internal/relay"
)

const statsTimeout = 5 * time.Second

type botRunner interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Relay is the message orchestrator the client dispatches to.
type Relay interface {
	HandleText(ctx context.Context, in domain.Inbound) domain.Reply
	HandleChallengeAction(ctx context.Context, userID, chatID int64) domain.Reply
	Limits() relay.Limits
}

// Stats reports user counts for the owner /stats command.
type Stats interface {
	CountUsers(ctx context.Context) (int64, error)
	CountVerified(ctx context.Context) (int64, error)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"callback_query",
	}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		return bot.New(token, options...)
	}
)

// Option configures optional client collaborators.
type Option func(*Client)

// WithRelay routes text messages and challenge button presses to r.
func WithRelay(r Relay) Option {
	return func(c *Client) { c.relay = r }
}

// WithStats enables /stats for the configured owner.
func WithStats(s Stats) Option {
	return func(c *Client) { c.stats = s }
}

// Client wraps the Telegram bot instance and logging dependencies.
type Client struct {
	bot     botRunner
	logger  *logrus.Entry
	relay   Relay
	stats   Stats
	ownerID int64

	inflight handlerTracker
}

// handlerTracker counts running update handlers so Start can wait for them
// after polling stops. Once closed it admits no new handlers.
type handlerTracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (h *handlerTracker) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *handlerTracker) leave() {
	h.wg.Done()
}

func (h *handlerTracker) closeAndWait() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.wg.Wait()
}

// NewClient initializes the Telegram bot with long polling and the update handler.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{
		logger:  logger,
		ownerID: cfg.BotOwnerID,
	}
	for _, opt := range opts {
		opt(c)
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.handleUpdate),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.bot = tgBot

	return c, nil
}

// Start begins receiving updates via long polling until the context is
// canceled, then waits for handlers already running to finish.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)
	c.inflight.closeAndWait()

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

type updateMeta struct {
	userID     int64
	chatID     int64
	text       string
	updateType string
}

func (c *Client) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	meta := extractUpdateMeta(update)
	log := logging.Enrich(c.logger, logging.Context{UserID: meta.userID, ChatID: meta.chatID})

	if !c.inflight.enter() {
		log.WithField("event", "telegram_update_dropped").Warn("update received after shutdown")
		return
	}
	defer c.inflight.leave()

	log.WithFields(logging.Fields{
		"event":       "telegram_update",
		"update_type": meta.updateType,
	}).Debug("telegram update received")

	switch {
	case update.Message != nil:
		c.handleMessage(ctx, meta)
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, update.CallbackQuery, meta)
	}
}

func (c *Client) handleMessage(ctx context.Context, meta updateMeta) {
	if meta.userID == 0 || meta.chatID == 0 || meta.text == "" {
		return
	}

	if name, ok := commandName(meta.text); ok {
		c.send(ctx, domain.Reply{ChatID: meta.chatID, Kind: domain.ReplyNotice, Text: c.commandText(ctx, name, meta.userID)})
		return
	}

	if c.relay == nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_no_relay",
			"user_id": meta.userID,
		}).Warn("dropping message, no relay configured")
		return
	}

	reply := c.relay.HandleText(ctx, domain.Inbound{
		UserID: meta.userID,
		ChatID: meta.chatID,
		Text:   meta.text,
	})
	c.send(ctx, reply)
}

func (c *Client) handleCallback(ctx context.Context, query *models.CallbackQuery, meta updateMeta) {
	if _, err := c.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: query.ID}); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_callback_answer_failed",
			"user_id": meta.userID,
		}).WithError(err).Warn("failed to answer callback query")
	}

	if meta.text != relay.VerifyActionData || c.relay == nil || meta.chatID == 0 {
		return
	}

	c.send(ctx, c.relay.HandleChallengeAction(ctx, meta.userID, meta.chatID))
}

func (c *Client) commandText(ctx context.Context, name string, userID int64) string {
	switch name {
	case "start":
		return relay.StartText()
	case "tariffs":
		var limits relay.Limits
		if c.relay != nil {
			limits = c.relay.Limits()
		}
		return relay.TariffsText(limits)
	case "privacy":
		return relay.PrivacyText()
	case "support":
		return relay.SupportText()
	case "stats":
		if c.ownerID != 0 && userID == c.ownerID && c.stats != nil {
			return c.statsText(ctx)
		}
	}
	return relay.HelpText()
}

func (c *Client) statsText(ctx context.Context) string {
	statsCtx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	users, err := c.stats.CountUsers(statsCtx)
	if err != nil {
		c.logger.WithField("event", "stats_failed").WithError(err).Warn("count users failed")
		return "Stats are unavailable right now."
	}
	verified, err := c.stats.CountVerified(statsCtx)
	if err != nil {
		c.logger.WithField("event", "stats_failed").WithError(err).Warn("count verified users failed")
		return "Stats are unavailable right now."
	}

	return fmt.Sprintf("Users: %d\nVerified: %d", users, verified)
}

func (c *Client) send(ctx context.Context, reply domain.Reply) {
	params := &bot.SendMessageParams{
		ChatID: reply.ChatID,
		Text:   reply.Text,
	}
	if reply.Action != nil {
		params.ReplyMarkup = &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: reply.Action.Label, CallbackData: reply.Action.Data}},
			},
		}
	}

	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_send_failed",
			"chat_id": reply.ChatID,
			"kind":    reply.Kind,
		}).WithError(err).Error("failed to send reply")
	}
}

// commandName returns the bare command of a "/cmd@bot args" message.
func commandName(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	name := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), name != ""
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			text:       strings.TrimSpace(update.Message.Text),
			updateType: "message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			userID:     userID(&update.CallbackQuery.From),
			chatID:     messageChatID(update.CallbackQuery.Message),
			text:       strings.TrimSpace(update.CallbackQuery.Data),
			updateType: "callback_query",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return chatID(&msg.Message.Chat)
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return chatID(&msg.InaccessibleMessage.Chat)
	default:
		return 0
	}
}
