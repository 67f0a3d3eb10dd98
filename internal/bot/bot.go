// Package bot is the Telegram front end. It gates every update on the
// allow-list, translates messages and callback presses into flow
// events, and renders the flow replies as messages with inline
// keyboards. Events for the same user run strictly in order.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"torrent_bot/internal/config"
	"torrent_bot/internal/flow"
	"torrent_bot/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot handles user interaction and sends notifications.
type Bot struct {
	api     telegramAPI
	machine *flow.Machine
	cfg     *config.Config
	lanes   *lanes
	log     *slog.Logger
}

// New creates a Bot with the given Telegram token.
func New(token string, machine *flow.Machine, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newWithAPI(api, machine, cfg, log), nil
}

func newWithAPI(api telegramAPI, machine *flow.Machine, cfg *config.Config, log *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		machine: machine,
		cfg:     cfg,
		lanes:   newLanes(8),
		log:     log,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	b.lanes.start(ctx)
	defer b.lanes.stop()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(update)
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if msg.IsCommand() && msg.Command() == "whoami" {
		b.handleWhoami(chatID, msg.From)
		return
	}
	if !b.cfg.IsUserAllowed(userID) {
		b.log.Warn("unauthorized user", "user_id", userID, "username", msg.From.UserName)
		b.reply(chatID, "Access denied. Send /whoami to see your user ID.")
		return
	}

	if msg.IsCommand() {
		b.handleCommand(chatID, msg)
		return
	}
	b.dispatchEvent(chatID, msg.From, flow.QueryText{Text: msg.Text})
}

func (b *Bot) handleCommand(chatID int64, msg *tgbotapi.Message) {
	cmd := msg.Command()
	b.log.Debug("command", "cmd", cmd, "chat_id", chatID, "user_id", msg.From.ID)

	switch cmd {
	case "start":
		b.sendReply(chatID, flow.MainMenu(welcomeText))
	case "help":
		b.reply(chatID, helpText)
	case "search":
		b.dispatchEvent(chatID, msg.From, flow.StartSearch{})
	case "rules":
		b.dispatchEvent(chatID, msg.From, flow.ListRules{})
	case "downloads":
		b.dispatchEvent(chatID, msg.From, flow.ListDownloads{})
	case "status":
		b.dispatchEvent(chatID, msg.From, flow.ListStatus{})
	case "cancel":
		b.dispatchEvent(chatID, msg.From, flow.Cancel{})
	case "reset":
		b.dispatchEvent(chatID, msg.From, flow.Reset{})
	default:
		b.reply(chatID, "Unknown command. Use /help for the command reference.")
	}
}

func (b *Bot) handleWhoami(chatID int64, from *tgbotapi.User) {
	status := "not authorized"
	if b.cfg.IsUserAllowed(from.ID) {
		status = "authorized"
	}
	b.reply(chatID, fmt.Sprintf("User ID: %d\nUsername: @%s\nStatus: %s", from.ID, from.UserName, status))
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	ack := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(ack); err != nil {
		b.log.Error("send callback ack", "error", err)
	}
	if cb.Message == nil || cb.From == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	if !b.cfg.IsUserAllowed(cb.From.ID) {
		b.log.Warn("unauthorized callback", "user_id", cb.From.ID)
		b.reply(chatID, "Access denied. Send /whoami to see your user ID.")
		return
	}

	ev, ok := decodeCallback(cb.Data)
	if !ok {
		b.log.Debug("unknown callback", "data", cb.Data, "user_id", cb.From.ID)
		return
	}
	b.dispatchEvent(chatID, cb.From, ev)
}

// dispatchEvent queues the event on the user's lane so that events from
// the same user are applied to the session one at a time.
func (b *Bot) dispatchEvent(chatID int64, from *tgbotapi.User, ev flow.Event) {
	userID := from.ID
	username := from.UserName
	queued := b.lanes.enqueue(userID, func(ctx context.Context) {
		reply, err := b.machine.Advance(ctx, userID, username, ev)
		if err != nil {
			b.log.Error("advance session", "user_id", userID, "event", fmt.Sprintf("%T", ev), "error", err)
			b.reply(chatID, "Something went wrong. Try again, or /reset to start over.")
			return
		}
		b.sendReply(chatID, reply)
	})
	if !queued {
		b.log.Warn("lane full, dropping event", "user_id", userID)
	}
}

func (b *Bot) sendReply(chatID int64, reply flow.Reply) {
	msg := tgbotapi.NewMessage(chatID, reply.Text)
	msg.DisableWebPagePreview = true
	if len(reply.Choices) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, row := range reply.Choices {
			var buttons []tgbotapi.InlineKeyboardButton
			for _, c := range row {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data))
			}
			rows = append(rows, buttons)
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

// SendMessage sends a plain notification to the given chat. Used by the
// background scanner for rule fulfillments and completion notices.
func (b *Bot) SendMessage(chatID int64, text string) {
	b.reply(chatID, text)
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

const welcomeText = `Welcome to Torrent Bot!

Search the indexer, download releases, or set up auto-download rules
for content that is not out yet.

Use /help for the full command reference.`

const helpText = `Commands:
/search — search for a movie or TV show
/rules — list your auto-download rules
/downloads — show your recent downloads
/status — show active downloads with progress and speed
/cancel — abort the current conversation
/reset — reset your session if it gets stuck
/whoami — show your Telegram user ID

During a search you can download a listed release right away, or pick
"Auto-download in the future" to have the bot grab matching releases
as they appear.`

func decodeCallback(data string) (flow.Event, bool) {
	switch data {
	case flow.DataSearch:
		return flow.StartSearch{}, true
	case flow.DataTypeMovie:
		return flow.ContentTypeChosen{Type: model.ContentMovie}, true
	case flow.DataTypeTV:
		return flow.ContentTypeChosen{Type: model.ContentTVShow}, true
	case flow.DataNewRule:
		return flow.CreateRule{}, true
	case flow.DataFreeleech:
		return flow.FreeleechChosen{FreeleechOnly: true}, true
	case flow.DataAnyLeech:
		return flow.FreeleechChosen{FreeleechOnly: false}, true
	case flow.DataRules:
		return flow.ListRules{}, true
	case flow.DataDownloads:
		return flow.ListDownloads{}, true
	case flow.DataStatus:
		return flow.ListStatus{}, true
	case flow.DataCancel:
		return flow.Cancel{}, true
	}

	if id, ok := strings.CutPrefix(data, flow.DataRulePrefix); ok {
		return flow.CancelRuleRequested{RuleID: id}, true
	}
	if n, ok := cutInt(data, flow.DataPagePrefix); ok {
		return flow.PageRequested{Page: n}, true
	}
	if n, ok := cutInt(data, flow.DataPickPrefix); ok {
		return flow.ResultSelected{Index: n}, true
	}
	if n, ok := cutInt(data, flow.DataGetPrefix); ok {
		return flow.DownloadConfirmed{Index: n}, true
	}
	return nil, false
}

func cutInt(data, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(data, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
