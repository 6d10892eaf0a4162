// Package notify implements the §7 health-monitor event sink: a best-effort
// Telegram notifier for critical errors, kill-switch transitions, and
// shutdown, plus a minimal command listener for manual status/stop
// requests. Nothing here ever blocks trading — every send is fire-and-forget,
// and a nil *Notifier is always safe to call.
package notify

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const chatIDFile = "chat_id.txt"

// Notifier wraps a Telegram bot. The zero value is not valid; use New. A
// nil *Notifier is valid and every method on it is a no-op, so callers
// never need to branch on whether notifications are configured.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// New builds a Notifier from a bot token and an optional configured chat
// ID. If chatID is zero, it falls back to a chat ID saved on a previous run
// (see loadChatID) and otherwise waits for StartListener to capture one
// from an incoming /start command. Returns nil, nil if token is empty —
// notifications are an optional ambient concern, not a startup requirement.
func New(token string, chatID int64, log *zap.Logger) (*Notifier, error) {
	if token == "" {
		log.Info("telegram token not configured, notifications disabled")
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	log.Info("telegram bot authorized", zap.String("username", bot.Self.UserName))

	n := &Notifier{bot: bot, chatID: chatID, log: log}
	if n.chatID == 0 {
		n.chatID = n.loadChatID()
	}
	if n.chatID != 0 {
		log.Info("loaded persistent telegram chat id", zap.Int64("chat_id", n.chatID))
	}
	return n, nil
}

func (n *Notifier) loadChatID() int64 {
	data, err := os.ReadFile(chatIDFile)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (n *Notifier) saveChatID(id int64) {
	if err := os.WriteFile(chatIDFile, []byte(fmt.Sprintf("%d", id)), 0644); err != nil {
		n.log.Warn("failed to persist telegram chat id", zap.Error(err))
	}
}

// Notify sends msg asynchronously. Safe on a nil receiver or an
// unconfigured chat — both are silent no-ops.
func (n *Notifier) Notify(msg string) {
	if n == nil || n.bot == nil || n.chatID == 0 {
		return
	}
	go func() {
		cfg := tgbotapi.NewMessage(n.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := n.bot.Send(cfg); err != nil {
			n.log.Warn("telegram send failed", zap.Error(err))
		}
	}()
}

// NotifyCritical is Notify with a fixed, alarm-shaped prefix for the §7
// "health-monitor event" path — fatal errors and kill-switch activations
// that a human operator needs to see promptly.
func (n *Notifier) NotifyCritical(summary string, err error) {
	if err != nil {
		n.Notify(fmt.Sprintf("🚨 *CRITICAL*: %s\n%s", summary, err.Error()))
		return
	}
	n.Notify(fmt.Sprintf("🚨 *CRITICAL*: %s", summary))
}

// StatusFunc, StopFunc and ReportFunc are the callbacks StartListener wires
// to Telegram commands. Any may be nil.
type StatusFunc func() string
type StopFunc func()
type ReportFunc func() string

// StartListener blocks processing Telegram long-poll updates until the bot
// API's update channel closes. Run it in its own goroutine. There are no
// interactive trade-approval buttons — the engine decides and acts on its
// own; Telegram here is read-only observability plus a manual kill switch.
func (n *Notifier) StartListener(status StatusFunc, stop StopFunc, report ReportFunc) {
	if n == nil || n.bot == nil {
		return
	}
	n.log.Info("telegram listener starting")
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	for update := range n.bot.GetUpdatesChan(u) {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}

		if n.chatID == 0 || n.chatID != update.Message.Chat.ID {
			n.chatID = update.Message.Chat.ID
			n.saveChatID(n.chatID)
			n.log.Info("telegram chat id captured", zap.Int64("chat_id", n.chatID))
		}

		switch update.Message.Command() {
		case "status":
			if status != nil {
				n.Notify(status())
			}
		case "report":
			if report != nil {
				n.Notify(report())
			}
		case "stop":
			n.Notify("🛑 manual stop received, shutting down")
			if stop != nil {
				stop()
			}
		case "start":
			n.Notify("connected. monitoring positions.")
		}
	}
}
