// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const memberHelp = "I send reminders about your savings circle: before each contribution deadline, " +
	"when a contribution is still missing during the grace period, and when your payout has been sent.\n\n" +
	"Payments are confirmed by your payment provider, so there is nothing to reply here. " +
	"Contact your circle admin if something looks wrong."

// RegisterBotCommands wires /start and /help for admins and members.
func RegisterBotCommands(b *telebot.Bot, admin *AdminHandlers, baseLogger *logrus.Entry) {
	startHelpLogger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		startHelpLogger.WithFields(logrus.Fields{"command": "/start", "sender_id": c.Sender().ID}).Info("Processing /start command")
		return c.Send(admin.StartReply(c.Sender().ID, c.Sender().FirstName))
	})

	b.Handle("/help", func(c telebot.Context) error {
		startHelpLogger.WithFields(logrus.Fields{"command": "/help", "sender_id": c.Sender().ID}).Info("Processing /help command")
		return c.Send(admin.HelpReply(c.Sender().ID))
	})
}

func (h *AdminHandlers) StartReply(senderID int64, firstName string) string {
	if senderID == h.adminID {
		return fmt.Sprintf("Hello, admin %s! The cycle engine is running. Use /help for the list of commands.", firstName)
	}
	return fmt.Sprintf("Hello, %s! I am the savings circle assistant. Your chat id is %d; give it to your circle admin to receive reminders.", firstName, senderID)
}

func (h *AdminHandlers) HelpReply(senderID int64) string {
	if senderID == h.adminID {
		return h.AdminHelp()
	}
	return memberHelp
}
