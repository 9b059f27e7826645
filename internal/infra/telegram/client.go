// internal/infra/telegram/client.go
package telegram

import (
	"context"

	"circle_cycle_engine/internal/app"

	"github.com/google/uuid"
	"gopkg.in/telebot.v3"
)

// Sender sends a text message to a Telegram chat.
type Sender interface {
	SendMessage(chatID int64, text string, options *telebot.SendOptions) error
}

// TelebotAdapter implements Sender using the gopkg.in/telebot.v3 library.
type TelebotAdapter struct {
	bot *telebot.Bot
}

func NewTelebotAdapter(b *telebot.Bot) *TelebotAdapter {
	return &TelebotAdapter{bot: b}
}

func (tba *TelebotAdapter) SendMessage(chatID int64, text string, options *telebot.SendOptions) error {
	if options == nil {
		options = &telebot.SendOptions{}
	}
	_, err := tba.bot.Send(telebot.ChatID(chatID), text, options)
	return err
}

// Notifier delivers engine notifications over Telegram. Escalations about a
// cycle carry inline buttons for the operator's usual follow-ups.
type Notifier struct {
	sender Sender
}

func NewNotifier(s Sender) *Notifier {
	return &Notifier{sender: s}
}

func (n *Notifier) Notify(_ context.Context, note app.Notification) error {
	opts := &telebot.SendOptions{DisableWebPagePreview: true}
	if note.Kind == app.NotifyOperatorEscalation && note.CycleID != uuid.Nil {
		opts.ReplyMarkup = escalationMarkup(note.CycleID)
	}
	return n.sender.SendMessage(note.ChatID, note.Text, opts)
}

const (
	btnRetryPayout = "payout_retry"
	btnSkipCycle   = "cycle_skip"
)

func escalationMarkup(cycleID uuid.UUID) *telebot.ReplyMarkup {
	m := &telebot.ReplyMarkup{}
	m.Inline(m.Row(
		m.Data("🔁 Retry payout", btnRetryPayout, cycleID.String()),
		m.Data("⏭ Skip cycle", btnSkipCycle, cycleID.String()),
	))
	return m
}
