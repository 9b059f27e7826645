package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"circle_cycle_engine/internal/app"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PaymentRecorder applies a confirmed payment.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, in app.PaymentInput) (*cycle.Contribution, app.Outcome, error)
}

// PaymentConfirmation is the JSON message published by the payment provider
// integration for every confirmed contribution payment.
type PaymentConfirmation struct {
	CycleID    uuid.UUID       `json:"cycle_id"`
	MemberID   uuid.UUID       `json:"member_id"`
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"payment_ref"`
	PaidAt     time.Time       `json:"paid_at"`
}

// PaymentConsumer subscribes to the payments channel and records each
// confirmation in the ledger.
type PaymentConsumer struct {
	rdb      *goredis.Client
	channel  string
	recorder PaymentRecorder
	logger   *logrus.Entry
}

func NewPaymentConsumer(rdb *goredis.Client, channel string, recorder PaymentRecorder, logger *logrus.Entry) *PaymentConsumer {
	return &PaymentConsumer{rdb: rdb, channel: channel, recorder: recorder, logger: logger}
}

// Start subscribes and consumes until ctx is done.
func (c *PaymentConsumer) Start(ctx context.Context) error {
	sub := c.rdb.Subscribe(ctx, c.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				c.handle(ctx, []byte(m.Payload))
			}
		}
	}()
	c.logger.WithField("channel", c.channel).Info("Payment consumer started")
	return nil
}

func (c *PaymentConsumer) handle(ctx context.Context, payload []byte) {
	in, err := decodeConfirmation(payload)
	if err != nil {
		c.logger.WithError(err).Warn("Bad payment confirmation payload")
		return
	}
	log := c.logger.WithFields(logrus.Fields{
		"cycle_id":    in.CycleID,
		"member_id":   in.MemberID,
		"payment_ref": in.PaymentRef,
	})
	contrib, _, err := c.recorder.RecordPayment(ctx, in)
	if err != nil {
		switch app.Classify(err) {
		case app.ClassValidation, app.ClassConflict:
			log.WithError(err).Warn("Payment confirmation rejected")
		default:
			log.WithError(err).Error("Payment confirmation failed")
		}
		return
	}
	log.WithField("status", contrib.Status).Info("Payment confirmation recorded")
}

func decodeConfirmation(payload []byte) (app.PaymentInput, error) {
	var msg PaymentConfirmation
	if err := json.Unmarshal(payload, &msg); err != nil {
		return app.PaymentInput{}, err
	}
	if msg.CycleID == uuid.Nil || msg.MemberID == uuid.Nil {
		return app.PaymentInput{}, errors.New("cycle_id and member_id are required")
	}
	if msg.PaidAt.IsZero() {
		msg.PaidAt = time.Now().UTC()
	}
	return app.PaymentInput{
		CycleID:    msg.CycleID,
		MemberID:   msg.MemberID,
		Amount:     msg.Amount,
		PaymentRef: msg.PaymentRef,
		PaidAt:     msg.PaidAt,
	}, nil
}
