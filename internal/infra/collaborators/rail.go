package collaborators

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"circle_cycle_engine/internal/app"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentRailClient sends payouts to the transfer rail. The idempotency key
// travels both in the body and in the Idempotency-Key header.
type PaymentRailClient struct {
	http jsonClient
}

func NewPaymentRailClient(baseURL string, timeout time.Duration) *PaymentRailClient {
	return &PaymentRailClient{http: newJSONClient(baseURL, timeout)}
}

type transferRequest struct {
	RecipientID    uuid.UUID       `json:"recipient_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type transferResponse struct {
	Status      string `json:"status"` // succeeded | failed
	TransferRef string `json:"transfer_ref"`
	Reason      string `json:"reason"`
}

// Transfer maps a 4xx answer to a failed transfer with reason unknown and
// returns 5xx and transport errors as errors.
func (c *PaymentRailClient) Transfer(ctx context.Context, req app.TransferRequest) (app.TransferResult, error) {
	var resp transferResponse
	err := c.http.do(ctx, http.MethodPost, "/transfers",
		map[string]string{"Idempotency-Key": req.IdempotencyKey},
		transferRequest{RecipientID: req.RecipientID, Amount: req.Amount, IdempotencyKey: req.IdempotencyKey},
		&resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
			return app.TransferResult{Reason: app.FailureUnknown}, nil
		}
		return app.TransferResult{}, err
	}
	if resp.Status == "succeeded" {
		return app.TransferResult{Succeeded: true, TransferRef: resp.TransferRef}, nil
	}
	return app.TransferResult{TransferRef: resp.TransferRef, Reason: reason(resp.Reason)}, nil
}

// Lookup fetches the transfer stored under idempotencyKey. A 404 means the
// rail never received it.
func (c *PaymentRailClient) Lookup(ctx context.Context, idempotencyKey string) (app.TransferResult, bool, error) {
	var resp transferResponse
	err := c.http.do(ctx, http.MethodGet, "/transfers/"+url.PathEscape(idempotencyKey), nil, nil, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return app.TransferResult{}, false, nil
		}
		return app.TransferResult{}, false, err
	}
	if resp.Status == "succeeded" {
		return app.TransferResult{Succeeded: true, TransferRef: resp.TransferRef}, true, nil
	}
	return app.TransferResult{TransferRef: resp.TransferRef, Reason: reason(resp.Reason)}, true, nil
}

func reason(s string) app.FailureReason {
	switch r := app.FailureReason(s); r {
	case app.FailureRailTimeout, app.FailureTemporaryHold, app.FailureInsufficientBalance,
		app.FailureInvalidRecipient, app.FailureSanctionsHold:
		return r
	}
	return app.FailureUnknown
}
