package collaborators

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CoverClient asks the vouching service for a guarantor to cover a shortfall.
type CoverClient struct {
	http jsonClient
}

func NewCoverClient(baseURL string, timeout time.Duration) *CoverClient {
	return &CoverClient{http: newJSONClient(baseURL, timeout)}
}

func (c *CoverClient) RequestCover(ctx context.Context, circleID, cycleID, memberID uuid.UUID, shortfall decimal.Decimal) (decimal.Decimal, error) {
	req := struct {
		CircleID  uuid.UUID       `json:"circle_id"`
		CycleID   uuid.UUID       `json:"cycle_id"`
		MemberID  uuid.UUID       `json:"member_id"`
		Shortfall decimal.Decimal `json:"shortfall"`
	}{circleID, cycleID, memberID, shortfall}
	var resp struct {
		CoveredAmount decimal.Decimal `json:"covered_amount"`
	}
	if err := c.http.do(ctx, http.MethodPost, "/cover-requests", nil, req, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.CoveredAmount.IsNegative() {
		return decimal.Zero, nil
	}
	if resp.CoveredAmount.GreaterThan(shortfall) {
		return shortfall, nil
	}
	return resp.CoveredAmount, nil
}
