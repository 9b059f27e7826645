package collaborators

import (
	"context"
	"net/http"
	"time"

	"circle_cycle_engine/internal/app"

	"github.com/google/uuid"
)

// TrustScoreClient talks to the member reliability score service.
type TrustScoreClient struct {
	http jsonClient
}

func NewTrustScoreClient(baseURL string, timeout time.Duration) *TrustScoreClient {
	return &TrustScoreClient{http: newJSONClient(baseURL, timeout)}
}

func (c *TrustScoreClient) GetScore(ctx context.Context, memberID uuid.UUID) (float64, error) {
	var resp struct {
		Score float64 `json:"score"`
	}
	if err := c.http.do(ctx, http.MethodGet, "/members/"+memberID.String()+"/score", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Score, nil
}

func (c *TrustScoreClient) AdjustScore(ctx context.Context, memberID uuid.UUID, event app.ScoreEvent, ref uuid.UUID) error {
	req := struct {
		Event app.ScoreEvent `json:"event"`
		Ref   uuid.UUID      `json:"ref"`
	}{event, ref}
	return c.http.do(ctx, http.MethodPost, "/members/"+memberID.String()+"/events", nil, req, nil)
}
