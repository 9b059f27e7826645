package circle

import (
	"time"

	"github.com/google/uuid"
)

// Member is a participant of one circle.
type Member struct {
	ID               uuid.UUID
	CircleID         uuid.UUID
	DisplayName      string
	TelegramID       int64 // 0 when the member has no linked chat
	AccountCreatedAt time.Time
	JoinedAt         time.Time
	IsActive         bool
}
