package cycle

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event is the append-only audit record of one state transition.
// Sequence increases monotonically per cycle and is assigned on append.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	CycleID   uuid.UUID         `json:"cycle_id"`
	CircleID  uuid.UUID         `json:"circle_id"`
	Sequence  int64             `json:"sequence"`
	From      Status            `json:"from"`
	To        Status            `json:"to"`
	Actor     string            `json:"actor"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Actor prefixes used in Event.Actor.
const (
	ActorSystem     = "system"
	ActorTick       = "system:tick"
	ActorDispatcher = "system:dispatcher"
	ActorReconciler = "system:reconciler"
)

// MemberActor names a member-triggered transition.
func MemberActor(id uuid.UUID) string { return "member:" + id.String() }

// AdminActor names a transition forced by an admin, identified by chat id.
func AdminActor(telegramID int64) string { return "admin:" + strconv.FormatInt(telegramID, 10) }
