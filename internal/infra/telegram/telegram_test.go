package telegram

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"circle_cycle_engine/internal/app"
	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const adminID int64 = 77

type fakeAdmin struct {
	created     app.NewCircle
	skipped     uuid.UUID
	retried     uuid.UUID
	rotation    []uuid.UUID
	cancel      bool // CancelCycle result
	deferred    bool // SkipCycle reports a deferred skip
	resolvedRef string
	resolvedOK  bool
	err         error
}

func (f *fakeAdmin) CreateCircle(_ context.Context, _ int64, in app.NewCircle) (*circle.Circle, error) {
	f.created = in
	if f.err != nil {
		return nil, f.err
	}
	return &circle.Circle{ID: uuid.New(), Name: in.Name, MaxMembers: in.MaxMembers}, nil
}

func (f *fakeAdmin) AddMember(_ context.Context, _ int64, circleID uuid.UUID, in app.NewMember) (*circle.Member, error) {
	return &circle.Member{ID: uuid.New(), CircleID: circleID, DisplayName: in.DisplayName, TelegramID: in.TelegramID}, f.err
}

func (f *fakeAdmin) ActivateCircle(_ context.Context, _ int64, _ uuid.UUID, in app.RotationInput) (*circle.RotationAssignment, *cycle.Cycle, error) {
	return &circle.RotationAssignment{Method: circle.RotationRandom, Seed: in.Seed}, &cycle.Cycle{Number: 1, Status: cycle.StatusCollecting}, f.err
}

func (f *fakeAdmin) CancelCircle(context.Context, int64, uuid.UUID, string) error { return f.err }

func (f *fakeAdmin) SkipCycle(_ context.Context, _ int64, id uuid.UUID, _ string) (bool, error) {
	f.skipped = id
	return !f.deferred, f.err
}

func (f *fakeAdmin) CancelCycle(context.Context, int64, uuid.UUID, string) (bool, error) {
	return f.cancel, f.err
}

func (f *fakeAdmin) ExcuseContribution(context.Context, int64, uuid.UUID, uuid.UUID, string) (app.Outcome, error) {
	return app.Outcome{Status: cycle.StatusCollecting}, f.err
}

func (f *fakeAdmin) OverridePayout(context.Context, int64, uuid.UUID, string, string) error {
	return f.err
}

func (f *fakeAdmin) RetryPayout(_ context.Context, _ int64, id uuid.UUID) error {
	f.retried = id
	return f.err
}

func (f *fakeAdmin) ResolvePayout(_ context.Context, _ int64, _ uuid.UUID, paid bool, ref, _ string) (cycle.Status, error) {
	f.resolvedOK, f.resolvedRef = paid, ref
	if paid {
		return cycle.StatusClosed, f.err
	}
	return cycle.StatusPayoutRetry, f.err
}

func (f *fakeAdmin) OverrideRotation(_ context.Context, _ int64, _ uuid.UUID, from int, recipients []uuid.UUID, _ string) (*circle.RotationOverride, error) {
	f.rotation = recipients
	return &circle.RotationOverride{FromCycle: from, Next: recipients}, f.err
}

type fakePayments struct {
	in app.PaymentInput
}

func (f *fakePayments) RecordPayment(_ context.Context, in app.PaymentInput) (*cycle.Contribution, app.Outcome, error) {
	f.in = in
	return &cycle.Contribution{
		ExpectedAmount:    decimal.NewFromInt(100),
		ContributedAmount: in.Amount,
		Status:            cycle.ContributionCompleted,
	}, app.Outcome{Status: cycle.StatusReadyPayout, PayoutDue: true}, nil
}

type fakeReports struct{ rep *app.CircleReport }

func (f fakeReports) CircleReport(context.Context, uuid.UUID) (*app.CircleReport, error) {
	return f.rep, nil
}

func newTestHandlers(admin *fakeAdmin, payments *fakePayments, reports Reports) *AdminHandlers {
	l := logrus.New()
	l.SetOutput(io.Discard)
	h := NewAdminHandlers(admin, payments, reports, adminID, logrus.NewEntry(l))
	h.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return h
}

func TestRunRejectsNonAdmin(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestHandlers(admin, &fakePayments{}, nil)
	reply := h.Run(context.Background(), "/retry_payout", 1, []string{uuid.NewString()})
	if !strings.Contains(reply, "not allowed") || admin.retried != uuid.Nil {
		t.Fatalf("reply = %q, retried = %s", reply, admin.retried)
	}
}

func TestCreateCircleParsesOptions(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestHandlers(admin, &fakePayments{}, nil)
	reply := h.Run(context.Background(), "/create_circle", adminID, strings.Fields(
		"amount=100 frequency=Weekly members=6 rotation=random grace=2 shortfall=reduced_payout cover=yes Market women circle"))
	if !strings.Contains(reply, "created") {
		t.Fatalf("reply = %q", reply)
	}
	in := admin.created
	if in.Name != "Market women circle" || in.MaxMembers != 6 || in.TotalCycles != 6 {
		t.Fatalf("parsed = %+v", in)
	}
	if in.Frequency != circle.FrequencyWeekly || in.RotationMethod != circle.RotationRandom {
		t.Fatalf("frequency/rotation = %s %s", in.Frequency, in.RotationMethod)
	}
	if in.Policy.GracePeriodDays != 2 || in.Policy.ShortfallPolicy != circle.ShortfallReducedPayout || !in.Policy.AllowCover {
		t.Fatalf("policy = %+v", in.Policy)
	}
	if !in.ContributionAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("amount = %s", in.ContributionAmount)
	}
}

func TestRunReportsUsageAndRejections(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestHandlers(admin, &fakePayments{}, nil)

	if reply := h.Run(context.Background(), "/skip_cycle", adminID, nil); !strings.Contains(reply, "Usage: /skip_cycle") {
		t.Fatalf("usage reply = %q", reply)
	}
	if reply := h.Run(context.Background(), "/create_circle", adminID, strings.Fields("amount=1 frequency=daily members=x name")); !strings.Contains(reply, "members must be a number") {
		t.Fatalf("bad option reply = %q", reply)
	}
	if reply := h.Run(context.Background(), "/retry_payout", adminID, []string{"nope"}); !strings.HasPrefix(reply, "Rejected: unknown cycle") {
		t.Fatalf("bad id reply = %q", reply)
	}

	admin.err = app.ErrDispatchInProgress
	if reply := h.Run(context.Background(), "/skip_cycle", adminID, []string{uuid.NewString(), "late"}); !strings.HasPrefix(reply, "Rejected:") {
		t.Fatalf("conflict reply = %q", reply)
	}
	admin.err = errors.New("db gone")
	if reply := h.Run(context.Background(), "/skip_cycle", adminID, []string{uuid.NewString(), "late"}); !strings.HasPrefix(reply, "Something went wrong") {
		t.Fatalf("internal reply = %q", reply)
	}
}

func TestRecordPaymentCommand(t *testing.T) {
	payments := &fakePayments{}
	h := newTestHandlers(&fakeAdmin{}, payments, nil)
	cycleID, memberID := uuid.New(), uuid.New()

	reply := h.Run(context.Background(), "/record_payment", adminID, []string{cycleID.String(), memberID.String(), "100", "cash-12"})
	if !strings.Contains(reply, "Payout started") {
		t.Fatalf("reply = %q", reply)
	}
	if payments.in.CycleID != cycleID || payments.in.MemberID != memberID || payments.in.PaymentRef != "cash-12" || payments.in.PaidAt.IsZero() {
		t.Fatalf("payment input = %+v", payments.in)
	}
}

func TestCancelCycleDeferredReply(t *testing.T) {
	h := newTestHandlers(&fakeAdmin{cancel: false}, &fakePayments{}, nil)
	reply := h.Run(context.Background(), "/cancel_cycle", adminID, []string{uuid.NewString(), "member", "left"})
	if !strings.Contains(reply, "in flight") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestSkipCycleDeferredReply(t *testing.T) {
	admin := &fakeAdmin{deferred: true}
	h := newTestHandlers(admin, &fakePayments{}, nil)
	id := uuid.New()
	if reply := h.Run(context.Background(), "/skip_cycle", adminID, []string{id.String(), "dispute"}); !strings.Contains(reply, "skipped if that attempt fails") {
		t.Fatalf("reply = %q", reply)
	}
	if reply := h.Callback(context.Background(), btnSkipCycle, adminID, id.String()); reply != "Skip queued behind the payout in flight." {
		t.Fatalf("callback reply = %q", reply)
	}
}

func TestResolvePayoutCommand(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestHandlers(admin, &fakePayments{}, nil)
	id := uuid.NewString()

	reply := h.Run(context.Background(), "/resolve_payout", adminID, []string{id, "paid", "tr-77", "rail", "dashboard"})
	if reply != "Payout resolved. Cycle is closed." || !admin.resolvedOK || admin.resolvedRef != "tr-77" {
		t.Fatalf("paid reply = %q, admin = %+v", reply, admin)
	}
	reply = h.Run(context.Background(), "/resolve_payout", adminID, []string{id, "failed", "never", "arrived"})
	if reply != "Payout resolved. Cycle is payout_retry." || admin.resolvedOK {
		t.Fatalf("failed reply = %q", reply)
	}
	if reply := h.Run(context.Background(), "/resolve_payout", adminID, []string{id, "paid", "tr-77"}); !strings.Contains(reply, "paid needs a transfer_ref") {
		t.Fatalf("short paid reply = %q", reply)
	}
	if reply := h.Run(context.Background(), "/resolve_payout", adminID, []string{id, "maybe", "x"}); !strings.Contains(reply, "outcome must be paid or failed") {
		t.Fatalf("bad outcome reply = %q", reply)
	}
}

func TestOverrideRotationParsesIDList(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestHandlers(admin, &fakePayments{}, nil)
	a, b := uuid.New(), uuid.New()
	reply := h.Run(context.Background(), "/override_rotation", adminID, []string{uuid.NewString(), "3", a.String() + "," + b.String(), "swap"})
	if !strings.Contains(reply, "from cycle 3 (2 slots)") {
		t.Fatalf("reply = %q", reply)
	}
	if len(admin.rotation) != 2 || admin.rotation[0] != a || admin.rotation[1] != b {
		t.Fatalf("recipients = %v", admin.rotation)
	}
}

func TestCircleStatusFormatsReport(t *testing.T) {
	alice := &circle.Member{ID: uuid.New(), DisplayName: "Alice"}
	rep := &app.CircleReport{
		Circle:  &circle.Circle{Name: "Family", Status: circle.StatusActive, CurrentCycleNumber: 1, TotalCycles: 2, MaxMembers: 2, ContributionAmount: decimal.NewFromInt(100), Frequency: circle.FrequencyMonthly},
		Members: []*circle.Member{alice, {ID: uuid.New(), DisplayName: "Bob"}},
		Cycles: []app.CycleReport{{
			Cycle:         &cycle.Cycle{Number: 1, Status: cycle.StatusCollecting, RecipientID: alice.ID, CollectedAmount: decimal.NewFromInt(100)},
			Contributions: []*cycle.Contribution{{Status: cycle.ContributionCompleted}, {Status: cycle.ContributionPending}},
		}},
	}
	h := newTestHandlers(&fakeAdmin{}, &fakePayments{}, fakeReports{rep})
	reply := h.Run(context.Background(), "/circle_status", adminID, []string{uuid.NewString()})
	if !strings.Contains(reply, "#1 collecting → Alice: 100.00 collected, 1/2 settled") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestEscalationCallbacks(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestHandlers(admin, &fakePayments{}, nil)
	id := uuid.New()

	if reply := h.Callback(context.Background(), btnRetryPayout, adminID, id.String()); reply != "Payout retry scheduled." || admin.retried != id {
		t.Fatalf("retry reply = %q", reply)
	}
	if reply := h.Callback(context.Background(), btnSkipCycle, adminID, id.String()); reply != "Cycle skipped." || admin.skipped != id {
		t.Fatalf("skip reply = %q", reply)
	}
	if reply := h.Callback(context.Background(), btnSkipCycle, 5, id.String()); reply != "Not allowed." {
		t.Fatalf("non-admin reply = %q", reply)
	}
	if reply := h.Callback(context.Background(), btnSkipCycle, adminID, "garbage"); reply != "Unknown cycle." {
		t.Fatalf("bad data reply = %q", reply)
	}
}

func TestHelpReplies(t *testing.T) {
	h := newTestHandlers(&fakeAdmin{}, &fakePayments{}, nil)
	if help := h.HelpReply(adminID); !strings.Contains(help, "/override_rotation") || !strings.Contains(help, "/record_payment") {
		t.Fatalf("admin help = %q", help)
	}
	if help := h.HelpReply(1); help != memberHelp {
		t.Fatalf("member help = %q", help)
	}
}

type captureSender struct {
	chatID int64
	text   string
	opts   *telebot.SendOptions
}

func (c *captureSender) SendMessage(chatID int64, text string, opts *telebot.SendOptions) error {
	c.chatID, c.text, c.opts = chatID, text, opts
	return nil
}

func TestNotifierAddsEscalationButtons(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier(s)
	cycleID := uuid.New()

	if err := n.Notify(context.Background(), app.Notification{Kind: app.NotifyOperatorEscalation, CycleID: cycleID, ChatID: 9, Text: "payout failed"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if s.chatID != 9 || s.opts.ReplyMarkup == nil {
		t.Fatalf("escalation sent without buttons: %+v", s.opts)
	}
	row := s.opts.ReplyMarkup.InlineKeyboard[0]
	if len(row) != 2 || row[0].Unique != btnRetryPayout || row[0].Data != cycleID.String() || row[1].Unique != btnSkipCycle {
		t.Fatalf("buttons = %+v", row)
	}

	if err := n.Notify(context.Background(), app.Notification{Kind: app.NotifyPayoutSent, ChatID: 3, Text: "sent"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if s.opts.ReplyMarkup != nil {
		t.Fatalf("member notice carries buttons")
	}
}
