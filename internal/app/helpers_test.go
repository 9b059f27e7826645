package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"
	"circle_cycle_engine/internal/infra/memory"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const testAdminID int64 = 4242

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeRail struct {
	mu      sync.Mutex
	calls   []TransferRequest
	results []TransferResult
	// hold makes Transfer signal started and wait for release.
	hold    bool
	started chan struct{}
	release chan TransferResult
	// sent is what the rail remembers per idempotency key.
	sent      map[string]TransferResult
	lookupErr error
}

func (r *fakeRail) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	hold := r.hold
	var res TransferResult
	if len(r.results) > 0 {
		res = r.results[0]
		r.results = r.results[1:]
	} else {
		res = TransferResult{Succeeded: true, TransferRef: "tr-" + req.IdempotencyKey}
	}
	r.mu.Unlock()

	if hold {
		r.started <- struct{}{}
		select {
		case res = <-r.release:
		case <-ctx.Done():
			return TransferResult{}, ctx.Err()
		}
	}
	r.mu.Lock()
	if r.sent == nil {
		r.sent = make(map[string]TransferResult)
	}
	r.sent[req.IdempotencyKey] = res
	r.mu.Unlock()
	return res, nil
}

func (r *fakeRail) Lookup(_ context.Context, key string) (TransferResult, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return TransferResult{}, false, r.lookupErr
	}
	res, ok := r.sent[key]
	return res, ok, nil
}

func (r *fakeRail) Calls() []TransferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TransferRequest(nil), r.calls...)
}

type scoreCall struct {
	MemberID uuid.UUID
	Event    ScoreEvent
}

type fakeTrust struct {
	mu     sync.Mutex
	scores map[uuid.UUID]float64
	events []scoreCall
}

func (f *fakeTrust) GetScore(_ context.Context, id uuid.UUID) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scores[id], nil
}

func (f *fakeTrust) AdjustScore(_ context.Context, id uuid.UUID, e ScoreEvent, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, scoreCall{MemberID: id, Event: e})
	return nil
}

func (f *fakeTrust) Count(id uuid.UUID, e ScoreEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.events {
		if c.MemberID == id && c.Event == e {
			n++
		}
	}
	return n
}

type fakeCover struct {
	mu       sync.Mutex
	supplied decimal.Decimal
	requests int
}

func (f *fakeCover) RequestCover(_ context.Context, _, _, _ uuid.UUID, shortfall decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.supplied.GreaterThan(shortfall) {
		return shortfall, nil
	}
	return f.supplied, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) Count(kind NotificationKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

var errStoreDown = errors.New("store unavailable")

// faultyCycles fails selected writes of the wrapped store.
type faultyCycles struct {
	*memory.CycleRepository
	mu          sync.Mutex
	failUpdates func(c *cycle.Cycle) bool
	failAppends func(e *cycle.Event) bool
	failApplies int
}

func (f *faultyCycles) UpdateCycle(ctx context.Context, c *cycle.Cycle) error {
	f.mu.Lock()
	fail := f.failUpdates != nil && f.failUpdates(c)
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.CycleRepository.UpdateCycle(ctx, c)
}

func (f *faultyCycles) AppendEvent(ctx context.Context, e *cycle.Event) error {
	f.mu.Lock()
	fail := f.failAppends != nil && f.failAppends(e)
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.CycleRepository.AppendEvent(ctx, e)
}

func (f *faultyCycles) ApplyPayment(ctx context.Context, p *cycle.Payment, c *cycle.Contribution) error {
	f.mu.Lock()
	fail := f.failApplies > 0
	if fail {
		f.failApplies--
	}
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.CycleRepository.ApplyPayment(ctx, p, c)
}

// failUpdatesTo fails the next n saves of a cycle in status.
func (f *faultyCycles) failUpdatesTo(status cycle.Status, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates = func(c *cycle.Cycle) bool {
		if c.Status != status || n == 0 {
			return false
		}
		n--
		return true
	}
}

// failAppendsTo fails the next n audit events into status.
func (f *faultyCycles) failAppendsTo(status cycle.Status, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAppends = func(e *cycle.Event) bool {
		if e.To != status || n == 0 {
			return false
		}
		n--
		return true
	}
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *fakeClock
	circles  *memory.CircleRepository
	cycles   *memory.CycleRepository
	faults   *faultyCycles
	rail     *fakeRail
	trust    *fakeTrust
	cover    *fakeCover
	notifier *fakeNotifier
	engine   *Engine
}

func newHarness(t *testing.T, tune ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    newFakeClock(),
		circles:  memory.NewCircleRepository(),
		cycles:   memory.NewCycleRepository(),
		rail:     &fakeRail{started: make(chan struct{}, 1), release: make(chan TransferResult)},
		trust:    &fakeTrust{scores: make(map[uuid.UUID]float64)},
		cover:    &fakeCover{supplied: decimal.Zero},
		notifier: &fakeNotifier{},
	}
	h.faults = &faultyCycles{CycleRepository: h.cycles}
	opts := Options{
		Retry:           DefaultRetryPolicy,
		PayoutTimeout:   time.Second,
		TickConcurrency: 4,
		AdminTelegramID: testAdminID,
		Now:             h.clock.Now,
	}
	for _, fn := range tune {
		fn(&opts)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h.engine = NewEngine(Dependencies{
		Circles:  h.circles,
		Cycles:   h.faults,
		Defaults: h.cycles,
		Events:   h.faults,
		Rail:     h.rail,
		Guard:    memory.NewDispatchGuard(),
		Trust:    h.trust,
		Cover:    h.cover,
		Notifier: h.notifier,
	}, opts, logger)
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// formCircle creates a forming circle with n members. Member i gets trust
// score 100-i so the default trust rotation follows member order.
func (h *harness) formCircle(n int, tune func(*NewCircle)) (*circle.Circle, []*circle.Member) {
	h.t.Helper()
	in := NewCircle{
		Name:               "Family circle",
		ContributionAmount: dec("100"),
		Frequency:          circle.FrequencyMonthly,
		TotalCycles:        n,
		MaxMembers:         n,
		RotationMethod:     circle.RotationTrustScore,
		Policy: circle.Policy{
			GracePeriodDays: 3,
			ShortfallPolicy: circle.ShortfallSkipCycle,
		},
	}
	if tune != nil {
		tune(&in)
	}
	circ, err := h.engine.Admin.CreateCircle(h.ctx, testAdminID, in)
	if err != nil {
		h.t.Fatalf("CreateCircle() error = %v", err)
	}
	members := make([]*circle.Member, 0, n)
	for i := 0; i < n; i++ {
		m, err := h.engine.Admin.AddMember(h.ctx, testAdminID, circ.ID, NewMember{
			DisplayName:      "member",
			TelegramID:       int64(1000 + i),
			AccountCreatedAt: h.clock.Now().AddDate(-1, 0, i),
		})
		if err != nil {
			h.t.Fatalf("AddMember(%d) error = %v", i, err)
		}
		h.trust.scores[m.ID] = float64(100 - i)
		members = append(members, m)
	}
	return circ, members
}

func (h *harness) activate(circleID uuid.UUID, in RotationInput) *cycle.Cycle {
	h.t.Helper()
	_, c, err := h.engine.Admin.ActivateCircle(h.ctx, testAdminID, circleID, in)
	if err != nil {
		h.t.Fatalf("ActivateCircle() error = %v", err)
	}
	return c
}

func (h *harness) pay(cycleID, memberID uuid.UUID, amount, ref string) (*cycle.Contribution, Outcome, error) {
	return h.engine.RecordPayment(h.ctx, PaymentInput{
		CycleID:    cycleID,
		MemberID:   memberID,
		Amount:     dec(amount),
		PaymentRef: ref,
		PaidAt:     h.clock.Now(),
	})
}

func (h *harness) mustPay(cycleID, memberID uuid.UUID, amount, ref string) *cycle.Contribution {
	h.t.Helper()
	c, _, err := h.pay(cycleID, memberID, amount, ref)
	if err != nil {
		h.t.Fatalf("RecordPayment(%s) error = %v", ref, err)
	}
	return c
}

func (h *harness) cycle(id uuid.UUID) *cycle.Cycle {
	h.t.Helper()
	c, err := h.cycles.GetCycle(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetCycle() error = %v", err)
	}
	return c
}

func (h *harness) circle(id uuid.UUID) *circle.Circle {
	h.t.Helper()
	c, err := h.circles.GetByID(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetByID() error = %v", err)
	}
	return c
}

func (h *harness) tick() TickReport {
	h.t.Helper()
	rep, err := h.engine.Tick(h.ctx)
	if err != nil {
		h.t.Fatalf("Tick() error = %v", err)
	}
	return rep
}

func eventPath(t *testing.T, h *harness, cycleID uuid.UUID) []cycle.Status {
	t.Helper()
	events, err := h.cycles.ListEvents(h.ctx, cycleID)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	path := make([]cycle.Status, 0, len(events))
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			t.Fatalf("event %d has sequence %d", i, e.Sequence)
		}
		path = append(path, e.To)
	}
	return path
}

func samePath(got, want []cycle.Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
