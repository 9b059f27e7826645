package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"circle_cycle_engine/internal/app"
	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// AdminActions is the operator surface of the engine.
type AdminActions interface {
	CreateCircle(ctx context.Context, performingAdminID int64, in app.NewCircle) (*circle.Circle, error)
	AddMember(ctx context.Context, performingAdminID int64, circleID uuid.UUID, in app.NewMember) (*circle.Member, error)
	ActivateCircle(ctx context.Context, performingAdminID int64, circleID uuid.UUID, in app.RotationInput) (*circle.RotationAssignment, *cycle.Cycle, error)
	CancelCircle(ctx context.Context, performingAdminID int64, circleID uuid.UUID, reason string) error
	SkipCycle(ctx context.Context, performingAdminID int64, cycleID uuid.UUID, reason string) (bool, error)
	CancelCycle(ctx context.Context, performingAdminID int64, cycleID uuid.UUID, reason string) (bool, error)
	ExcuseContribution(ctx context.Context, performingAdminID int64, cycleID, memberID uuid.UUID, reason string) (app.Outcome, error)
	OverridePayout(ctx context.Context, performingAdminID int64, cycleID uuid.UUID, transferRef, reason string) error
	RetryPayout(ctx context.Context, performingAdminID int64, cycleID uuid.UUID) error
	ResolvePayout(ctx context.Context, performingAdminID int64, cycleID uuid.UUID, paid bool, transferRef, reason string) (cycle.Status, error)
	OverrideRotation(ctx context.Context, performingAdminID int64, circleID uuid.UUID, fromCycle int, recipients []uuid.UUID, reason string) (*circle.RotationOverride, error)
}

// PaymentRecorder records a payment confirmed outside the payment intake.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, in app.PaymentInput) (*cycle.Contribution, app.Outcome, error)
}

// Reports answers status queries.
type Reports interface {
	CircleReport(ctx context.Context, circleID uuid.UUID) (*app.CircleReport, error)
}

// usageError is a malformed command. A non-empty value names the bad argument.
type usageError string

func (e usageError) Error() string { return "invalid command format: " + string(e) }

const errUsage = usageError("")

type commandFunc func(ctx context.Context, senderID int64, args []string) (string, error)

type command struct {
	usage string
	help  string
	run   commandFunc
}

// AdminHandlers runs operator commands. Every command is restricted to the
// configured admin.
type AdminHandlers struct {
	admin    AdminActions
	payments PaymentRecorder
	reports  Reports
	adminID  int64
	now      func() time.Time
	logger   *logrus.Entry
	commands map[string]command
}

func NewAdminHandlers(admin AdminActions, payments PaymentRecorder, reports Reports, adminID int64, logger *logrus.Entry) *AdminHandlers {
	h := &AdminHandlers{
		admin:    admin,
		payments: payments,
		reports:  reports,
		adminID:  adminID,
		now:      time.Now,
		logger:   logger,
	}
	h.commands = map[string]command{
		"/create_circle": {
			"/create_circle amount=<n> frequency=<daily|weekly|biweekly|monthly> members=<n> [cycles=<n>] [rotation=<trust_score|random|manual>] [grace=<days>] [shortfall=<skip_cycle|reduced_payout>] [cover=yes] [reminder=<days>] <name>",
			"Create a circle in forming status.",
			h.createCircle,
		},
		"/add_member":        {"/add_member <circle_id> <telegram_id> <name>", "Add a member to a forming circle.", h.addMember},
		"/activate":          {"/activate <circle_id> [seed=<n>] [order=<member_id,...>]", "Compute the rotation and open cycle 1.", h.activate},
		"/circle_status":     {"/circle_status <circle_id>", "Show cycles, collections and defaults.", h.circleStatus},
		"/record_payment":    {"/record_payment <cycle_id> <member_id> <amount> <payment_ref>", "Record a confirmed contribution payment.", h.recordPayment},
		"/skip_cycle":        {"/skip_cycle <cycle_id> <reason>", "Withhold the payout of a cycle.", h.skipCycle},
		"/cancel_cycle":      {"/cancel_cycle <cycle_id> <reason>", "Cancel one cycle.", h.cancelCycle},
		"/cancel_circle":     {"/cancel_circle <circle_id> <reason>", "Cancel a circle; a payout under way still completes.", h.cancelCircle},
		"/excuse":            {"/excuse <cycle_id> <member_id> <reason>", "Release a member from a cycle's contribution.", h.excuse},
		"/override_payout":   {"/override_payout <cycle_id> <transfer_ref> <reason>", "Close a failed payout settled outside the rail.", h.overridePayout},
		"/retry_payout":      {"/retry_payout <cycle_id>", "Re-arm an escalated payout and send it now.", h.retryPayout},
		"/resolve_payout":    {"/resolve_payout <cycle_id> <paid <transfer_ref>|failed> <reason>", "Settle a payout stuck in flight after checking the rail.", h.resolvePayout},
		"/override_rotation": {"/override_rotation <circle_id> <from_cycle> <member_id,...> <reason>", "Reassign recipients of future cycles.", h.overrideRotation},
	}
	return h
}

// Register wires every admin command and the escalation buttons into the bot.
func (h *AdminHandlers) Register(ctx context.Context, b *telebot.Bot) {
	for name := range h.commands {
		b.Handle(name, func(c telebot.Context) error {
			return c.Send(h.Run(ctx, name, c.Sender().ID, c.Args()))
		})
	}
	b.Handle(&telebot.Btn{Unique: btnRetryPayout}, func(c telebot.Context) error {
		return c.Respond(&telebot.CallbackResponse{Text: h.Callback(ctx, btnRetryPayout, c.Sender().ID, c.Data())})
	})
	b.Handle(&telebot.Btn{Unique: btnSkipCycle}, func(c telebot.Context) error {
		return c.Respond(&telebot.CallbackResponse{Text: h.Callback(ctx, btnSkipCycle, c.Sender().ID, c.Data())})
	})
}

// Run executes one command and returns the reply text.
func (h *AdminHandlers) Run(ctx context.Context, name string, senderID int64, args []string) string {
	handlerLogger := h.logger.WithFields(logrus.Fields{
		"handler":   name,
		"sender_id": senderID,
	})
	handlerLogger.Info("Command received")

	cmd, ok := h.commands[name]
	if !ok {
		return "Unknown command. Use /help for the list of commands."
	}
	if senderID != h.adminID {
		handlerLogger.Warn("Unauthorized access attempt")
		return "Error: you are not allowed to run this command."
	}

	reply, err := cmd.run(ctx, senderID, args)
	if err != nil {
		return h.errorReply(handlerLogger, cmd, err)
	}
	handlerLogger.Info("Command completed")
	return reply
}

// Callback handles an escalation button press.
func (h *AdminHandlers) Callback(ctx context.Context, action string, senderID int64, data string) string {
	log := h.logger.WithFields(logrus.Fields{"callback": action, "sender_id": senderID, "data": data})
	if senderID != h.adminID {
		log.Warn("Unauthorized callback")
		return "Not allowed."
	}
	cycleID, err := uuid.Parse(data)
	if err != nil {
		log.WithError(err).Warn("Bad callback data")
		return "Unknown cycle."
	}
	switch action {
	case btnRetryPayout:
		err = h.admin.RetryPayout(ctx, senderID, cycleID)
		if err == nil {
			return "Payout retry scheduled."
		}
	case btnSkipCycle:
		var immediate bool
		immediate, err = h.admin.SkipCycle(ctx, senderID, cycleID, "skipped from escalation notice")
		if err == nil && !immediate {
			return "Skip queued behind the payout in flight."
		}
		if err == nil {
			return "Cycle skipped."
		}
	default:
		return "Unknown action."
	}
	log.WithError(err).Warn("Callback action failed")
	return "Failed: " + err.Error()
}

func (h *AdminHandlers) errorReply(log *logrus.Entry, cmd command, err error) string {
	log = log.WithError(err)
	var usage usageError
	switch {
	case errors.As(err, &usage):
		log.Warn("Invalid command format")
		if usage != "" {
			return fmt.Sprintf("Invalid command format (%s). Usage: %s", string(usage), cmd.usage)
		}
		return "Invalid command format. Usage: " + cmd.usage
	case errors.Is(err, app.ErrAdminNotAuthorized):
		log.Warn("Admin not authorized (service level)")
		return "Error: you are not allowed to run this command."
	}
	switch app.Classify(err) {
	case app.ClassValidation, app.ClassConflict:
		log.Warn("Command rejected")
		return "Rejected: " + err.Error()
	default:
		log.Error("Command failed")
		return "Something went wrong: " + err.Error()
	}
}

// AdminHelp lists the admin commands.
func (h *AdminHandlers) AdminHelp() string {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Admin commands:\n\n")
	for _, name := range names {
		cmd := h.commands[name]
		fmt.Fprintf(&b, "%s\n - %s\n\n", cmd.usage, cmd.help)
	}
	b.WriteString("/help\n - Show this message.")
	return b.String()
}

func (h *AdminHandlers) createCircle(ctx context.Context, senderID int64, args []string) (string, error) {
	opts, rest := splitOptions(args)
	if len(rest) == 0 || opts["amount"] == "" || opts["frequency"] == "" || opts["members"] == "" {
		return "", errUsage
	}
	amount, err := decimal.NewFromString(opts["amount"])
	if err != nil {
		return "", fmt.Errorf("%w: %q", app.ErrInvalidAmount, opts["amount"])
	}
	members, err := atoiOption(opts, "members", 0)
	if err != nil {
		return "", err
	}
	cycles, err := atoiOption(opts, "cycles", members)
	if err != nil {
		return "", err
	}
	grace, err := atoiOption(opts, "grace", 3)
	if err != nil {
		return "", err
	}
	reminder, err := atoiOption(opts, "reminder", 1)
	if err != nil {
		return "", err
	}
	rotation := opts["rotation"]
	if rotation == "" {
		rotation = string(circle.RotationTrustScore)
	}

	c, err := h.admin.CreateCircle(ctx, senderID, app.NewCircle{
		Name:               strings.Join(rest, " "),
		ContributionAmount: amount,
		Frequency:          circle.Frequency(strings.ToLower(opts["frequency"])),
		TotalCycles:        cycles,
		MaxMembers:         members,
		RotationMethod:     circle.RotationMethod(strings.ToLower(rotation)),
		Policy: circle.Policy{
			GracePeriodDays:  grace,
			ShortfallPolicy:  circle.ShortfallPolicy(strings.ToLower(opts["shortfall"])),
			AllowCover:       isYes(opts["cover"]),
			ReminderLeadDays: reminder,
		},
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Circle %q created (ID: %s). Add %d members, then /activate it.", c.Name, c.ID, c.MaxMembers), nil
}

func (h *AdminHandlers) addMember(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 3 {
		return "", errUsage
	}
	circleID, err := parseID(args[0], app.ErrUnknownCircle)
	if err != nil {
		return "", err
	}
	telegramID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", usageError("telegram_id must be a number")
	}
	m, err := h.admin.AddMember(ctx, senderID, circleID, app.NewMember{
		DisplayName:      strings.Join(args[2:], " "),
		TelegramID:       telegramID,
		AccountCreatedAt: h.now(),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Member %s added (ID: %s).", m.DisplayName, m.ID), nil
}

func (h *AdminHandlers) activate(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 1 {
		return "", errUsage
	}
	circleID, err := parseID(args[0], app.ErrUnknownCircle)
	if err != nil {
		return "", err
	}
	opts, _ := splitOptions(args[1:])
	var in app.RotationInput
	if s, ok := opts["seed"]; ok {
		seed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return "", usageError("seed must be a number")
		}
		in.Seed = &seed
	}
	if s, ok := opts["order"]; ok {
		if in.AdminOrder, err = parseIDList(s); err != nil {
			return "", err
		}
	}
	a, c, err := h.admin.ActivateCircle(ctx, senderID, circleID, in)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Circle activated with %s rotation. Cycle %d is %s, deadline %s.",
		a.Method, c.Number, c.Status, c.DeadlineAt.Format(time.DateOnly)), nil
}

func (h *AdminHandlers) circleStatus(ctx context.Context, _ int64, args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage
	}
	circleID, err := parseID(args[0], app.ErrUnknownCircle)
	if err != nil {
		return "", err
	}
	rep, err := h.reports.CircleReport(ctx, circleID)
	if err != nil {
		return "", err
	}
	return formatReport(rep), nil
}

func (h *AdminHandlers) recordPayment(ctx context.Context, _ int64, args []string) (string, error) {
	if len(args) != 4 {
		return "", errUsage
	}
	cycleID, err := parseID(args[0], app.ErrUnknownCycle)
	if err != nil {
		return "", err
	}
	memberID, err := parseID(args[1], app.ErrUnknownMember)
	if err != nil {
		return "", err
	}
	amount, err := decimal.NewFromString(args[2])
	if err != nil {
		return "", fmt.Errorf("%w: %q", app.ErrInvalidAmount, args[2])
	}
	contrib, out, err := h.payments.RecordPayment(ctx, app.PaymentInput{
		CycleID:    cycleID,
		MemberID:   memberID,
		Amount:     amount,
		PaymentRef: args[3],
		PaidAt:     h.now(),
	})
	if err != nil {
		return "", err
	}
	reply := fmt.Sprintf("Payment recorded: %s of %s paid (%s). Cycle is %s.",
		contrib.ContributedAmount.StringFixed(2), contrib.ExpectedAmount.StringFixed(2), contrib.Status, out.Status)
	if out.PayoutDue {
		reply += " Payout started."
	}
	return reply, nil
}

func (h *AdminHandlers) skipCycle(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 2 {
		return "", errUsage
	}
	cycleID, err := parseID(args[0], app.ErrUnknownCycle)
	if err != nil {
		return "", err
	}
	immediate, err := h.admin.SkipCycle(ctx, senderID, cycleID, strings.Join(args[1:], " "))
	if err != nil {
		return "", err
	}
	if !immediate {
		return "A payout is in flight; the cycle will be skipped if that attempt fails.", nil
	}
	return "Cycle skipped.", nil
}

func (h *AdminHandlers) cancelCycle(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 2 {
		return "", errUsage
	}
	cycleID, err := parseID(args[0], app.ErrUnknownCycle)
	if err != nil {
		return "", err
	}
	immediate, err := h.admin.CancelCycle(ctx, senderID, cycleID, strings.Join(args[1:], " "))
	if err != nil {
		return "", err
	}
	if !immediate {
		return "A payout is in flight; the cycle will be cancelled once its result is recorded.", nil
	}
	return "Cycle cancelled.", nil
}

func (h *AdminHandlers) cancelCircle(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 2 {
		return "", errUsage
	}
	circleID, err := parseID(args[0], app.ErrUnknownCircle)
	if err != nil {
		return "", err
	}
	if err := h.admin.CancelCircle(ctx, senderID, circleID, strings.Join(args[1:], " ")); err != nil {
		return "", err
	}
	return "Circle cancelled.", nil
}

func (h *AdminHandlers) excuse(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 3 {
		return "", errUsage
	}
	cycleID, err := parseID(args[0], app.ErrUnknownCycle)
	if err != nil {
		return "", err
	}
	memberID, err := parseID(args[1], app.ErrUnknownMember)
	if err != nil {
		return "", err
	}
	out, err := h.admin.ExcuseContribution(ctx, senderID, cycleID, memberID, strings.Join(args[2:], " "))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Contribution excused. Cycle is %s.", out.Status), nil
}

func (h *AdminHandlers) overridePayout(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 3 {
		return "", errUsage
	}
	cycleID, err := parseID(args[0], app.ErrUnknownCycle)
	if err != nil {
		return "", err
	}
	if err := h.admin.OverridePayout(ctx, senderID, cycleID, args[1], strings.Join(args[2:], " ")); err != nil {
		return "", err
	}
	return "Payout marked as completed and cycle closed.", nil
}

func (h *AdminHandlers) retryPayout(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage
	}
	cycleID, err := parseID(args[0], app.ErrUnknownCycle)
	if err != nil {
		return "", err
	}
	if err := h.admin.RetryPayout(ctx, senderID, cycleID); err != nil {
		return "", err
	}
	return "Payout retry scheduled.", nil
}

func (h *AdminHandlers) resolvePayout(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 3 {
		return "", errUsage
	}
	cycleID, err := parseID(args[0], app.ErrUnknownCycle)
	if err != nil {
		return "", err
	}
	var paid bool
	var transferRef, reason string
	switch args[1] {
	case "paid":
		if len(args) < 4 {
			return "", usageError("paid needs a transfer_ref and a reason")
		}
		paid, transferRef, reason = true, args[2], strings.Join(args[3:], " ")
	case "failed":
		reason = strings.Join(args[2:], " ")
	default:
		return "", usageError("outcome must be paid or failed")
	}
	status, err := h.admin.ResolvePayout(ctx, senderID, cycleID, paid, transferRef, reason)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Payout resolved. Cycle is %s.", status), nil
}

func (h *AdminHandlers) overrideRotation(ctx context.Context, senderID int64, args []string) (string, error) {
	if len(args) < 4 {
		return "", errUsage
	}
	circleID, err := parseID(args[0], app.ErrUnknownCircle)
	if err != nil {
		return "", err
	}
	fromCycle, err := strconv.Atoi(args[1])
	if err != nil {
		return "", usageError("from_cycle must be a number")
	}
	recipients, err := parseIDList(args[2])
	if err != nil {
		return "", err
	}
	o, err := h.admin.OverrideRotation(ctx, senderID, circleID, fromCycle, recipients, strings.Join(args[3:], " "))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Rotation overridden from cycle %d (%d slots).", o.FromCycle, len(o.Next)), nil
}

func formatReport(rep *app.CircleReport) string {
	var b strings.Builder
	c := rep.Circle
	fmt.Fprintf(&b, "--- %s ---\n", c.Name)
	fmt.Fprintf(&b, "Status: %s, cycle %d of %d, %s %s per member\n",
		c.Status, c.CurrentCycleNumber, c.TotalCycles, c.ContributionAmount.StringFixed(2), c.Frequency)
	fmt.Fprintf(&b, "Members: %d/%d\n", len(rep.Members), c.MaxMembers)

	names := make(map[uuid.UUID]string, len(rep.Members))
	for _, m := range rep.Members {
		names[m.ID] = m.DisplayName
	}
	for _, cr := range rep.Cycles {
		settled := 0
		for _, ct := range cr.Contributions {
			if ct.Settled() {
				settled++
			}
		}
		recipient := names[cr.Cycle.RecipientID]
		if recipient == "" {
			recipient = cr.Cycle.RecipientID.String()
		}
		fmt.Fprintf(&b, "#%d %s → %s: %s collected, %d/%d settled\n",
			cr.Cycle.Number, cr.Cycle.Status, recipient, cr.Cycle.CollectedAmount.StringFixed(2), settled, len(cr.Contributions))
	}
	if len(rep.Defaults) > 0 {
		fmt.Fprintf(&b, "Defaults: %d\n", len(rep.Defaults))
	}
	return b.String()
}

// splitOptions separates key=value arguments from plain words.
func splitOptions(args []string) (map[string]string, []string) {
	opts := make(map[string]string)
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok && k != "" {
			opts[strings.ToLower(k)] = v
			continue
		}
		rest = append(rest, a)
	}
	return opts, rest
}

func atoiOption(opts map[string]string, key string, def int) (int, error) {
	s, ok := opts[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, usageError(key + " must be a number")
	}
	return v, nil
}

func isYes(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "y", "true", "1", "on":
		return true
	}
	return false
}

func parseID(s string, notFound error) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not an id", notFound, s)
	}
	return id, nil
}

func parseIDList(s string) ([]uuid.UUID, error) {
	parts := strings.Split(s, ",")
	out := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		id, err := parseID(strings.TrimSpace(p), app.ErrUnknownMember)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
