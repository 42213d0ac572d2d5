package tagging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RoleHandler is one role's decision logic. Tap may commit directly
// (teacher toggle, staff late checkout) or return a prompt; Confirm
// resolves a prompt returned earlier the same day.
type RoleHandler interface {
	Tap(ctx context.Context, evt TapEvent, user *User) (Decision, error)
	Confirm(ctx context.Context, req ConfirmRequest, user *User) (Decision, error)
}

// RegistrationNotifier signals the external registration UI that a new
// pending UID exists. Best effort; failures never block the tap.
type RegistrationNotifier interface {
	NotifyPending(ctx context.Context, uid string) error
}

// Options tune a Service. Zero values select the defaults.
type Options struct {
	// CheckoutWindow is how soon after a staff check-in a second tap is
	// treated as possibly accidental. Default 30 minutes.
	CheckoutWindow time.Duration
	// Location buckets timestamps into calendar days. Default time.Local.
	Location *time.Location
	Notifier RegistrationNotifier
	Logger   *zap.Logger
	// Now is swappable for tests.
	Now func() time.Time
}

// Service turns tap events into business outcomes. It is stateless: all
// per-day state lives in the injected stores, so any number of instances
// can serve the same kiosks.
type Service struct {
	stores   Stores
	handlers map[Role]RoleHandler
	window   time.Duration
	loc      *time.Location
	notifier RegistrationNotifier
	log      *zap.Logger
	now      func() time.Time
}

// NewService builds a service with the default role handler table.
func NewService(st Stores, opts Options) *Service {
	if opts.CheckoutWindow <= 0 {
		opts.CheckoutWindow = 30 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		stores:   st,
		window:   opts.CheckoutWindow,
		loc:      opts.Location,
		notifier: opts.Notifier,
		log:      opts.Logger,
		now:      opts.Now,
	}
	s.handlers = map[Role]RoleHandler{
		RoleStudent: &studentHandler{stores: st, loc: opts.Location, now: opts.Now},
		RoleStaff:   &staffHandler{stores: st, loc: opts.Location, now: opts.Now, window: opts.CheckoutWindow},
		RoleTeacher: &teacherHandler{stores: st, loc: opts.Location, now: opts.Now},
	}
	return s
}

// Tap classifies one tap event. Unknown UIDs get a registration prompt,
// known UIDs are dispatched to their role handler.
func (s *Service) Tap(ctx context.Context, evt TapEvent) (Result, error) {
	if evt.At.IsZero() {
		evt.At = s.now()
	}

	reg, err := s.stores.Registry.Resolve(ctx, evt.UID)
	if err != nil {
		return Result{}, transient("resolve uid", err)
	}

	if reg == nil || reg.UserID == "" {
		return s.registrationPrompt(ctx, evt)
	}

	user, err := s.stores.Identity.User(ctx, reg.UserID)
	if err != nil {
		return Result{}, transient("load user", err)
	}
	if user == nil {
		// Linked UID without a backing user row: data inconsistency.
		d := Rejected{Reason: "card is linked to a missing user record"}
		s.audit(ctx, s.logEntry(evt, reg, d))
		tapsTotal.WithLabelValues(string(reg.Role), "rejected").Inc()
		return resultOf(d), nil
	}

	h, ok := s.handlers[user.Role]
	if !ok {
		d := Rejected{Reason: "no handler for role " + string(user.Role)}
		s.audit(ctx, s.logEntry(evt, reg, d))
		tapsTotal.WithLabelValues(string(user.Role), "rejected").Inc()
		return resultOf(d), nil
	}

	d, err := h.Tap(ctx, evt, user)
	if err != nil {
		return Result{}, err
	}
	s.auditUncommitted(ctx, d, s.userLogEntry(evt.UID, evt.DeviceType, evt.Location, evt.At, user, d))
	tapsTotal.WithLabelValues(string(user.Role), outcomeLabel(d)).Inc()
	return resultOf(d), nil
}

// Confirm resolves a confirmation prompt. It carries no server-side state
// from the propose call; everything is re-read from the stores.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (Result, error) {
	at := s.now()

	reg, err := s.stores.Registry.Resolve(ctx, req.UID)
	if err != nil {
		return Result{}, transient("resolve uid", err)
	}
	if reg == nil || reg.UserID == "" {
		return resultOf(Rejected{Reason: "cannot confirm an unregistered card"}), nil
	}

	user, err := s.stores.Identity.User(ctx, reg.UserID)
	if err != nil {
		return Result{}, transient("load user", err)
	}
	if user == nil {
		return resultOf(Rejected{Reason: "card is linked to a missing user record"}), nil
	}

	h, ok := s.handlers[user.Role]
	if !ok {
		return resultOf(Rejected{Reason: "no handler for role " + string(user.Role)}), nil
	}

	d, err := h.Confirm(ctx, req, user)
	if err != nil {
		return Result{}, err
	}
	s.auditUncommitted(ctx, d, s.userLogEntry(req.UID, req.DeviceType, req.Location, at, user, d))
	confirmsTotal.WithLabelValues(string(user.Role), outcomeLabel(d)).Inc()
	return resultOf(d), nil
}

// Logs lists tagging-log rows for the operator views.
func (s *Service) Logs(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	return s.stores.Audit.List(ctx, f)
}

// DayRecord returns today's attendance or work-log row for a user.
func (s *Service) DayRecord(ctx context.Context, userID string, role Role) (*DayRecord, error) {
	day := dayOf(s.now(), s.loc)
	if role == RoleStaff {
		return s.stores.Days.WorkLog(ctx, userID, day)
	}
	return s.stores.Days.Attendance(ctx, userID, day)
}

// registrationPrompt records a never-seen UID as pending and guides the
// operator to the registration flow. Re-tapping a pending UID returns the
// same prompt without creating duplicates.
func (s *Service) registrationPrompt(ctx context.Context, evt TapEvent) (Result, error) {
	if err := s.stores.Registry.CreatePending(ctx, evt.UID, evt.At); err != nil {
		return Result{}, transient("create pending registration", err)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyPending(ctx, evt.UID); err != nil {
			s.log.Warn("registration notify failed", zap.String("uid", evt.UID), zap.Error(err))
		}
	}
	s.audit(ctx, LogEntry{
		UID:        evt.UID,
		Action:     ActionOther,
		At:         evt.At,
		DeviceType: evt.DeviceType,
		Location:   evt.Location,
		Message:    "registration pending",
	})
	tapsTotal.WithLabelValues("unknown", "registration").Inc()
	return Result{
		Success:           true,
		Message:           "card not registered yet",
		Action:            ActionOther,
		Data:              map[string]any{"uid": evt.UID},
		NeedsConfirmation: true,
		PromptType:        PromptRegistration,
	}, nil
}

// auditUncommitted appends a log row for outcomes that did not run a
// ledger transaction. Committed outcomes already logged inside the commit.
func (s *Service) auditUncommitted(ctx context.Context, d Decision, entry LogEntry) {
	if _, committed := d.(Committed); committed {
		return
	}
	s.audit(ctx, entry)
}

func (s *Service) audit(ctx context.Context, entry LogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := s.stores.Audit.Append(ctx, entry); err != nil {
		s.log.Error("tagging log append failed", zap.String("uid", entry.UID), zap.Error(err))
	}
}

func (s *Service) logEntry(evt TapEvent, reg *UIDRegistration, d Decision) LogEntry {
	e := LogEntry{
		UID:        evt.UID,
		Action:     actionOf(d),
		At:         evt.At,
		DeviceType: evt.DeviceType,
		Location:   evt.Location,
		Message:    messageOf(d),
	}
	if reg != nil {
		e.UserID = reg.UserID
		e.Role = reg.Role
	}
	return e
}

func (s *Service) userLogEntry(uid, deviceType, location string, at time.Time, user *User, d Decision) LogEntry {
	return LogEntry{
		UID:        uid,
		UserID:     user.ID,
		Role:       user.Role,
		Action:     actionOf(d),
		At:         at,
		DeviceType: deviceType,
		Location:   location,
		Message:    messageOf(d),
	}
}

// resultOf maps a handler decision onto the kiosk envelope.
func resultOf(d Decision) Result {
	switch v := d.(type) {
	case Rejected:
		return Result{Success: false, Message: v.Reason, Action: ActionOther}
	case NeedsConfirmation:
		return Result{
			Success:           true,
			Message:           promptMessage(v.Prompt),
			Action:            v.Action,
			Data:              v.Payload,
			NeedsConfirmation: true,
			PromptType:        v.Prompt,
		}
	case AlreadyTagged:
		return Result{Success: true, Message: "already recorded today", Action: ActionAlreadyTagged}
	case Committed:
		return Result{Success: true, Message: commitMessage(v.Action), Action: v.Action, Data: v.Data}
	default:
		return Result{Success: false, Message: "unhandled decision", Action: ActionOther}
	}
}

func actionOf(d Decision) Action {
	switch v := d.(type) {
	case NeedsConfirmation:
		return v.Action
	case AlreadyTagged:
		return ActionAlreadyTagged
	case Committed:
		return v.Action
	default:
		return ActionOther
	}
}

func messageOf(d Decision) string {
	switch v := d.(type) {
	case Rejected:
		return v.Reason
	case NeedsConfirmation:
		return promptMessage(v.Prompt)
	case AlreadyTagged:
		return "already recorded today"
	case Committed:
		return commitMessage(v.Action)
	default:
		return ""
	}
}

func outcomeLabel(d Decision) string {
	switch d.(type) {
	case Rejected:
		return "rejected"
	case NeedsConfirmation:
		return "needs_confirmation"
	case AlreadyTagged:
		return "already_tagged"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

func promptMessage(p PromptType) string {
	switch p {
	case PromptAttendanceConfirm:
		return "confirm attendance for today's reservation"
	case PromptNoReservation:
		return "no reservation today; confirm attendance"
	case PromptCheckoutConfirm:
		return "confirm checkout"
	case PromptMultipleTag:
		return "multiple taps detected"
	case PromptRegistration:
		return "card not registered yet"
	default:
		return "confirmation required"
	}
}

func commitMessage(a Action) string {
	switch a {
	case ActionAttendance:
		return "checked in"
	case ActionCheckout:
		return "checked out"
	default:
		return "recorded"
	}
}
