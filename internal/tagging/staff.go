package tagging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// staffHandler records work logs. Check-in commits on the tap itself; a
// second tap inside the confirmation window is treated as a possible
// accidental double-tap and only proposes, while a later tap checks out
// directly.
type staffHandler struct {
	stores Stores
	loc    *time.Location
	now    func() time.Time
	window time.Duration
}

func (h *staffHandler) Tap(ctx context.Context, evt TapEvent, user *User) (Decision, error) {
	day := dayOf(evt.At, h.loc)

	wl, err := h.stores.Days.WorkLog(ctx, user.ID, day)
	if err != nil {
		return nil, transient("read work log", err)
	}

	if wl == nil {
		return h.checkIn(ctx, evt, user, day)
	}
	if wl.CheckOutAt != nil {
		return AlreadyTagged{}, nil
	}

	elapsed := evt.At.Sub(wl.CheckInAt)
	if elapsed <= h.window {
		return NeedsConfirmation{
			Prompt: PromptCheckoutConfirm,
			Action: ActionCheckout,
			Payload: map[string]any{
				"checked_in_at":   wl.CheckInAt,
				"elapsed_minutes": int(elapsed.Minutes()),
			},
		}, nil
	}
	return h.checkOut(ctx, evt.UID, evt.DeviceType, evt.Location, user, day, evt.At)
}

func (h *staffHandler) Confirm(ctx context.Context, req ConfirmRequest, user *User) (Decision, error) {
	now := h.now()
	day := dayOf(now, h.loc)

	wl, err := h.stores.Days.WorkLog(ctx, user.ID, day)
	if err != nil {
		return nil, transient("read work log", err)
	}
	if wl == nil {
		return Rejected{Reason: "no work log to check out of"}, nil
	}
	if wl.CheckOutAt != nil {
		return AlreadyTagged{}, nil
	}
	return h.checkOut(ctx, req.UID, req.DeviceType, req.Location, user, day, now)
}

func (h *staffHandler) checkIn(ctx context.Context, evt TapEvent, user *User, day string) (Decision, error) {
	cs := CommitSet{
		WorkLog: &DayRecord{
			UserID:    user.ID,
			Day:       day,
			CheckInAt: evt.At,
			Status:    "working",
		},
		TouchUID: evt.UID,
		Log: LogEntry{
			ID:         uuid.NewString(),
			UID:        evt.UID,
			UserID:     user.ID,
			Role:       user.Role,
			Action:     ActionAttendance,
			At:         evt.At,
			DeviceType: evt.DeviceType,
			Location:   evt.Location,
			Message:    "work started",
		},
	}
	switch err := h.stores.Ledger.Commit(ctx, cs); {
	case err == nil:
		return Committed{Action: ActionAttendance, Data: map[string]any{"started_at": evt.At}}, nil
	case errors.Is(err, ErrAlreadyTagged):
		// A concurrent tap won the insert race; today is recorded either way.
		return AlreadyTagged{}, nil
	default:
		return nil, transient("commit work log", err)
	}
}

func (h *staffHandler) checkOut(ctx context.Context, uid, deviceType, location string, user *User, day string, at time.Time) (Decision, error) {
	cs := CommitSet{
		CloseWorkLog: &Closure{UserID: user.ID, Day: day, At: at},
		TouchUID:     uid,
		Log: LogEntry{
			ID:         uuid.NewString(),
			UID:        uid,
			UserID:     user.ID,
			Role:       user.Role,
			Action:     ActionCheckout,
			At:         at,
			DeviceType: deviceType,
			Location:   location,
			Message:    "work ended",
		},
	}
	switch err := h.stores.Ledger.Commit(ctx, cs); {
	case err == nil:
		return Committed{Action: ActionCheckout, Data: map[string]any{"ended_at": at}}, nil
	case errors.Is(err, ErrAlreadyTagged):
		return AlreadyTagged{}, nil
	default:
		return nil, transient("commit checkout", err)
	}
}
