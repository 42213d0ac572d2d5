package tagging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// teacherHandler is a plain two-state toggle: first tap checks in, second
// tap checks out, no confirmation gate on either. Note the asymmetry with
// the staff handler, which gates early checkouts behind a prompt.
type teacherHandler struct {
	stores Stores
	loc    *time.Location
	now    func() time.Time
}

func (h *teacherHandler) Tap(ctx context.Context, evt TapEvent, user *User) (Decision, error) {
	day := dayOf(evt.At, h.loc)

	rec, err := h.stores.Days.Attendance(ctx, user.ID, day)
	if err != nil {
		return nil, transient("read attendance", err)
	}

	if rec == nil {
		return h.commit(ctx, evt, user, CommitSet{
			Attendance: &DayRecord{
				UserID:    user.ID,
				Day:       day,
				CheckInAt: evt.At,
				Status:    "present",
			},
		}, ActionAttendance, "checked in")
	}
	if rec.CheckOutAt != nil {
		return AlreadyTagged{}, nil
	}
	return h.commit(ctx, evt, user, CommitSet{
		CloseAttendance: &Closure{UserID: user.ID, Day: day, At: evt.At},
	}, ActionCheckout, "checked out")
}

func (h *teacherHandler) Confirm(ctx context.Context, req ConfirmRequest, user *User) (Decision, error) {
	return Rejected{Reason: "teacher taps need no confirmation"}, nil
}

func (h *teacherHandler) commit(ctx context.Context, evt TapEvent, user *User, cs CommitSet, action Action, msg string) (Decision, error) {
	cs.TouchUID = evt.UID
	cs.Log = LogEntry{
		ID:         uuid.NewString(),
		UID:        evt.UID,
		UserID:     user.ID,
		Role:       user.Role,
		Action:     action,
		At:         evt.At,
		DeviceType: evt.DeviceType,
		Location:   evt.Location,
		Message:    msg,
	}
	switch err := h.stores.Ledger.Commit(ctx, cs); {
	case err == nil:
		return Committed{Action: action, Data: map[string]any{"at": evt.At}}, nil
	case errors.Is(err, ErrAlreadyTagged):
		return AlreadyTagged{}, nil
	default:
		return nil, transient("commit teacher record", err)
	}
}
