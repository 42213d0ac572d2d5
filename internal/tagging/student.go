package tagging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// studentHandler implements the two-phase student flow: a tap only
// proposes, and nothing is written until the operator confirms. A single
// tap is ambiguous (intentional arrival vs. accidental), so the commit
// waits for the second, explicit call.
type studentHandler struct {
	stores Stores
	loc    *time.Location
	now    func() time.Time
}

func (h *studentHandler) Tap(ctx context.Context, evt TapEvent, user *User) (Decision, error) {
	day := dayOf(evt.At, h.loc)

	rec, err := h.stores.Days.Attendance(ctx, user.ID, day)
	if err != nil {
		return nil, transient("read attendance", err)
	}
	if rec != nil {
		return AlreadyTagged{}, nil
	}

	res, err := h.stores.Reservations.ConfirmedForStudent(ctx, user.ID, day)
	if err != nil {
		return nil, transient("read reservation", err)
	}
	if res != nil {
		return NeedsConfirmation{
			Prompt: PromptAttendanceConfirm,
			Action: ActionAttendance,
			Payload: map[string]any{
				"reservation_id": res.ID,
				"teacher_id":     res.TeacherID,
				"date":           res.Day,
			},
		}, nil
	}
	return NeedsConfirmation{Prompt: PromptNoReservation, Action: ActionAttendance}, nil
}

func (h *studentHandler) Confirm(ctx context.Context, req ConfirmRequest, user *User) (Decision, error) {
	now := h.now()
	day := dayOf(now, h.loc)

	cs := CommitSet{
		Attendance: &DayRecord{
			UserID:       user.ID,
			Day:          day,
			CheckInAt:    now,
			Status:       "present",
			PointsEarned: req.Points,
		},
		PointsUserID: user.ID,
		PointsDelta:   req.Points,
		TouchUID:      req.UID,
		Log: LogEntry{
			ID:            uuid.NewString(),
			UID:           req.UID,
			UserID:        user.ID,
			Role:          user.Role,
			Action:        ActionAttendance,
			At:            now,
			DeviceType:    req.DeviceType,
			Location:      req.Location,
			ReservationID: req.ReservationID,
			PointsAwarded: req.Points,
			Message:       "checked in",
		},
	}
	if req.ReservationID != "" {
		cs.Reservation = &ReservationClaim{ID: req.ReservationID, StudentID: user.ID, Day: day}
	}

	switch err := h.stores.Ledger.Commit(ctx, cs); {
	case err == nil:
		return Committed{Action: ActionAttendance, Data: map[string]any{"points_earned": req.Points}}, nil
	case errors.Is(err, ErrAlreadyTagged):
		return AlreadyTagged{}, nil
	case errors.Is(err, ErrReservationState):
		return Rejected{Reason: "reservation is no longer confirmable"}, nil
	default:
		return nil, transient("commit attendance", err)
	}
}
