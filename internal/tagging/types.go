package tagging

import (
	"errors"
	"fmt"
	"time"
)

// Role of the user a UID is linked to.
type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
	RoleTeacher Role = "teacher"
)

// Action classifies the business outcome of a tap.
type Action string

const (
	ActionAttendance    Action = "attendance"
	ActionCheckout      Action = "checkout"
	ActionConsultation  Action = "consultation"
	ActionPurchase      Action = "purchase"
	ActionOther         Action = "other"
	ActionAlreadyTagged Action = "already_tagged"
)

// PromptType names the decision still required from the operator.
type PromptType string

const (
	PromptAttendanceConfirm PromptType = "attendance_confirm"
	PromptNoReservation     PromptType = "no_reservation"
	PromptCheckoutConfirm   PromptType = "checkout_confirm"
	PromptMultipleTag       PromptType = "multiple_tag"
	PromptRegistration      PromptType = "registration"
)

// Device types accepted from readers.
const (
	DeviceKioskA = "kiosk-A"
	DeviceKioskB = "kiosk-B"
	DeviceMobile = "mobile"
)

// TapEvent is one physical card tap as handed over by a reader device.
type TapEvent struct {
	UID        string
	DeviceType string
	Location   string
	At         time.Time
}

// ConfirmRequest resolves a previously returned confirmation prompt.
// Points is caller-supplied; the engine does not derive the amount.
type ConfirmRequest struct {
	UID           string
	ReservationID string
	Points        int
	DeviceType    string
	Location      string
}

// Decision is the outcome of a role handler. Exactly one of the four
// variants below implements it, so transport code has to switch on the
// variant and cannot commit past a pending confirmation.
type Decision interface{ decision() }

// Rejected is a business rejection; nothing was written.
type Rejected struct {
	Reason string
}

// NeedsConfirmation asks the operator for an explicit follow-up call.
// Nothing is written until that call arrives.
type NeedsConfirmation struct {
	Prompt  PromptType
	Action  Action
	Payload map[string]any
}

// AlreadyTagged is the idempotent no-op outcome: today's record exists.
type AlreadyTagged struct{}

// Committed means the ledger transaction went through.
type Committed struct {
	Action Action
	Data   map[string]any
}

func (Rejected) decision()          {}
func (NeedsConfirmation) decision() {}
func (AlreadyTagged) decision()     {}
func (Committed) decision()         {}

// Result is the envelope returned to the kiosk.
type Result struct {
	Success           bool           `json:"success"`
	Message           string         `json:"message"`
	Action            Action         `json:"action"`
	Data              map[string]any `json:"data,omitempty"`
	NeedsConfirmation bool           `json:"needs_confirmation,omitempty"`
	PromptType        PromptType     `json:"prompt_type,omitempty"`
}

var (
	// ErrAlreadyTagged surfaces a (user, day) uniqueness conflict from the
	// ledger; concurrent first taps collapse onto it.
	ErrAlreadyTagged = errors.New("already tagged today")

	// ErrReservationState means the reservation was not in a confirmable
	// state when the transition ran.
	ErrReservationState = errors.New("reservation not in CONFIRMED state")

	// ErrTransient marks reader/network/storage timeouts. Callers must not
	// auto-retry: a retry can look like a second, ambiguous tap.
	ErrTransient = errors.New("transient failure")
)

// transient wraps a store error into the transient class.
func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

// dayOf buckets a timestamp into a calendar day in the kiosk timezone.
func dayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
