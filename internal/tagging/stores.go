package tagging

import (
	"context"
	"time"
)

// User is the identity a UID resolves to.
type User struct {
	ID     string
	Name   string
	Role   Role
	Points int
}

// UIDRegistration maps a card UID to a user. UserID is empty while the
// registration is pending; once linked the mapping is treated as stable.
type UIDRegistration struct {
	UID          string
	UserID       string
	Role         Role
	RegisteredAt time.Time
	LastUsedAt   time.Time
}

// Reservation status values this engine touches.
const (
	ReservationConfirmed = "CONFIRMED"
	ReservationAttended  = "ATTENDED"
)

// Reservation is an external entity; the engine only moves
// CONFIRMED rows to ATTENDED.
type Reservation struct {
	ID        string
	Day       string
	StudentID string
	TeacherID string
	Status    string
}

// DayRecord is the single row per (user, day): an attendance record for
// students and teachers, a work log for staff. CheckOutAt is nil until a
// checkout commits.
type DayRecord struct {
	UserID       string
	Day          string
	CheckInAt    time.Time
	CheckOutAt   *time.Time
	Status       string
	PointsEarned int
}

// LogEntry is one append-only tagging-log row. Every tap outcome gets one,
// including rejections and no-ops.
type LogEntry struct {
	ID            string
	UID           string
	UserID        string
	Role          Role
	Action        Action
	At            time.Time
	DeviceType    string
	Location      string
	ReservationID string
	PointsAwarded int
	Message       string
}

// LogFilter narrows List calls on the tagging log.
type LogFilter struct {
	UID    string
	UserID string
	Action Action
	Limit  int
	Offset int
}

// Registry resolves and registers UIDs.
type Registry interface {
	// Resolve returns nil when the UID has never been seen.
	Resolve(ctx context.Context, uid string) (*UIDRegistration, error)
	// CreatePending records a never-seen UID; re-creating an existing
	// pending UID is a no-op.
	CreatePending(ctx context.Context, uid string, at time.Time) error
}

// IdentityStore is the read-only user lookup.
type IdentityStore interface {
	// User returns nil when no user row backs the id.
	User(ctx context.Context, userID string) (*User, error)
}

// ReservationStore reads today's confirmable reservation.
type ReservationStore interface {
	// ConfirmedForStudent returns nil when the student has no CONFIRMED
	// reservation for the day.
	ConfirmedForStudent(ctx context.Context, studentID, day string) (*Reservation, error)
}

// DayRecordStore reads the one-row-per-(user, day) state. All writes go
// through the Ledger.
type DayRecordStore interface {
	Attendance(ctx context.Context, userID, day string) (*DayRecord, error)
	WorkLog(ctx context.Context, userID, day string) (*DayRecord, error)
}

// AuditStore appends and lists tagging-log rows outside of ledger commits
// (prompts, rejections, no-ops). Committed outcomes carry their log row
// inside the transaction instead.
type AuditStore interface {
	Append(ctx context.Context, entry LogEntry) error
	List(ctx context.Context, f LogFilter) ([]LogEntry, error)
}

// Closure sets the checkout time on an open day record.
type Closure struct {
	UserID string
	Day    string
	At     time.Time
}

// ReservationClaim scopes the CONFIRMED to ATTENDED transition to the
// student and day the confirm call is for, so a confirm carrying someone
// else's reservation id cannot transition it.
type ReservationClaim struct {
	ID        string
	StudentID string
	Day       string
}

// CommitSet describes one atomic ledger transaction. Log is mandatory;
// everything else is applied only when set. All effects commit together
// or none do.
type CommitSet struct {
	Attendance      *DayRecord
	WorkLog         *DayRecord
	CloseAttendance *Closure
	CloseWorkLog    *Closure
	Reservation     *ReservationClaim
	PointsUserID    string
	PointsDelta     int
	TouchUID        string
	Log             LogEntry
}

// Ledger applies a CommitSet atomically. A duplicate day row yields
// ErrAlreadyTagged; a reservation not currently CONFIRMED, or one that
// does not belong to the claiming student and day, yields
// ErrReservationState. Point increments must be applied as a single
// in-database increment, never read-then-write.
type Ledger interface {
	Commit(ctx context.Context, cs CommitSet) error
}

// Stores bundles the injected collaborators a Service needs.
type Stores struct {
	Registry     Registry
	Identity     IdentityStore
	Reservations ReservationStore
	Days         DayRecordStore
	Audit        AuditStore
	Ledger       Ledger
}
