package tagging

import (
	"context"
	"sync"
	"time"
)

// fakeStores is an in-memory implementation of every store interface plus
// the Ledger. Commit holds one lock across precondition checks and
// writes, mirroring the all-or-nothing transaction the Postgres repo runs.
type fakeStores struct {
	mu           sync.Mutex
	regs         map[string]*UIDRegistration
	users        map[string]*User
	reservations map[string]*Reservation
	attendance   map[string]*DayRecord
	workLogs     map[string]*DayRecord
	logs         []LogEntry

	// Injectable failures for the transient-error paths.
	resolveErr error
	userErr    error
	dayErr     error
	commitErr  error
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		regs:         make(map[string]*UIDRegistration),
		users:        make(map[string]*User),
		reservations: make(map[string]*Reservation),
		attendance:   make(map[string]*DayRecord),
		workLogs:     make(map[string]*DayRecord),
	}
}

func dayKey(userID, day string) string { return userID + "|" + day }

func (f *fakeStores) addLinkedUser(uid string, u User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = &u
	f.regs[uid] = &UIDRegistration{UID: uid, UserID: u.ID, Role: u.Role, RegisteredAt: time.Now()}
}

func (f *fakeStores) Resolve(_ context.Context, uid string) (*UIDRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	reg, ok := f.regs[uid]
	if !ok {
		return nil, nil
	}
	cp := *reg
	return &cp, nil
}

func (f *fakeStores) CreatePending(_ context.Context, uid string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regs[uid]; ok {
		return nil
	}
	f.regs[uid] = &UIDRegistration{UID: uid, RegisteredAt: at, LastUsedAt: at}
	return nil
}

func (f *fakeStores) User(_ context.Context, userID string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return nil, f.userErr
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStores) ConfirmedForStudent(_ context.Context, studentID, day string) (*Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reservations {
		if r.StudentID == studentID && r.Day == day && r.Status == ReservationConfirmed {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStores) Attendance(_ context.Context, userID, day string) (*DayRecord, error) {
	return f.readDay(f.attendance, userID, day)
}

func (f *fakeStores) WorkLog(_ context.Context, userID, day string) (*DayRecord, error) {
	return f.readDay(f.workLogs, userID, day)
}

func (f *fakeStores) readDay(m map[string]*DayRecord, userID, day string) (*DayRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dayErr != nil {
		return nil, f.dayErr
	}
	rec, ok := m[dayKey(userID, day)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStores) Append(_ context.Context, entry LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStores) List(_ context.Context, fl LogFilter) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LogEntry
	for _, e := range f.logs {
		if fl.UID != "" && e.UID != fl.UID {
			continue
		}
		if fl.UserID != "" && e.UserID != fl.UserID {
			continue
		}
		if fl.Action != "" && e.Action != fl.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStores) Commit(_ context.Context, cs CommitSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}

	// Precondition phase: nothing is written until every effect is known
	// to apply.
	if cs.Attendance != nil {
		if _, ok := f.attendance[dayKey(cs.Attendance.UserID, cs.Attendance.Day)]; ok {
			return ErrAlreadyTagged
		}
	}
	if cs.WorkLog != nil {
		if _, ok := f.workLogs[dayKey(cs.WorkLog.UserID, cs.WorkLog.Day)]; ok {
			return ErrAlreadyTagged
		}
	}
	if cs.CloseAttendance != nil {
		rec, ok := f.attendance[dayKey(cs.CloseAttendance.UserID, cs.CloseAttendance.Day)]
		if !ok || rec.CheckOutAt != nil {
			return ErrAlreadyTagged
		}
	}
	if cs.CloseWorkLog != nil {
		rec, ok := f.workLogs[dayKey(cs.CloseWorkLog.UserID, cs.CloseWorkLog.Day)]
		if !ok || rec.CheckOutAt != nil {
			return ErrAlreadyTagged
		}
	}
	if cs.Reservation != nil {
		res, ok := f.reservations[cs.Reservation.ID]
		if !ok || res.Status != ReservationConfirmed ||
			res.StudentID != cs.Reservation.StudentID || res.Day != cs.Reservation.Day {
			return ErrReservationState
		}
	}

	// Apply phase.
	if cs.Attendance != nil {
		cp := *cs.Attendance
		f.attendance[dayKey(cp.UserID, cp.Day)] = &cp
	}
	if cs.WorkLog != nil {
		cp := *cs.WorkLog
		f.workLogs[dayKey(cp.UserID, cp.Day)] = &cp
	}
	if cs.CloseAttendance != nil {
		at := cs.CloseAttendance.At
		f.attendance[dayKey(cs.CloseAttendance.UserID, cs.CloseAttendance.Day)].CheckOutAt = &at
	}
	if cs.CloseWorkLog != nil {
		at := cs.CloseWorkLog.At
		f.workLogs[dayKey(cs.CloseWorkLog.UserID, cs.CloseWorkLog.Day)].CheckOutAt = &at
	}
	if cs.Reservation != nil {
		f.reservations[cs.Reservation.ID].Status = ReservationAttended
	}
	if cs.PointsDelta != 0 && cs.PointsUserID != "" {
		if u, ok := f.users[cs.PointsUserID]; ok {
			u.Points += cs.PointsDelta
		}
	}
	if cs.TouchUID != "" {
		if reg, ok := f.regs[cs.TouchUID]; ok {
			reg.LastUsedAt = cs.Log.At
		}
	}
	f.logs = append(f.logs, cs.Log)
	return nil
}

func (f *fakeStores) logCount(action Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.logs {
		if e.Action == action {
			n++
		}
	}
	return n
}

func (f *fakeStores) attendanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attendance)
}

type fakeNotifier struct {
	mu   sync.Mutex
	uids []string
}

func (n *fakeNotifier) NotifyPending(_ context.Context, uid string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uids = append(n.uids, uid)
	return nil
}

func (f *fakeStores) stores() Stores {
	return Stores{
		Registry:     f,
		Identity:     f,
		Reservations: f,
		Days:         f,
		Audit:        f,
		Ledger:       f,
	}
}
