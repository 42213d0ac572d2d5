package tagging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists the engine's state in Postgres. It implements every
// store interface plus the Ledger; the (user_id, day) unique indexes are
// what make the check-then-create sequences race-safe.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Resolve looks a UID up; nil means never seen.
func (r *Repository) Resolve(ctx context.Context, uid string) (*UIDRegistration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT uid, COALESCE(user_id, ''), COALESCE(role, ''), registered_at, COALESCE(last_used_at, registered_at)
		FROM uid_registrations WHERE uid = $1
	`, uid)
	var reg UIDRegistration
	if err := row.Scan(&reg.UID, &reg.UserID, &reg.Role, &reg.RegisteredAt, &reg.LastUsedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &reg, nil
}

// CreatePending records a never-seen UID. Safe to call again for the same
// UID; the conflict clause keeps it a single row.
func (r *Repository) CreatePending(ctx context.Context, uid string, at time.Time) error {
	if uid == "" {
		return errors.New("uid required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO uid_registrations (uid, registered_at, last_used_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (uid) DO NOTHING
	`, uid, at)
	return err
}

// User loads one user row; nil when missing.
func (r *Repository) User(ctx context.Context, userID string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, role, points FROM users WHERE id = $1
	`, userID)
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.Points); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// ConfirmedForStudent returns the student's CONFIRMED reservation for the
// day, nil when there is none.
func (r *Repository) ConfirmedForStudent(ctx context.Context, studentID, day string) (*Reservation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, to_char(day, 'YYYY-MM-DD'), student_id, teacher_id, status
		FROM reservations
		WHERE student_id = $1 AND day = $2::date AND status = $3
		ORDER BY id LIMIT 1
	`, studentID, day, ReservationConfirmed)
	var res Reservation
	if err := row.Scan(&res.ID, &res.Day, &res.StudentID, &res.TeacherID, &res.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

// Attendance reads the attendance row for (user, day); nil when absent.
func (r *Repository) Attendance(ctx context.Context, userID, day string) (*DayRecord, error) {
	return r.dayRecord(ctx, "attendance_records", userID, day)
}

// WorkLog reads the work-log row for (user, day); nil when absent.
func (r *Repository) WorkLog(ctx context.Context, userID, day string) (*DayRecord, error) {
	return r.dayRecord(ctx, "work_logs", userID, day)
}

func (r *Repository) dayRecord(ctx context.Context, table, userID, day string) (*DayRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, to_char(day, 'YYYY-MM-DD'), check_in_at, check_out_at, status, points_earned
		FROM `+table+` WHERE user_id = $1 AND day = $2::date
	`, userID, day)
	var rec DayRecord
	if err := row.Scan(&rec.UserID, &rec.Day, &rec.CheckInAt, &rec.CheckOutAt, &rec.Status, &rec.PointsEarned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Append writes one tagging-log row outside a ledger transaction.
func (r *Repository) Append(ctx context.Context, entry LogEntry) error {
	return appendLog(ctx, r.db, entry)
}

// List returns tagging-log rows, newest first.
func (r *Repository) List(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT id, uid, COALESCE(user_id, ''), COALESCE(role, ''), action, occurred_at,
		device_type, location, COALESCE(reservation_id, ''), points_awarded, message
		FROM tagging_logs`
	args := []any{}
	clauses := []string{}
	if f.UID != "" {
		clauses = append(clauses, fmt.Sprintf("uid = $%d", len(args)+1))
		args = append(args, f.UID)
	}
	if f.UserID != "" {
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)+1))
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		clauses = append(clauses, fmt.Sprintf("action = $%d", len(args)+1))
		args = append(args, f.Action)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.UID, &e.UserID, &e.Role, &e.Action, &e.At,
			&e.DeviceType, &e.Location, &e.ReservationID, &e.PointsAwarded, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Commit applies a CommitSet in one transaction. All effects land together
// or the whole set rolls back.
func (r *Repository) Commit(ctx context.Context, cs CommitSet) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if cs.Attendance != nil {
		if err = insertDayRecord(ctx, tx, "attendance_records", cs.Attendance); err != nil {
			return err
		}
	}
	if cs.WorkLog != nil {
		if err = insertDayRecord(ctx, tx, "work_logs", cs.WorkLog); err != nil {
			return err
		}
	}
	if cs.CloseAttendance != nil {
		if err = closeDayRecord(ctx, tx, "attendance_records", cs.CloseAttendance); err != nil {
			return err
		}
	}
	if cs.CloseWorkLog != nil {
		if err = closeDayRecord(ctx, tx, "work_logs", cs.CloseWorkLog); err != nil {
			return err
		}
	}
	if cs.Reservation != nil {
		res, rerr := tx.ExecContext(ctx, `
			UPDATE reservations SET status = $2
			WHERE id = $1 AND status = $3 AND student_id = $4 AND day = $5::date
		`, cs.Reservation.ID, ReservationAttended, ReservationConfirmed,
			cs.Reservation.StudentID, cs.Reservation.Day)
		if rerr != nil {
			err = rerr
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			err = ErrReservationState
			return err
		}
	}
	if cs.PointsDelta != 0 && cs.PointsUserID != "" {
		// Single in-database increment; a read-then-write here would lose
		// updates under concurrent confirms.
		if _, err = tx.ExecContext(ctx, `
			UPDATE users SET points = points + $2 WHERE id = $1
		`, cs.PointsUserID, cs.PointsDelta); err != nil {
			return err
		}
	}
	if cs.TouchUID != "" {
		if _, err = tx.ExecContext(ctx, `
			UPDATE uid_registrations SET last_used_at = $2 WHERE uid = $1
		`, cs.TouchUID, cs.Log.At); err != nil {
			return err
		}
	}
	if err = appendLog(ctx, tx, cs.Log); err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDayRecord(ctx context.Context, tx execer, table string, rec *DayRecord) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (user_id, day, check_in_at, status, points_earned)
		VALUES ($1, $2::date, $3, $4, $5)
		ON CONFLICT (user_id, day) DO NOTHING
	`, rec.UserID, rec.Day, rec.CheckInAt, rec.Status, rec.PointsEarned)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyTagged
	}
	return nil
}

func closeDayRecord(ctx context.Context, tx execer, table string, c *Closure) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE `+table+` SET check_out_at = $3
		WHERE user_id = $1 AND day = $2::date AND check_out_at IS NULL
	`, c.UserID, c.Day, c.At)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyTagged
	}
	return nil
}

func appendLog(ctx context.Context, tx execer, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tagging_logs
			(id, uid, user_id, role, action, occurred_at, device_type, location, reservation_id, points_awarded, message)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
	`, entry.ID, entry.UID, entry.UserID, string(entry.Role), entry.Action, entry.At,
		entry.DeviceType, entry.Location, entry.ReservationID, entry.PointsAwarded, entry.Message)
	return err
}
