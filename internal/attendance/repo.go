package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyClosed is returned when closing an instance that is already closed.
var ErrAlreadyClosed = errors.New("attendance: instance already closed")

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ActiveStudents lists students actively enrolled in a course.
func (r *Repository) ActiveStudents(ctx context.Context, courseID string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.email
		FROM students s
		JOIN enrollments e ON e.student_id = s.id
		WHERE e.course_id = $1 AND e.status = 'active'
		ORDER BY s.name
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.Email); err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// CreateInstance writes the instance row and the absent roster fan-out in a
// single transaction; either everything lands or nothing does.
func (r *Repository) CreateInstance(ctx context.Context, inst Instance, roster []Student) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_instances
			(id, course_id, date, class_type, qr_token, qr_code, expires_at, latitude, longitude, is_closed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,FALSE)
	`, inst.ID, inst.CourseID, inst.Date, inst.ClassType, inst.QRToken, inst.QRCode,
		inst.ExpiresAt, inst.Latitude, inst.Longitude); err != nil {
		return err
	}

	for _, s := range roster {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance (id, instance_id, course_id, student_id, date, status)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, uuid.NewString(), inst.ID, inst.CourseID, s.ID, inst.Date, Absent); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetInstance returns one instance, or nil when it does not exist.
func (r *Repository) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, date, class_type, qr_token, qr_code, expires_at,
		       latitude, longitude, is_closed, created_at
		FROM attendance_instances WHERE id = $1
	`, id)
	var inst Instance
	if err := row.Scan(&inst.ID, &inst.CourseID, &inst.Date, &inst.ClassType, &inst.QRToken,
		&inst.QRCode, &inst.ExpiresAt, &inst.Latitude, &inst.Longitude, &inst.IsClosed,
		&inst.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inst, nil
}

// CloseInstance flips is_closed and clears the token. Closing is monotonic:
// a second close reports ErrAlreadyClosed.
func (r *Repository) CloseInstance(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_instances
		SET qr_token = '', is_closed = TRUE
		WHERE id = $1 AND is_closed = FALSE
	`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

// MarkPresent conditionally flips a record absent to present. The WHERE on
// status makes concurrent duplicate marks race-safe: exactly one wins.
func (r *Repository) MarkPresent(ctx context.Context, instanceID, studentID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance
		SET status = $3
		WHERE instance_id = $1 AND student_id = $2 AND status = $4
	`, instanceID, studentID, Present, Absent)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetRecord returns the record for (instance, student), or nil when none exists.
func (r *Repository) GetRecord(ctx context.Context, instanceID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, instance_id, course_id, student_id, date, status
		FROM attendance WHERE instance_id = $1 AND student_id = $2
	`, instanceID, studentID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.InstanceID, &rec.CourseID, &rec.StudentID, &rec.Date, &rec.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// InsertPresent writes a present record directly, covering enrollments added
// after the roster fan-out.
func (r *Repository) InsertPresent(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Date.IsZero() {
		rec.Date = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, instance_id, course_id, student_id, date, status)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.InstanceID, rec.CourseID, rec.StudentID, rec.Date, Present)
	return err
}

// InsertSecurityLog appends an audit entry; security logs are never mutated.
func (r *Repository) InsertSecurityLog(ctx context.Context, l SecurityLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO security_logs (id, instance_id, student_id, reason, distance_m)
		VALUES ($1,$2,$3,$4,$5)
	`, l.ID, l.InstanceID, l.StudentID, l.Reason, l.DistanceM)
	return err
}

// InsertMarkLog appends the attempt trail entry.
func (r *Repository) InsertMarkLog(ctx context.Context, l MarkLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_logs (id, instance_id, student_id, geofence_checked, outcome)
		VALUES ($1,$2,$3,$4,$5)
	`, l.ID, l.InstanceID, l.StudentID, l.GeofenceChecked, l.Outcome)
	return err
}

// ListByInstance returns all records for an instance.
func (r *Repository) ListByInstance(ctx context.Context, instanceID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, instance_id, course_id, student_id, date, status
		FROM attendance WHERE instance_id = $1
		ORDER BY student_id
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.CourseID, &rec.StudentID, &rec.Date, &rec.Status); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
