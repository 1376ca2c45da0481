package groups

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// Group is one created group with its members; the first member is leader.
type Group struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	CourseID string   `json:"course_id,omitempty"`
	Members  []Member `json:"members"`
}

// Member is one student's group membership.
type Member struct {
	StudentID string `json:"student_id"`
	Email     string `json:"email,omitempty"`
	IsLeader  bool   `json:"is_leader"`
}

// Repository persists groups in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CourseExists reports whether the course id is known.
func (r *Repository) CourseExists(ctx context.Context, courseID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1)`, courseID).Scan(&exists)
	return exists, err
}

// AllStudents returns every student id/email pair.
func (r *Repository) AllStudents(ctx context.Context) ([]Member, error) {
	return r.queryMembers(ctx, `SELECT id, email FROM students ORDER BY id`)
}

// EnrolledStudents returns students actively enrolled in the course.
func (r *Repository) EnrolledStudents(ctx context.Context, courseID string) ([]Member, error) {
	return r.queryMembers(ctx, `
		SELECT s.id, s.email
		FROM students s
		JOIN enrollments e ON e.student_id = s.id
		WHERE e.course_id = $1 AND e.status = 'active'
		ORDER BY s.id
	`, courseID)
}

func (r *Repository) queryMembers(ctx context.Context, query string, args ...interface{}) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.StudentID, &m.Email); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CreateGroup writes a group and its members in one transaction.
func (r *Repository) CreateGroup(ctx context.Context, g Group) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var courseID interface{}
	if g.CourseID != "" {
		courseID = g.CourseID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, course_id) VALUES ($1,$2,$3)
	`, g.ID, g.Name, courseID); err != nil {
		return err
	}
	for _, m := range g.Members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (id, group_id, student_id, is_leader)
			VALUES ($1,$2,$3,$4)
		`, uuid.NewString(), g.ID, m.StudentID, m.IsLeader); err != nil {
			return err
		}
	}
	return tx.Commit()
}
