package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/queue"
)

// Job type tags the dispatcher routes on.
const (
	JobTypeCreate = "processAttendanceCreation"
	JobTypeMark   = "processAttendanceMarking"
)

// CreatePayload is the queued form of a session creation request.
type CreatePayload struct {
	CourseID  string    `json:"course_id"`
	Date      time.Time `json:"date"`
	ClassType ClassType `json:"class_type"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
}

// MarkPayload is the queued form of a marking request; Instance is the
// snapshot the HTTP layer validated before enqueue.
type MarkPayload struct {
	StudentID string   `json:"student_id"`
	Instance  Instance `json:"instance"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// HandleCreate is the dispatcher handler for JobTypeCreate.
func (s *Service) HandleCreate(ctx context.Context, job *queue.Job) error {
	var p CreatePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Unrecoverable("bad creation payload: %v", err)
	}
	if p.CourseID == "" {
		return queue.Unrecoverable("course id required")
	}
	_, err := s.CreateSession(ctx, CreateParams{
		CourseID:  p.CourseID,
		Date:      p.Date,
		ClassType: p.ClassType,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
	})
	return err
}

// HandleMark is the dispatcher handler for JobTypeMark.
func (s *Service) HandleMark(ctx context.Context, job *queue.Job) error {
	var p MarkPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Unrecoverable("bad marking payload: %v", err)
	}
	if p.StudentID == "" || p.Instance.ID == "" {
		return queue.Unrecoverable("student id and instance required")
	}
	if err := s.Mark(ctx, MarkParams{
		StudentID: p.StudentID,
		Instance:  p.Instance,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
	}); err != nil {
		return fmt.Errorf("mark attendance for %s: %w", p.StudentID, err)
	}
	return nil
}
