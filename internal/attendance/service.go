package attendance

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/queue"
)

// Store is the persistence surface the attendance state machine needs.
// *Repository implements it against Postgres.
type Store interface {
	ActiveStudents(ctx context.Context, courseID string) ([]Student, error)
	CreateInstance(ctx context.Context, inst Instance, roster []Student) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	CloseInstance(ctx context.Context, id string) error
	MarkPresent(ctx context.Context, instanceID, studentID string) (bool, error)
	GetRecord(ctx context.Context, instanceID, studentID string) (*Record, error)
	InsertPresent(ctx context.Context, rec Record) error
	InsertSecurityLog(ctx context.Context, l SecurityLog) error
	InsertMarkLog(ctx context.Context, l MarkLog) error
}

// Service owns the attendance session lifecycle: creation fan-out, QR token
// issuance, geofenced idempotent marking, and closing.
type Service struct {
	store          Store
	signingKey     string
	tokenTTL       time.Duration
	checkinBaseURL string
	radiusMeters   float64
}

// NewService creates a service.
func NewService(store Store, signingKey, checkinBaseURL string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 30 * time.Minute
	}
	return &Service{
		store:          store,
		signingKey:     signingKey,
		tokenTTL:       tokenTTL,
		checkinBaseURL: checkinBaseURL,
		radiusMeters:   GeofenceRadiusMeters,
	}
}

// CreateParams describes a new session window.
type CreateParams struct {
	CourseID  string
	Date      time.Time
	ClassType ClassType
	Latitude  *float64
	Longitude *float64
}

// CreateSession issues the signed session token, renders its QR code, and
// persists the instance plus one absent record per actively-enrolled
// student in one transaction. Everything before the transaction is
// side-effect-free, so a retried job simply redoes it.
func (s *Service) CreateSession(ctx context.Context, p CreateParams) (*Instance, error) {
	if !p.ClassType.Valid() {
		return nil, queue.Unrecoverable("invalid class type %q", p.ClassType)
	}
	if p.ClassType == InPerson && (p.Latitude == nil || p.Longitude == nil) {
		return nil, queue.Unrecoverable("latitude and longitude are required for in-person sessions")
	}

	id := uuid.NewString()
	token, exp, err := IssueSessionToken(s.signingKey, SessionClaims{
		CourseID:   p.CourseID,
		InstanceID: id,
		ClassType:  p.ClassType,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
	}, s.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}

	checkinURL := fmt.Sprintf("%s/v1/attendance/instances/%s/mark?token=%s",
		s.checkinBaseURL, id, url.QueryEscape(token))
	qr, err := RenderQR(checkinURL)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}

	roster, err := s.store.ActiveStudents(ctx, p.CourseID)
	if err != nil {
		return nil, err
	}

	inst := Instance{
		ID:        id,
		CourseID:  p.CourseID,
		Date:      p.Date,
		ClassType: p.ClassType,
		QRToken:   token,
		QRCode:    qr,
		ExpiresAt: exp,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
	}
	if err := s.store.CreateInstance(ctx, inst, roster); err != nil {
		return nil, err
	}
	log.Printf("attendance: instance %s created for course %s (%d students)", id, p.CourseID, len(roster))
	return &inst, nil
}

// Close ends a session. Closing is monotonic and clears the QR token.
func (s *Service) Close(ctx context.Context, instanceID string) error {
	return s.store.CloseInstance(ctx, instanceID)
}

// MarkParams carries one marking attempt. Instance is the snapshot looked up
// at enqueue time; the service re-checks freshness before committing.
type MarkParams struct {
	StudentID string
	Instance  Instance
	Latitude  *float64
	Longitude *float64
}

// Mark transitions a student's record absent to present, enforcing the
// geofence for in-person sessions and at-most-once effective marking.
func (s *Service) Mark(ctx context.Context, p MarkParams) error {
	// Re-check instance state: a job can sit in the queue past the
	// session's close or expiry, and must then be rejected for good.
	inst, err := s.store.GetInstance(ctx, p.Instance.ID)
	if err != nil {
		return err
	}
	if inst == nil {
		return queue.Unrecoverable("attendance instance %s not found", p.Instance.ID)
	}
	if inst.IsClosed {
		return queue.Unrecoverable("attendance instance is closed")
	}
	if time.Now().After(inst.ExpiresAt) {
		return queue.Unrecoverable("attendance session has expired")
	}

	geofenceChecked := false
	if inst.ClassType == InPerson {
		if p.Latitude == nil || p.Longitude == nil {
			s.logAttempt(ctx, inst.ID, p.StudentID, false, "rejected: missing location")
			return queue.Unrecoverable("location is required for in-person attendance")
		}
		if inst.Latitude == nil || inst.Longitude == nil {
			s.logAttempt(ctx, inst.ID, p.StudentID, false, "rejected: missing location")
			return queue.Unrecoverable("instance has no registered classroom location")
		}
		geofenceChecked = true
		dist := Distance(*p.Latitude, *p.Longitude, *inst.Latitude, *inst.Longitude)
		if dist > s.radiusMeters {
			if err := s.store.InsertSecurityLog(ctx, SecurityLog{
				InstanceID: inst.ID,
				StudentID:  p.StudentID,
				Reason:     "geofence violation",
				DistanceM:  &dist,
			}); err != nil {
				log.Printf("attendance: security log write failed: %v", err)
			}
			s.logAttempt(ctx, inst.ID, p.StudentID, geofenceChecked, "rejected: outside geofence")
			return queue.Unrecoverable("Too far from classroom. You are %.0fm away.", dist)
		}
	}

	marked, err := s.store.MarkPresent(ctx, inst.ID, p.StudentID)
	if err != nil {
		return err
	}
	if !marked {
		rec, err := s.store.GetRecord(ctx, inst.ID, p.StudentID)
		if err != nil {
			return err
		}
		if rec != nil && rec.Status == Present {
			s.logAttempt(ctx, inst.ID, p.StudentID, geofenceChecked, "rejected: already marked")
			return queue.Unrecoverable("attendance already marked")
		}
		// No row at all: the student enrolled after the roster fan-out.
		if err := s.store.InsertPresent(ctx, Record{
			InstanceID: inst.ID,
			CourseID:   inst.CourseID,
			StudentID:  p.StudentID,
			Date:       inst.Date,
		}); err != nil {
			return err
		}
	}

	s.logAttempt(ctx, inst.ID, p.StudentID, geofenceChecked, "marked present")
	return nil
}

func (s *Service) logAttempt(ctx context.Context, instanceID, studentID string, geofenceChecked bool, outcome string) {
	if err := s.store.InsertMarkLog(ctx, MarkLog{
		InstanceID:      instanceID,
		StudentID:       studentID,
		GeofenceChecked: geofenceChecked,
		Outcome:         outcome,
	}); err != nil {
		log.Printf("attendance: mark log write failed: %v", err)
	}
}
