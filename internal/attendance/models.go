package attendance

import "time"

// ClassType distinguishes geofenced in-person sessions from online ones.
type ClassType string

const (
	InPerson ClassType = "in-person"
	Online   ClassType = "online"
)

// Valid reports whether t is a known class type.
func (t ClassType) Valid() bool { return t == InPerson || t == Online }

// Status of one student's record for one instance.
type Status string

const (
	Absent  Status = "absent"
	Present Status = "present"
)

// Instance is one class session window students mark attendance against.
// Once IsClosed flips true the QR token is cleared and marking stops.
type Instance struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	Date      time.Time `json:"date"`
	ClassType ClassType `json:"class_type"`
	QRToken   string    `json:"qr_token,omitempty"`
	QRCode    string    `json:"qr_code,omitempty"` // base64 PNG of the check-in URL
	ExpiresAt time.Time `json:"expires_at"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	IsClosed  bool      `json:"is_closed"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one student's attendance row for one instance. At most one row
// exists per (instance, student); status moves absent to present once.
type Record struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	CourseID   string    `json:"course_id"`
	StudentID  string    `json:"student_id"`
	Date       time.Time `json:"date"`
	Status     Status    `json:"status"`
}

// Student is the enrollment view the roster fan-out needs.
type Student struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SecurityLog is an append-only audit entry for rejected marking attempts.
type SecurityLog struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	StudentID  string    `json:"student_id"`
	Reason     string    `json:"reason"`
	DistanceM  *float64  `json:"distance_m,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MarkLog is the append-only trail of every marking attempt, recording
// whether a geofence check ran and how the attempt ended.
type MarkLog struct {
	ID              string    `json:"id"`
	InstanceID      string    `json:"instance_id"`
	StudentID       string    `json:"student_id"`
	GeofenceChecked bool      `json:"geofence_checked"`
	Outcome         string    `json:"outcome"`
	CreatedAt       time.Time `json:"created_at"`
}
