package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"

	"github.com/google/uuid"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/queue"
)

// JobType tags bulk group creation jobs.
const JobType = "processCustomGroups"

// Store is the persistence surface the partitioner needs; *Repository
// implements it against Postgres.
type Store interface {
	CourseExists(ctx context.Context, courseID string) (bool, error)
	AllStudents(ctx context.Context) ([]Member, error)
	EnrolledStudents(ctx context.Context, courseID string) ([]Member, error)
	CreateGroup(ctx context.Context, g Group) error
}

// Mailer sends the best-effort per-group notification email.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Service partitions a student population into randomly shuffled groups.
type Service struct {
	store  Store
	mailer Mailer
}

// NewService creates a service. mailer may be nil to skip notifications.
func NewService(store Store, mailer Mailer) *Service {
	return &Service{store: store, mailer: mailer}
}

// Params describes one partitioning request.
type Params struct {
	StudentsPerGroup int
	IsGeneral        bool
	CourseID         string
}

// Partition resolves the population, shuffles it uniformly, and creates
// consecutive chunks of StudentsPerGroup (last may be smaller), flagging the
// first member of each chunk leader. progress, when non-nil, is called after
// each group is created. A failed notification email never fails the job.
func (s *Service) Partition(ctx context.Context, p Params, progress func(created, total int)) ([]Group, error) {
	if p.StudentsPerGroup < 1 {
		return nil, queue.Unrecoverable("students per group must be a positive integer")
	}

	var population []Member
	var err error
	if p.IsGeneral {
		population, err = s.store.AllStudents(ctx)
	} else {
		if p.CourseID == "" {
			return nil, queue.Unrecoverable("course id required for course groups")
		}
		exists, eerr := s.store.CourseExists(ctx, p.CourseID)
		if eerr != nil {
			return nil, eerr
		}
		if !exists {
			return nil, queue.Unrecoverable("course %s not found", p.CourseID)
		}
		population, err = s.store.EnrolledStudents(ctx, p.CourseID)
	}
	if err != nil {
		return nil, err
	}
	if len(population) == 0 {
		return nil, queue.Unrecoverable("no students to partition")
	}

	// Uniform permutation; chunking a shuffled slice keeps groups unbiased.
	rand.Shuffle(len(population), func(i, j int) {
		population[i], population[j] = population[j], population[i]
	})

	total := (len(population) + p.StudentsPerGroup - 1) / p.StudentsPerGroup
	groups := make([]Group, 0, total)
	for i := 0; i < len(population); i += p.StudentsPerGroup {
		end := i + p.StudentsPerGroup
		if end > len(population) {
			end = len(population)
		}
		chunk := population[i:end]

		members := make([]Member, len(chunk))
		copy(members, chunk)
		members[0].IsLeader = true

		g := Group{
			ID:       uuid.NewString(),
			Name:     fmt.Sprintf("Group %d", len(groups)+1),
			CourseID: p.CourseID,
			Members:  members,
		}
		if err := s.store.CreateGroup(ctx, g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
		if progress != nil {
			progress(len(groups), total)
		}

		s.notify(ctx, g)
	}
	return groups, nil
}

// notify emails the new group's members. Failures are logged, never escalated.
func (s *Service) notify(ctx context.Context, g Group) {
	if s.mailer == nil {
		return
	}
	var to []string
	for _, m := range g.Members {
		if m.Email != "" {
			to = append(to, m.Email)
		}
	}
	if len(to) == 0 {
		return
	}
	body := fmt.Sprintf("You have been added to %s (%d members). The first listed member is the group leader.",
		g.Name, len(g.Members))
	if err := s.mailer.Send(ctx, to, "New group assignment", body); err != nil {
		log.Printf("groups: notification email for %s failed: %v", g.Name, err)
	}
}

// Payload is the queued form of a partitioning request.
type Payload struct {
	StudentsPerGroup int    `json:"students_per_group"`
	IsGeneral        bool   `json:"is_general"`
	CourseID         string `json:"course_id,omitempty"`
}

// Handler returns the dispatcher handler for JobType, publishing incremental
// progress through publish.
func (s *Service) Handler(publish func(ctx context.Context, job *queue.Job, created, total int)) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p Payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Unrecoverable("bad groups payload: %v", err)
		}
		_, err := s.Partition(ctx, Params{
			StudentsPerGroup: p.StudentsPerGroup,
			IsGeneral:        p.IsGeneral,
			CourseID:         p.CourseID,
		}, func(created, total int) {
			if publish != nil {
				publish(ctx, job, created, total)
			}
		})
		return err
	}
}
