package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/attendance"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/config"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/events"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/files"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/groups"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/notify"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/queue"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/storage"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/store"
)

// Worker leases jobs from the durable queue, routes them to handlers, and
// publishes lifecycle events back to the API process.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	var bus events.Bus
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		bus = events.NewInMemory()
	} else {
		hostname, _ := os.Hostname()
		q = queue.NewRedisQueue(redisClient.Client, "courserep:jobs", hostname, cfg.JobRetention)
		bus = events.NewRedisBus(redisClient.Client, events.DefaultChannel)
	}

	attSvc := attendance.NewService(attendance.NewRepository(db.Client),
		cfg.JWTSigningKey, cfg.CheckinBaseURL, cfg.SessionTokenTTL)

	mailer := notify.NewEmailSender(cfg.SendgridAPIKey, cfg.EmailFromName, cfg.EmailFrom)
	groupSvc := groups.NewService(groups.NewRepository(db.Client), mailer)

	drive := storage.New(cfg.StorageBaseURL, cfg.StorageAPIKey, cfg.StorageAPISecret, cfg.StorageFolder)
	fileHandler := files.NewHandler(files.NewRepository(db.Client), drive)

	sms := notify.NewSMSClient(cfg.SMSGatewayURL, cfg.SMSAPIKey, cfg.SMSSkip)
	if err := sms.Health(ctx); err != nil {
		log.Printf("WARNING: sms gateway not available: %v", err)
	}

	d := queue.NewDispatcher(q, bus, cfg.WorkerConcurrency)
	register(d, attendance.JobTypeCreate, attSvc.HandleCreate)
	register(d, attendance.JobTypeMark, attSvc.HandleMark)
	register(d, groups.JobType, groupSvc.Handler(func(ctx context.Context, job *queue.Job, created, total int) {
		_ = bus.Publish(ctx, events.Event{
			Type:          events.JobProgress,
			JobID:         job.ID,
			JobType:       job.Type,
			Message:       "group created",
			Progress:      created * 100 / total,
			CorrelationID: job.CorrelationID,
			UserID:        job.UserID,
		})
	}))
	register(d, files.JobTypeUploadSlides, fileHandler.HandleUpload("slides"))
	register(d, files.JobTypeUploadAssignment, fileHandler.HandleUpload("assignment"))
	register(d, files.JobTypeDelete, fileHandler.HandleDelete)
	register(d, notify.JobTypeEmail, notify.EmailHandler(mailer))
	register(d, notify.JobTypeSMS, notify.SMSHandler(sms))

	log.Printf("worker started, concurrency %d", cfg.WorkerConcurrency)
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("dispatcher stopped: %v", err)
	}
	log.Println("worker stopped")
}

func register(d *queue.Dispatcher, jobType string, h queue.Handler) {
	if err := d.Register(jobType, h); err != nil {
		log.Fatalf("register %s: %v", jobType, err)
	}
}
