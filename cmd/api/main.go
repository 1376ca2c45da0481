package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/attendance"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/auth"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/config"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/events"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/files"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/gateway"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/groups"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/httpmiddleware"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/notify"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/queue"
	"github.com/lord-joeh/course-rep-management-system-sub000/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if db == nil {
		return err
	}
	if err != nil {
		// Open succeeded but the ping did not; pool connects lazily.
		log.Printf("warning: db not reachable: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	var bus events.Bus
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		bus = events.NewInMemory()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "courserep:jobs", "api", cfg.JobRetention)
		bus = events.NewRedisBus(redisClient.Client, events.DefaultChannel)
	}

	attRepo := attendance.NewRepository(db.Client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Relay worker events to this process's live connections.
	hub := gateway.NewHub()
	go func() {
		if err := hub.Run(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("gateway relay stopped: %v", err)
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Marking is presented by students scanning the session QR code; the
	// signed token is the credential, so no bearer auth here.
	r.POST("/v1/attendance/instances/:id/mark", func(c *gin.Context) {
		var req struct {
			StudentID string   `json:"student_id" binding:"required"`
			Token     string   `json:"token"`
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token := req.Token
		if token == "" {
			token = c.Query("token")
		}

		claims, err := attendance.ParseSessionToken(token, cfg.JWTSigningKey)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session token"})
			return
		}
		if claims.InstanceID != c.Param("id") {
			c.JSON(http.StatusForbidden, gin.H{"error": "token does not match instance"})
			return
		}

		inst, err := attRepo.GetInstance(c.Request.Context(), claims.InstanceID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if inst == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		if inst.IsClosed {
			c.JSON(http.StatusConflict, gin.H{"error": "attendance instance is closed"})
			return
		}
		if time.Now().After(inst.ExpiresAt) {
			c.JSON(http.StatusConflict, gin.H{"error": "attendance session has expired"})
			return
		}
		if inst.ClassType == attendance.InPerson && (req.Latitude == nil || req.Longitude == nil) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "latitude and longitude are required for in-person sessions"})
			return
		}

		correlationID := correlationID(c)
		job, err := q.Enqueue(c.Request.Context(), attendance.JobTypeMark, attendance.MarkPayload{
			StudentID: req.StudentID,
			Instance:  *inst,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
		}, &queue.Options{
			MaxAttempts:   cfg.JobMaxAttempts,
			BackoffBase:   cfg.JobBackoffBase,
			CorrelationID: correlationID,
			UserID:        req.StudentID,
		})
		if err != nil {
			log.Printf("enqueue marking failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "correlation_id": correlationID})
	})

	authGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/attendance/instances", func(c *gin.Context) {
		var req struct {
			CourseID  string    `json:"course_id" binding:"required"`
			Date      time.Time `json:"date" binding:"required"`
			ClassType string    `json:"class_type" binding:"required"`
			Latitude  *float64  `json:"latitude"`
			Longitude *float64  `json:"longitude"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		classType := attendance.ClassType(req.ClassType)
		if !classType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "class_type must be in-person or online"})
			return
		}
		if classType == attendance.InPerson && (req.Latitude == nil || req.Longitude == nil) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "latitude and longitude are required for in-person sessions"})
			return
		}

		correlationID := correlationID(c)
		job, err := q.Enqueue(c.Request.Context(), attendance.JobTypeCreate, attendance.CreatePayload{
			CourseID:  req.CourseID,
			Date:      req.Date,
			ClassType: classType,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
		}, &queue.Options{
			MaxAttempts:   cfg.JobMaxAttempts,
			BackoffBase:   cfg.JobBackoffBase,
			CorrelationID: correlationID,
			UserID:        auth.UserID(c),
		})
		if err != nil {
			log.Printf("enqueue creation failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "correlation_id": correlationID})
	})

	authGroup.GET("/attendance/instances/:id", func(c *gin.Context) {
		inst, err := attRepo.GetInstance(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if inst == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		c.JSON(http.StatusOK, inst)
	})

	authGroup.GET("/attendance/instances/:id/records", func(c *gin.Context) {
		recs, err := attRepo.ListByInstance(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	authGroup.POST("/attendance/instances/:id/close", func(c *gin.Context) {
		err := attRepo.CloseInstance(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, attendance.ErrAlreadyClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "instance already closed"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "closed"})
		}
	})

	authGroup.POST("/groups", func(c *gin.Context) {
		var req struct {
			StudentsPerGroup int    `json:"students_per_group" binding:"required"`
			IsGeneral        bool   `json:"is_general"`
			CourseID         string `json:"course_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.StudentsPerGroup < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "students_per_group must be positive"})
			return
		}
		if !req.IsGeneral && req.CourseID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "course_id required unless is_general"})
			return
		}

		correlationID := correlationID(c)
		job, err := q.Enqueue(c.Request.Context(), groups.JobType, groups.Payload{
			StudentsPerGroup: req.StudentsPerGroup,
			IsGeneral:        req.IsGeneral,
			CourseID:         req.CourseID,
		}, &queue.Options{
			MaxAttempts:   cfg.JobMaxAttempts,
			BackoffBase:   cfg.JobBackoffBase,
			CorrelationID: correlationID,
			UserID:        auth.UserID(c),
		})
		if err != nil {
			log.Printf("enqueue groups failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "correlation_id": correlationID})
	})

	authGroup.POST("/files/upload", func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()

		kind := c.PostForm("kind")
		jobType := files.JobTypeUploadSlides
		if kind == "assignment" {
			jobType = files.JobTypeUploadAssignment
		} else if kind != "slides" && kind != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be slides or assignment"})
			return
		}

		// Stage locally; the worker streams it to the drive service and
		// removes it afterward.
		staged, err := os.CreateTemp("", "courserep-upload-*"+filepath.Ext(header.Filename))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "staging failed"})
			return
		}
		if _, err := io.Copy(staged, file); err != nil {
			staged.Close()
			_ = os.Remove(staged.Name())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "staging failed"})
			return
		}
		staged.Close()

		correlationID := correlationID(c)
		job, err := q.Enqueue(c.Request.Context(), jobType, files.UploadPayload{
			Path:     staged.Name(),
			Name:     header.Filename,
			FolderID: c.PostForm("folder_id"),
		}, &queue.Options{
			MaxAttempts:   cfg.JobMaxAttempts,
			BackoffBase:   cfg.JobBackoffBase,
			CorrelationID: correlationID,
			UserID:        auth.UserID(c),
		})
		if err != nil {
			_ = os.Remove(staged.Name())
			log.Printf("enqueue upload failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "correlation_id": correlationID})
	})

	authGroup.POST("/files/delete", func(c *gin.Context) {
		var req struct {
			FileIDs []string `json:"file_ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, err := q.Enqueue(c.Request.Context(), files.JobTypeDelete, files.DeletePayload{FileIDs: req.FileIDs}, &queue.Options{
			MaxAttempts: cfg.JobMaxAttempts,
			BackoffBase: cfg.JobBackoffBase,
			UserID:      auth.UserID(c),
		})
		if err != nil {
			log.Printf("enqueue delete failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
	})

	authGroup.POST("/notifications/email", func(c *gin.Context) {
		var req notify.EmailPayload
		if err := c.ShouldBindJSON(&req); err != nil || len(req.To) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to, subject and body required"})
			return
		}
		enqueueSimple(c, q, cfg, notify.JobTypeEmail, req)
	})

	authGroup.POST("/notifications/sms", func(c *gin.Context) {
		var req notify.SMSPayload
		if err := c.ShouldBindJSON(&req); err != nil || req.To == "" || req.Message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to and message required"})
			return
		}
		enqueueSimple(c, q, cfg, notify.JobTypeSMS, req)
	})

	authGroup.GET("/jobs/:id", func(c *gin.Context) {
		rec, err := q.Status(c.Request.Context(), c.Param("id"))
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found or pruned"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	authGroup.GET("/events/stream", hub.SSEHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // SSE connections flush incrementally
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// correlationID threads the caller's request id through the job so lifecycle
// events route back to the right live connection.
func correlationID(c *gin.Context) string {
	if id := c.GetHeader("X-Correlation-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func enqueueSimple(c *gin.Context, q queue.Queue, cfg config.App, jobType string, payload interface{}) {
	cid := correlationID(c)
	job, err := q.Enqueue(c.Request.Context(), jobType, payload, &queue.Options{
		MaxAttempts:   cfg.JobMaxAttempts,
		BackoffBase:   cfg.JobBackoffBase,
		CorrelationID: cid,
		UserID:        auth.UserID(c),
	})
	if err != nil {
		log.Printf("enqueue %s failed: %v", jobType, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "correlation_id": cid})
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Correlation-ID")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
