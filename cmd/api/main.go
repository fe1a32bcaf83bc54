package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/apperr"
	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/metrics"
	"classtrack/internal/queue"
	"classtrack/internal/session"
	"classtrack/internal/store"
	"classtrack/internal/sweep"
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
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:scans")
	}

	sessionRepo := session.NewRepository(db.Client)
	attendanceRepo := attendance.NewRepository(db.Client)
	sweepRepo := sweep.NewRepository(db.Client)
	kioskRepo := auth.NewKioskRepository(db.Client)

	coordinator := session.NewCoordinator(sessionRepo, time.Duration(cfg.DefaultSessionTimeoutMin)*time.Minute)
	classifier := attendance.NewClassifier(
		time.Duration(cfg.GracePeriodMin)*time.Minute,
		time.Duration(cfg.AbsentThresholdMin)*time.Minute,
	)
	recorder := attendance.NewRecorder(attendanceRepo, classifier,
		time.Duration(cfg.ScanAcceptanceHours)*time.Hour, cfg.ScanMaxRetries, cfg.ScanRetryDelay)
	sweeper := sweep.NewService(sweepRepo,
		time.Duration(cfg.SweepEndGraceMin)*time.Minute,
		time.Duration(cfg.SweepMaxSessionAgeHours)*time.Hour)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, httpmiddleware.ByClientIP).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":                   "ok",
			"redis":                    redisHealthy,
			"db":                       dbHealthy,
			"server_time":              time.Now().Format(time.RFC3339),
			"grace_period_minutes":     cfg.GracePeriodMin,
			"absent_threshold_minutes": cfg.AbsentThresholdMin,
			"scan_acceptance_hours":    cfg.ScanAcceptanceHours,
		})
	})

	r.POST("/v1/kiosks/register", func(c *gin.Context) {
		var req struct {
			KioskID string `json:"kiosk_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := kioskRepo.UpsertKiosk(c.Request.Context(), req.KioskID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.KioskID, "kiosk", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = kioskRepo.SaveRefreshToken(c.Request.Context(), req.KioskID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/kiosks/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		ctx := c.Request.Context()
		active, err := kioskRepo.RefreshTokenActive(ctx, req.RefreshToken)
		if err != nil {
			respondErr(c, apperr.Transient(err, "refresh token lookup failed"))
			return
		}
		if !active {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked or expired"})
			return
		}

		tokens, err := auth.Issue(claims.Subject, claims.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		// Rotation: a refresh token is single use.
		if err := kioskRepo.RevokeRefreshToken(ctx, req.RefreshToken); err != nil {
			log.Printf("refresh token revoke failed: %v", err)
		}
		_ = kioskRepo.SaveRefreshToken(ctx, claims.Subject, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.KioskAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/instructors/checkin", func(c *gin.Context) {
		var req struct {
			InstructorID int64   `json:"instructor_id" binding:"required"`
			ClassID      int64   `json:"class_id" binding:"required"`
			Timestamp    string  `json:"timestamp"`
			RoomNumber   *string `json:"room_number"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		ok, err := sweepRepo.InstructorExists(ctx, req.InstructorID)
		if err != nil {
			respondErr(c, apperr.Transient(err, "instructor lookup failed"))
			return
		}
		if !ok {
			respondErr(c, apperr.NotFound("instructor %d not found or does not have instructor role", req.InstructorID))
			return
		}

		class, err := sessionRepo.GetClass(ctx, req.ClassID)
		if err != nil {
			respondErr(c, apperr.Transient(err, "class lookup failed"))
			return
		}
		if class == nil {
			respondErr(c, apperr.NotFound("class %d not found", req.ClassID))
			return
		}
		if !class.AssignedTo(req.InstructorID) {
			respondErr(c, apperr.Forbidden("only the primary or designated substitute may start the session"))
			return
		}
		role := "primary"
		if class.SubstituteInstructorID != nil && *class.SubstituteInstructorID == req.InstructorID {
			role = "substitute"
		}

		now := clampClientTime(req.Timestamp, time.Now(), cfg.ClientClockTolerance)
		room := ""
		if req.RoomNumber != nil {
			room = *req.RoomNumber
		}

		sess, created, err := coordinator.GetOrCreate(ctx, req.ClassID, now, req.InstructorID, room, now)
		if err != nil {
			respondErr(c, err)
			return
		}
		if created {
			metrics.SessionsOpened.Inc()
		}

		if err := attendanceRepo.UpsertInstructorCheckIn(ctx, req.InstructorID, req.ClassID, sess.Date, now); err != nil {
			log.Printf("instructor attendance upsert failed: %v", err)
		}

		c.JSON(http.StatusOK, gin.H{
			"message":              "Instructor check-in successful",
			"class_session_id":     sess.ID,
			"scheduled_start_time": sess.ScheduledStart,
			"scheduled_end_time":   sess.ScheduledEnd,
			"assignment_role":      role,
		})
	})

	scanLimiter := httpmiddleware.NewTokenBucket(cfg.ScanRatePerMin, cfg.ScanRatePerMin, httpmiddleware.ByKiosk)
	authGroup.POST("/scans", scanLimiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			SessionID int64  `json:"class_session_id" binding:"required"`
			Timestamp string `json:"timestamp"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		scanTime := clampClientTime(req.Timestamp, time.Now(), cfg.ClientClockTolerance)
		rec, err := recorder.RecordScan(c.Request.Context(), req.SessionID, req.StudentID, scanTime)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindConflict {
				metrics.ScanConflictsTotal.Inc()
			}
			respondErr(c, err)
			return
		}
		metrics.ScansTotal.WithLabelValues(string(rec.Status)).Inc()

		evt := queue.ScanEvent{
			EventID:   uuid.NewString(),
			SessionID: rec.SessionID,
			StudentID: rec.StudentID,
			Status:    string(rec.Status),
			TimeIn:    scanTime,
		}
		if err := q.Publish(c.Request.Context(), evt); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusCreated, gin.H{
			"message":     "Student attendance recorded successfully",
			"status":      rec.Status,
			"recorded_at": scanTime,
			"time_in":     rec.TimeIn,
		})
	})

	authGroup.POST("/sessions/:id/lock", func(c *gin.Context) {
		sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		var req struct {
			LockerID string `json:"locker_id"`
			Action   string `json:"action"`
			Force    bool   `json:"force"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Action == "" {
			req.Action = "lock"
		}

		state, err := coordinator.Lock(c.Request.Context(), sessionID, req.LockerID,
			session.LockAction(req.Action), req.Force, time.Now())
		if err != nil {
			var appErr *apperr.Error
			if errors.As(err, &appErr) && appErr.Detail != "" {
				c.JSON(apperr.HTTPStatus(err), gin.H{"error": appErr.Message, "lock_owner": appErr.Detail})
				return
			}
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	authGroup.POST("/checkout", func(c *gin.Context) {
		var req struct {
			InstructorID int64  `json:"instructor_id" binding:"required"`
			ClassID      *int64 `json:"class_id"`
			SessionID    *int64 `json:"class_session_id"`
			Auto         bool   `json:"auto"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := sweeper.Checkout(c.Request.Context(), sweep.CheckoutRequest{
			InstructorID: req.InstructorID,
			ClassID:      req.ClassID,
			SessionID:    req.SessionID,
			Auto:         req.Auto,
			Now:          time.Now(),
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		metrics.SessionsSealed.WithLabelValues("checkout").Add(float64(len(result.Sessions)))

		if result.AlreadyEnded {
			c.JSON(http.StatusOK, gin.H{"message": "Class session already ended", "absent_students_marked": 0})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":                      "Instructor checkout successful",
			"total_absent_students_marked": result.AbsentMarked,
			"sessions_processed":           len(result.Sessions),
			"session_details":              result.Sessions,
		})
	})

	authGroup.GET("/sessions/active", func(c *gin.Context) {
		now := time.Now()
		cutoff := now.Add(-time.Duration(cfg.SweepMaxSessionAgeHours) * time.Hour)
		sessions, err := sessionRepo.ListActive(c.Request.Context(), session.DateOf(now), cutoff)
		if err != nil {
			respondErr(c, apperr.Transient(err, "session lookup failed"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	authGroup.GET("/sessions/:id/roster", func(c *gin.Context) {
		sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		ctx := c.Request.Context()

		// The worker-maintained cache answers most polls without touching
		// Postgres.
		cached, err := redisClient.Client.HGetAll(ctx, store.RosterKey(sessionID)).Result()
		if err == nil && len(cached) > 0 {
			c.JSON(http.StatusOK, gin.H{"class_session_id": sessionID, "roster": cached, "source": "cache"})
			return
		}

		sess, err := sessionRepo.Get(ctx, sessionID)
		if err != nil {
			respondErr(c, apperr.Transient(err, "session lookup failed"))
			return
		}
		if sess == nil {
			respondErr(c, apperr.NotFound("class session %d not found", sessionID))
			return
		}
		records, err := attendanceRepo.ListBySession(ctx, sessionID)
		if err != nil {
			respondErr(c, apperr.Transient(err, "roster lookup failed"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"class_session_id": sessionID, "roster": records, "source": "db"})
	})

	authGroup.GET("/classes/:id/sessions/:date", func(c *gin.Context) {
		classID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid class id"})
			return
		}
		date, err := time.Parse("2006-01-02", c.Param("date"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
			return
		}

		ctx := c.Request.Context()
		class, err := sessionRepo.GetClass(ctx, classID)
		if err != nil {
			respondErr(c, apperr.Transient(err, "class lookup failed"))
			return
		}
		if class == nil {
			respondErr(c, apperr.NotFound("class %d not found", classID))
			return
		}

		resp := gin.H{
			"class_id":    class.ID,
			"class_code":  class.ClassCode,
			"room_number": class.RoomNumber,
			"schedule":    class.Schedule,
			"date":        c.Param("date"),
			"session_id":  nil,
		}
		sess, err := sessionRepo.AnyForClassDate(ctx, classID, date)
		if err != nil {
			respondErr(c, apperr.Transient(err, "session lookup failed"))
			return
		}
		if sess != nil {
			resp["session_id"] = sess.ID
			resp["session_room_number"] = sess.RoomNumber
			resp["start_time"] = sess.StartTime
			resp["scheduled_start_time"] = sess.ScheduledStart
			resp["scheduled_end_time"] = sess.ScheduledEnd
			resp["is_attendance_processed"] = sess.Processed
			resp["instructor_id"] = sess.InstructorID
		}
		c.JSON(http.StatusOK, resp)
	})

	authGroup.POST("/tasks/sweep", func(c *gin.Context) {
		result, err := sweeper.Sweep(c.Request.Context(), time.Now())
		if err != nil {
			respondErr(c, err)
			return
		}
		metrics.SessionsSealed.WithLabelValues("sweep").Add(float64(result.SessionsProcessed))
		metrics.SweepFailures.Add(float64(result.SessionsFailed))
		c.JSON(http.StatusOK, result)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// respondErr maps an error kind to its HTTP status.
func respondErr(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}

// clampClientTime accepts a kiosk-supplied RFC3339 timestamp only when it is
// within tolerance of server time, otherwise the server clock wins.
func clampClientTime(raw string, serverTime time.Time, tolerance time.Duration) time.Time {
	if raw == "" {
		return serverTime
	}
	clientTime, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Printf("invalid client timestamp %q, using server time", raw)
		return serverTime
	}
	diff := serverTime.Sub(clientTime)
	if diff < 0 {
		diff = -diff
	}
	if diff <= tolerance {
		return clientTime
	}
	log.Printf("client timestamp %s differs from server time %s beyond tolerance, using server time", clientTime, serverTime)
	return serverTime
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
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
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
