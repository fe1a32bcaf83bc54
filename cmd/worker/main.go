package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classtrack/internal/config"
	"classtrack/internal/metrics"
	"classtrack/internal/queue"
	"classtrack/internal/store"
	"classtrack/internal/sweep"
)

// rosterTTL bounds how long a live-roster hash outlives its last scan.
const rosterTTL = 6 * time.Hour

// Worker runs the absence sweep on a ticker and folds scan events into the
// Redis live-roster cache kiosks poll.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:scans")
	}

	sweeper := sweep.NewService(sweep.NewRepository(db.Client),
		time.Duration(cfg.SweepEndGraceMin)*time.Minute,
		time.Duration(cfg.SweepMaxSessionAgeHours)*time.Hour)

	go runSweeper(ctx, sweeper, cfg.SweepInterval)

	events, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for scan events...")
	for evt := range events {
		key := store.RosterKey(evt.SessionID)
		entry, err := json.Marshal(map[string]any{
			"status":  evt.Status,
			"time_in": evt.TimeIn,
		})
		if err != nil {
			continue
		}
		if err := redisClient.Client.HSet(ctx, key, evt.StudentID, entry).Err(); err != nil {
			log.Printf("roster cache update failed for session %d: %v", evt.SessionID, err)
			continue
		}
		_ = redisClient.Client.Expire(ctx, key, rosterTTL).Err()
		log.Printf("roster: session %d student %s -> %s", evt.SessionID, evt.StudentID, evt.Status)
	}

	log.Println("worker stopped")
}

func runSweeper(ctx context.Context, sweeper *sweep.Service, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			result, err := sweeper.Sweep(ctx, now)
			if err != nil {
				log.Printf("sweep pass failed: %v", err)
				continue
			}
			metrics.SessionsSealed.WithLabelValues("sweep").Add(float64(result.SessionsProcessed))
			metrics.SweepFailures.Add(float64(result.SessionsFailed))
			if result.SessionsProcessed > 0 || result.SessionsFailed > 0 {
				log.Printf("sweep: processed %d sessions (%d failed, %d absences marked)",
					result.SessionsProcessed, result.SessionsFailed, result.AbsentMarked)
			}
		}
	}
}
