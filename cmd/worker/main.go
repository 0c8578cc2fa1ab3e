package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkin/internal/config"
	"checkin/internal/queue"
	"checkin/internal/registry"
	"checkin/internal/rosterclient"
	"checkin/internal/store"
)

// Worker consumes check-in messages, verifies enrollment against the roster
// service, and resolves pending records to approved or flagged.
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

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "checkin:reviews")
	}

	repo := registry.NewRepository(db.Client)
	roster := rosterclient.New(cfg.RosterURL, cfg.RosterSkip)

	if !cfg.RosterSkip {
		if err := roster.Health(ctx); err != nil {
			log.Printf("WARNING: roster service not available: %v", err)
			log.Println("Worker will retry enrollment checks when records arrive")
		} else {
			log.Println("Roster service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "checkin" {
			continue
		}

		id := string(msg.Body)
		log.Printf("processing record %s", id)

		rec, err := repo.GetRecord(ctx, id)
		if err != nil {
			log.Printf("fetch record %s failed: %v", id, err)
			continue
		}

		sess, err := repo.GetSession(ctx, rec.SessionID)
		if err != nil || sess == nil {
			log.Printf("session lookup for record %s failed: %v", id, err)
			_ = repo.UpdateRecordStatus(ctx, id, "flagged")
			continue
		}

		result, err := roster.VerifyEnrollment(ctx, sess.CourseID, rec.StudentID)
		if err != nil {
			log.Printf("enrollment check failed for %s: %v", id, err)
			_ = repo.UpdateRecordStatus(ctx, id, "flagged")
			continue
		}

		status := "flagged"
		if result.Enrolled {
			status = "approved"
		}
		_ = repo.UpdateRecordStatus(ctx, id, status)
		log.Printf("record %s resolved: %s", id, status)

		time.Sleep(10 * time.Millisecond) // Small delay between processing
	}

	log.Println("worker stopped")
}
