package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollcall/internal/apiclient"
	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker drains one session's scanner-station queue into its reconciler.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.WorkerSessionID == "" {
		log.Fatal("WORKER_SESSION_ID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	opts := cfg.Options()
	if cfg.CooldownBackend == "redis" {
		opts.NewGate = store.CooldownGates(redisClient.Client, cfg.ScanCooldown)
	}
	if cfg.JournalEnabled {
		db, err := store.NewDB(ctx, cfg.DatabaseURL, 5*time.Second)
		if err != nil {
			log.Printf("warning: journal disabled, db not reachable: %v", err)
		} else {
			defer db.Close()
			opts.Journal = attendance.NewRepository(db.Client)
		}
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Println("warning: memory queue receives nothing from stations; use QUEUE_BACKEND=redis")
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.CaptureKey(cfg.WorkerSessionID))
	}

	backend := apiclient.New(cfg.BackendURL, cfg.BackendToken, cfg.CommitTimeout+2*time.Second)
	ctrl := attendance.NewController(backend, opts)

	if err := run(ctx, ctrl, q, cfg.WorkerSessionID); err != nil {
		log.Fatalf("worker: %v", err)
	}
	log.Println("worker stopped")
}

func run(ctx context.Context, ctrl *attendance.Controller, q queue.Queue, sessionID string) error {
	rec, err := ctrl.ResumeByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.State() == attendance.StateEnded {
		log.Printf("session %s already ended, nothing to consume", sessionID)
		return nil
	}

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	messages, err := q.Consume(consumeCtx)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	endRequested := false
	go func() {
		defer close(done)
		for msg := range messages {
			ev, err := msg.Event()
			if errors.Is(err, queue.ErrEnd) {
				endRequested = true
				stopConsume()
				return
			}
			if err != nil {
				log.Printf("session %s: dropping message: %v", sessionID, err)
				continue
			}
			out := rec.Handle(consumeCtx, ev)
			c := out.Counters
			log.Printf("session %s %s %s: %s (present=%d absent=%d remaining=%d)",
				sessionID, ev.Kind, out.Result, out.Notice(), c.Present, c.Absent, c.Remaining)
		}
	}()

	if err := ctrl.Attach(sessionID, attendance.StopFunc(func() {
		stopConsume()
		<-done
	})); err != nil {
		return err
	}

	log.Printf("worker consuming %s", queue.CaptureKey(sessionID))
	<-done

	if !endRequested {
		ctrl.Close()
		return nil
	}
	ended, err := ctrl.End(ctx, sessionID)
	if err != nil {
		return err
	}
	c := rec.Counters()
	log.Printf("session %s ended: present=%d absent=%d remaining=%d",
		ended.ID, c.Present, c.Absent, c.Remaining)
	return nil
}
