package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/apiclient"
	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/httpapi"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/live"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()
	opts := cfg.Options()

	var redisClient *store.Redis
	if cfg.CooldownBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			log.Printf("warning: redis not reachable at %s, scans will fail until it is", cfg.RedisAddr)
		}
		opts.NewGate = store.CooldownGates(redisClient.Client, cfg.ScanCooldown)
	}

	var db *store.DB
	var journal *attendance.Repository
	if cfg.JournalEnabled {
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL, 5*time.Second)
		if err != nil {
			log.Printf("warning: journal disabled, db not reachable: %v", err)
		} else {
			defer db.Close()
			journal = attendance.NewRepository(db.Client)
			if err := journal.Migrate(ctx); err != nil {
				return err
			}
			opts.Journal = journal
		}
	}

	backend := apiclient.New(cfg.BackendURL, cfg.BackendToken, cfg.CommitTimeout+2*time.Second)
	ctrl := attendance.NewController(backend, opts)
	defer ctrl.Close()

	h := &httpapi.Handler{
		Controller:     ctrl,
		History:        backend,
		Signer:         auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer),
		Streamer:       live.NewStreamer(nil),
		Limiter:        httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		CaptureLimiter: httpmiddleware.NewTokenBucket(cfg.CaptureRatePerMin, cfg.CaptureRatePerMin),
		BadgeSize:      cfg.BadgeSize,
		AccessTTL:      cfg.AccessTTL,
		RefreshTTL:     cfg.RefreshTTL,
		DevRoutes:      cfg.IsDev(),
	}
	if journal != nil {
		h.Journal = journal
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowWebSockets: true,
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok", "live_sessions": len(ctrl.Sessions())}
		if redisClient != nil {
			ok := redisClient.Healthy(c.Request.Context())
			body["redis"] = ok
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		if cfg.JournalEnabled {
			body["journal"] = db.Healthy(c.Request.Context())
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})

	h.Register(r)

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s (backend %s, cooldown %s via %s)", cfg.HTTPPort, cfg.BackendURL, cfg.ScanCooldown, cfg.CooldownBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
