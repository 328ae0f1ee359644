package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"daggle/internal/api"
	"daggle/internal/api/middleware"
	"daggle/internal/config"
	"daggle/internal/jobs"
	"daggle/internal/ranking"
	"daggle/internal/ratelimit"
	"daggle/internal/repository"
	"daggle/internal/roles"
	"daggle/internal/scoring"
	"daggle/internal/service"
	"daggle/internal/storage"
	"daggle/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := initPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	log.Println("✓ Connected to PostgreSQL")

	postgresRepo := repository.NewPostgresRepository(db)
	if err := postgresRepo.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("✓ Database migrations completed")

	// Redis backs the rate limit counters and the leaderboard cache. Without
	// it counters are per process, which is only correct for a single instance.
	var (
		redisRepo *repository.RedisRepository
		counter   ratelimit.Counter
		cache     service.LeaderboardCache
	)
	if cfg.Redis.Enabled {
		redisClient, err := initRedis(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("✓ Connected to Redis")
		redisRepo = repository.NewRedisRepository(redisClient)
		counter = redisRepo
		cache = redisRepo
	} else {
		log.Println("⚠️  Redis disabled: using in-process rate limit counters and no leaderboard cache")
		counter = ratelimit.NewMemoryCounter()
	}

	files, err := storage.NewLocal(cfg.Storage.Dir)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("✓ File storage at %s", cfg.Storage.Dir)

	tieBreak, err := ranking.ParseTieBreak(cfg.Leaderboard.TieBreak)
	if err != nil {
		log.Fatalf("Invalid tie-break policy: %v", err)
	}

	limiter := ratelimit.NewLimiter(counter)
	resolver := roles.NewResolver(postgresRepo, postgresRepo, limiter)
	leaderboardService := service.NewLeaderboardService(postgresRepo, cache)
	ranker := ranking.NewEngine(postgresRepo, leaderboardService, ranking.Config{TieBreak: tieBreak})
	scorer := scoring.NewEngine(files)

	competitionService := service.NewCompetitionService(postgresRepo, ranker)
	submissionService := service.NewSubmissionService(postgresRepo, limiter, scorer, ranker, files, service.PipelineConfig{
		Workers:    cfg.Scoring.Workers,
		QueueSize:  cfg.Scoring.QueueSize,
		Timeout:    cfg.Scoring.Timeout,
		QueueWait:  cfg.Scoring.QueueWait,
		ResultWait: cfg.Scoring.ResultWait,
	})
	submissionService.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(leaderboardService, websocket.DefaultHeartbeat)
	go hub.Run(ctx)

	sweeper := jobs.NewSweeper(postgresRepo, jobs.SweeperConfig{
		Interval:   cfg.Sweeper.Interval,
		StaleAfter: cfg.Sweeper.StaleAfter,
	})
	if err := sweeper.Start(ctx); err != nil {
		log.Printf("⚠️  Failed to start sweeper: %v", err)
	}

	app := api.NewApp(api.Deps{
		Auth:           middleware.NewAuth(cfg.Auth.JWTSecret),
		Resolver:       resolver,
		Competitions:   competitionService,
		Submissions:    submissionService,
		Leaderboard:    leaderboardService,
		Hub:            hub,
		BodyLimit:      cfg.Server.BodyLimit,
		MaxUploadBytes: cfg.Scoring.MaxUploadBytes,
		CORSOrigins:    cfg.Server.CORSOrigins,
		AccessLog:      true,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Daggle Competition Service API",
			"version": "1.0.0",
			"endpoints": []string{
				"GET /api/v1/health",
				"GET /api/v1/competitions/:id",
				"GET /api/v1/competitions/:id/leaderboard",
				"GET /api/v1/competitions/:id/leaderboard/around-me",
				"POST /api/v1/competitions/:id/leaderboard/rebuild",
				"POST|DELETE /api/v1/competitions/:id/enrollment",
				"PATCH /api/v1/competitions/:id/status",
				"POST /api/v1/competitions/:id/submissions",
				"GET /api/v1/competitions/:id/submissions",
				"GET /api/v1/competitions/:id/submissions/:sid",
				"WS /ws/competitions/:id",
			},
			"websocket_clients": hub.GetClientCount(),
			"scoring_pool":      submissionService.PoolMetrics(),
			"sweeper":           sweeper.GetMetrics(),
		})
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Println("🛑 Shutting down server...")

		sweeper.Stop()

		// Stop accepting new HTTP requests first
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}

		// Then let accepted submissions reach a terminal status
		log.Println("🔄 Draining scoring queue...")
		if err := submissionService.Shutdown(cfg.Scoring.Timeout + 5*time.Second); err != nil {
			log.Printf("Scoring pool shutdown error: %v", err)
		}
		ranker.Close()
		cancel()

		if err := postgresRepo.Close(); err != nil {
			log.Printf("Error closing PostgreSQL: %v", err)
		}
		if redisRepo != nil {
			if err := redisRepo.Close(); err != nil {
				log.Printf("Error closing Redis: %v", err)
			}
		}

		log.Println("✓ Server shutdown complete")
	}()

	port := cfg.Server.Port
	log.Printf("🚀 Server starting on port %d...", port)
	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// initPostgres initializes PostgreSQL connection with connection pooling
func initPostgres(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Every scoring worker may hold a connection while the rank engine holds
	// one per active competition
	maxOpen := cfg.Scoring.Workers + 20
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}

	log.Printf("✓ PostgreSQL connection pool configured: MaxOpen=%d, MaxIdle=%d", maxOpen, 10)
	return db, nil
}

// initRedis initializes Redis connection with connection pooling
func initRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
