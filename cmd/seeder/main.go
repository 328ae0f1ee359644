package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"time"

	"daggle/internal/api/middleware"
	"daggle/internal/config"
	"daggle/internal/models"
	"daggle/internal/ranking"
	"daggle/internal/repository"
	"daggle/internal/service"
	"daggle/internal/storage"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	ParticipantsPerCompetition = 2000
	SubmissionsPerParticipant  = 3
	TruthRows                  = 500
	BatchSize                  = 500
	SponsorID                  = "sponsor_1"
	UserIDPrefix               = "user_"
	TokenTTL                   = 30 * 24 * time.Hour
)

type demoCompetition struct {
	title  string
	metric models.Metric
	limit  int
	// truthValue produces one ground truth target
	truthValue func(rng *rand.Rand) string
	// scoreFor produces a plausible historic score
	scoreFor func(rng *rand.Rand) float64
}

var demoCompetitions = []demoCompetition{
	{
		title:  "Churn Prediction",
		metric: models.MetricAUCROC,
		limit:  5,
		truthValue: func(rng *rand.Rand) string {
			return strconv.Itoa(rng.Intn(2))
		},
		scoreFor: func(rng *rand.Rand) float64 {
			return 0.5 + rng.Float64()*0.45
		},
	},
	{
		title:  "House Prices",
		metric: models.MetricRMSE,
		limit:  10,
		truthValue: func(rng *rand.Rand) string {
			return strconv.FormatFloat(80000+rng.Float64()*420000, 'f', 2, 64)
		},
		scoreFor: func(rng *rand.Rand) float64 {
			return 15000 + rng.Float64()*45000
		},
	},
}

func main() {
	log.Println("🌱 Starting seeder for Daggle...")

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

	var (
		redisRepo *repository.RedisRepository
		cache     service.LeaderboardCache
	)
	if cfg.Redis.Enabled {
		redisClient, err := initRedis(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("✓ Connected to Redis")
		redisRepo = repository.NewRedisRepository(redisClient)
		cache = redisRepo
	}

	files, err := storage.NewLocal(cfg.Storage.Dir)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	tieBreak, err := ranking.ParseTieBreak(cfg.Leaderboard.TieBreak)
	if err != nil {
		log.Fatalf("Invalid tie-break policy: %v", err)
	}
	leaderboardService := service.NewLeaderboardService(postgresRepo, cache)
	ranker := ranking.NewEngine(postgresRepo, leaderboardService, ranking.Config{TieBreak: tieBreak})
	defer ranker.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for _, demo := range demoCompetitions {
		comp, err := seedCompetition(ctx, cfg, postgresRepo, files, demo, rng)
		if err != nil {
			log.Fatalf("Failed to seed %q: %v", demo.title, err)
		}
		log.Printf("✓ Competition %q (id=%d, slug=%s, metric=%s)", comp.Title, comp.ID, comp.Slug, comp.Metric)

		if err := seedParticipants(ctx, postgresRepo, comp, demo, rng); err != nil {
			log.Fatalf("Failed to seed participants: %v", err)
		}

		start := time.Now()
		entries, err := ranker.Rebuild(ctx, comp)
		if err != nil {
			log.Fatalf("Failed to rebuild leaderboard: %v", err)
		}
		log.Printf("   ✓ Ranked %d participants in %v", len(entries), time.Since(start))

		log.Println("   📊 Top 5:")
		for i := 0; i < len(entries) && i < 5; i++ {
			log.Printf("      %d. %s - %s %.4f", entries[i].Rank, entries[i].UserID, comp.Metric, entries[i].BestScore)
		}
	}

	// Development tokens; production tokens come from the platform's auth service
	auth := middleware.NewAuth(cfg.Auth.JWTSecret)
	log.Println("\n🔑 Development tokens:")
	for _, identity := range []models.Identity{
		{UserID: SponsorID, Username: "sponsor"},
		{UserID: UserIDPrefix + "1", Username: "user 1"},
		{UserID: "newcomer", Username: "newcomer"},
	} {
		token, err := auth.IssueToken(identity, TokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		log.Printf("   %s: %s", identity.UserID, token)
	}

	postgresRepo.Close()
	if redisRepo != nil {
		redisRepo.Close()
	}

	log.Println("\n🎉 Seeder finished!")
}

// seedCompetition upserts the competition and writes its ground truth file
func seedCompetition(ctx context.Context, cfg *config.Config, repo *repository.PostgresRepository, files storage.Storage, demo demoCompetition, rng *rand.Rand) (*models.Competition, error) {
	compSlug := slug.Make(demo.title)
	comp := &models.Competition{
		Slug:                 compSlug,
		Title:                demo.title,
		SponsorID:            SponsorID,
		Status:               models.CompetitionActive,
		Metric:               demo.metric,
		DailySubmissionLimit: demo.limit,
		Timezone:             cfg.Leaderboard.DefaultTimezone,
		TruthSetKey:          storage.TruthSetKey(compSlug),
		IDColumn:             "id",
		PredictionColumn:     "prediction",
		TargetColumn:         "target",
	}

	truth, err := truthSet(TruthRows, demo.truthValue, rng)
	if err != nil {
		return nil, err
	}
	if err := files.Save(ctx, comp.TruthSetKey, truth); err != nil {
		return nil, fmt.Errorf("save truth set: %w", err)
	}

	if err := repo.UpsertCompetition(ctx, comp); err != nil {
		return nil, fmt.Errorf("upsert competition: %w", err)
	}
	return repo.GetCompetitionBySlug(ctx, compSlug)
}

// seedParticipants enrolls users and records scored historic submissions
func seedParticipants(ctx context.Context, repo *repository.PostgresRepository, comp *models.Competition, demo demoCompetition, rng *rand.Rand) error {
	start := time.Now()
	base := time.Now().Add(-7 * 24 * time.Hour)

	enrollments := make([]models.Enrollment, ParticipantsPerCompetition)
	for i := range enrollments {
		enrollments[i] = models.Enrollment{
			CompetitionID: comp.ID,
			UserID:        fmt.Sprintf("%s%d", UserIDPrefix, i+1),
			EnrolledAt:    base.Add(time.Duration(i) * time.Second),
		}
	}
	if err := repo.BulkInsertEnrollments(ctx, enrollments, BatchSize); err != nil {
		return fmt.Errorf("bulk insert enrollments: %w", err)
	}
	log.Printf("   ✓ Enrolled %d participants in %v", len(enrollments), time.Since(start))

	start = time.Now()
	count := 0
	for _, e := range enrollments {
		for j := 0; j < SubmissionsPerParticipant; j++ {
			score := demo.scoreFor(rng)
			at := e.EnrolledAt.Add(time.Duration(j+1) * time.Hour)
			sub := &models.Submission{
				ID:            uuid.NewString(),
				CompetitionID: comp.ID,
				UserID:        e.UserID,
				FileName:      "predictions.csv",
				Status:        models.SubmissionScored,
				Score:         &score,
				SubmittedAt:   at,
				ScoredAt:      &at,
			}
			if err := repo.CreateSubmission(ctx, sub); err != nil {
				return fmt.Errorf("create submission: %w", err)
			}
			count++
		}
	}
	log.Printf("   ✓ Recorded %d scored submissions in %v (%.0f submissions/sec)",
		count, time.Since(start), float64(count)/time.Since(start).Seconds())
	return nil
}

// truthSet renders an id,target CSV with rows entries
func truthSet(rows int, value func(*rand.Rand) string, rng *rand.Rand) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "target"}); err != nil {
		return nil, err
	}
	for i := 1; i <= rows; i++ {
		if err := w.Write([]string{strconv.Itoa(i), value(rng)}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// initPostgres initializes PostgreSQL connection
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
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// initRedis initializes Redis connection
func initRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     10,
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
