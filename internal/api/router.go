package api

import (
	"daggle/internal/api/handlers"
	"daggle/internal/api/middleware"
	"daggle/internal/service"
	"daggle/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fiberws "github.com/gofiber/websocket/v2"
)

// Deps are the collaborators the HTTP layer is built from
type Deps struct {
	Auth         *middleware.Auth
	Resolver     middleware.RoleResolver
	Competitions *service.CompetitionService
	Submissions  *service.SubmissionService
	Leaderboard  *service.LeaderboardService
	Hub          *websocket.Hub

	BodyLimit      int
	MaxUploadBytes int64
	CORSOrigins    string
	AccessLog      bool
}

// NewApp builds the fiber application with all routes registered
func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Daggle Competition Service",
		BodyLimit:             d.BodyLimit,
		ErrorHandler:          handlers.ErrorHandler,
		DisableStartupMessage: !d.AccessLog,
	})

	app.Use(recover.New())
	if d.AccessLog {
		app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
	if d.CORSOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: d.CORSOrigins,
			AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
			AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		}))
	}

	competitionHandler := handlers.NewCompetitionHandler(d.Competitions)
	submissionHandler := handlers.NewSubmissionHandler(d.Submissions, d.MaxUploadBytes)
	leaderboardHandler := handlers.NewLeaderboardHandler(d.Leaderboard, d.Hub)

	// Every competition route loads the competition and the caller's role once
	load := middleware.Competition(d.Competitions, d.Resolver)
	optional := d.Auth.Optional()
	required := d.Auth.Required()

	v1 := app.Group("/api/v1")
	v1.Get("/health", leaderboardHandler.HealthCheck)

	v1.Get("/competitions/:id", optional, load, competitionHandler.GetCompetition)
	v1.Get("/competitions/:id/leaderboard", optional, load, leaderboardHandler.GetLeaderboard)
	v1.Get("/competitions/:id/leaderboard/around-me", required, load, leaderboardHandler.AroundMe)
	v1.Post("/competitions/:id/leaderboard/rebuild", required, load, competitionHandler.RebuildLeaderboard)
	v1.Post("/competitions/:id/enrollment", required, load, competitionHandler.Enroll)
	v1.Delete("/competitions/:id/enrollment", required, load, competitionHandler.Unenroll)
	v1.Patch("/competitions/:id/status", required, load, competitionHandler.SetStatus)
	v1.Post("/competitions/:id/submissions", required, load, submissionHandler.Submit)
	v1.Get("/competitions/:id/submissions", required, load, submissionHandler.ListSubmissions)
	v1.Get("/competitions/:id/submissions/:sid", required, load, submissionHandler.GetSubmission)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/competitions/:id", optional, load, fiberws.New(leaderboardHandler.HandleWebSocket))

	return app
}
