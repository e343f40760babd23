package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/handler"
	"github.com/stemsi/examroom/internal/middleware"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/response"
	"github.com/stemsi/examroom/internal/service"
)

// streamLockTTL bounds how long a crashed server keeps an attempt locked.
const streamLockTTL = 30 * time.Second

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	StudentPortal *handler.StudentPortalHandler
	Exam          *handler.ExamHandler
	Monitor       *handler.MonitorHandler
	WS            *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// Background middleware state is released when stop is closed.
func SetupRouter(
	authService *service.AuthService,
	rdb *redis.Client,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
	stop <-chan struct{},
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(requestLogger(log))

	// Frames are already compressed images.
	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Quality:          middleware.DefaultBrotliConfig.Quality,
		MinLength:        middleware.DefaultBrotliConfig.MinLength,
		ExcludedPrefixes: []string{"/api/v1/admin/frames"},
	}))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Rate limiter for auth routes (30 requests per minute per IP).
	authLimiter := middleware.NewRateLimiter(30, time.Minute)
	go authLimiter.Cleanup(stop)

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	auth.Use(authLimiter.Middleware())
	{
		auth.POST("/admin/login", handlers.Auth.AdminLogin)
		auth.GET("/admin/me", middleware.RequireAdminJWT(authService), handlers.Auth.GetAdminProfile)
	}

	// ─── 2. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService))
	{
		studentAPI.GET("/lobby", handlers.StudentPortal.GetLobby)
		studentAPI.GET("/exams/:exam_id/paper", handlers.StudentPortal.GetExamPaper)
		studentAPI.POST("/exams/:exam_id/start", handlers.StudentPortal.StartExam)
		studentAPI.GET("/exams/:exam_id/state", handlers.StudentPortal.GetExamState)
	}

	// ─── 3. WebSocket Group (Student JWT, one live stream per attempt) ─
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentJWT(authService))
	{
		ws.GET("/student/exams/:exam_id/stream",
			middleware.SingleStream(rdb, streamLockTTL, log),
			handlers.WS.ExamWebSocketStream,
		)
	}

	// ─── 4. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		adminAPI.POST("/exams",
			middleware.RequirePermission(model.PermissionExamsWrite),
			handlers.Exam.CreateExam,
		)
		adminAPI.GET("/exams/:exam_id",
			middleware.RequirePermission(model.PermissionExamsRead),
			handlers.Exam.GetExam,
		)
		adminAPI.POST("/exams/:exam_id/publish",
			middleware.RequirePermission(model.PermissionExamsPublish),
			handlers.Exam.PublishExam,
		)
		adminAPI.GET("/exams/:exam_id/sessions",
			middleware.RequireAnyPermission(model.PermissionExamsRead, model.PermissionExamsMonitor),
			handlers.Exam.ListSessions,
		)
		adminAPI.POST("/exams/:exam_id/sessions/:student_id/reset",
			middleware.RequirePermission(model.PermissionSessionsReset),
			handlers.Exam.ResetSession,
		)
		adminAPI.GET("/exams/:exam_id/sessions/:student_id/frames",
			middleware.RequirePermission(model.PermissionExamsMonitor),
			handlers.Exam.ListFrames,
		)
		adminAPI.GET("/exams/:exam_id/monitor",
			middleware.RequirePermission(model.PermissionExamsMonitor),
			handlers.Monitor.MonitorExamSSE,
		)

		// Stored proctoring snapshots, addressed by the frame's relative path.
		frames := adminAPI.Group("/frames")
		frames.Use(middleware.RequirePermission(model.PermissionExamsMonitor))
		frames.Static("/", cfg.ProctorDir)
	}

	return router
}

// requestLogger logs one line per request with the request ID.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("request_id", response.RequestID(c)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
