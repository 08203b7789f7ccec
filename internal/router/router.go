package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/handler"
	"github.com/stemsi/exstem-agent/internal/middleware"
	"github.com/stemsi/exstem-agent/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Stream  *handler.StreamHandler
}

// SetupRouter configures the local API the exam UI talks to.
func SetupRouter(handlers *Handlers, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// The UI is a browser shell on the same device; restrict origins
	// when configured, allow all otherwise so dev works out of the box.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check. Also what a sibling agent's network oracle probes.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── Session Group (Exam Ticket) ───────────────────────────────────
	sessionAPI := router.Group("/api/v1/session")
	sessionAPI.Use(middleware.RequireTicket(cfg.TicketSecret))
	{
		sessionAPI.POST("/open", handlers.Session.OpenSession)
		sessionAPI.POST("/begin", handlers.Session.BeginExam)
		sessionAPI.PUT("/answers/:question_id", handlers.Session.PutAnswer)
		sessionAPI.POST("/navigate", handlers.Session.Navigate)
		sessionAPI.GET("/state", handlers.Session.GetState)
		sessionAPI.POST("/submit", handlers.Session.SubmitExam)
	}

	// ─── WebSocket Group ───────────────────────────────────────────────
	wsAPI := router.Group("/ws/v1")
	wsAPI.Use(middleware.RequireTicket(cfg.TicketSecret))
	{
		wsAPI.GET("/session/stream", handlers.Stream.SessionStream)
	}

	return router
}
