package client

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tallyhq/tally/internal/client/handlers"
	"github.com/tallyhq/tally/internal/client/middleware"
	"github.com/tallyhq/tally/internal/version"
)

const defaultRateLimit = "20-S"

func SetupRoutes(svc handlers.OutboxService, config *ControlPlaneConfig) http.Handler {
	r := gin.New()

	outboxH := handlers.NewOutboxHandler(svc)
	statusH := handlers.NewStatusHandler(svc)

	rateLimit := config.RateLimit
	if rateLimit == "" {
		rateLimit = defaultRateLimit
	}

	r.Use(middleware.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(config.AllowedOrigins))
	r.Use(middleware.Gzip())
	r.Use(middleware.RateLimiter(rateLimit))

	r.GET("/", IndexHandler)

	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(middleware.TokenAuthConfig{Token: config.AuthToken}))
	{
		v1.GET("/status", statusH.Status)

		v1Outbox := v1.Group("/outbox")
		{
			v1Outbox.GET("", outboxH.List)
			v1Outbox.POST("/enqueue", outboxH.Enqueue)
			v1Outbox.POST("/sync", outboxH.Sync)
			v1Outbox.POST("/items/:id/retry", outboxH.Retry)
			v1Outbox.POST("/items/:id/resolve", outboxH.Resolve)
			v1Outbox.POST("/clear-failed", outboxH.ClearFailed)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":     version.AppName,
		"version": version.Detailed(),
	})
}
