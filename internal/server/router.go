// Package server wires the upload protocols into an HTTP surface: a
// single-shot multipart endpoint, the chunked-upload REST protocol and the
// WebSocket streaming endpoint.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stevedore-sh/stevedore/internal/auth"
	"github.com/stevedore-sh/stevedore/internal/sandbox"
	"github.com/stevedore-sh/stevedore/internal/stream"
	"github.com/stevedore-sh/stevedore/internal/upload"
	"github.com/stevedore-sh/stevedore/pkg/config"
)

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(cfg *config.Config, authSvc *auth.Service, resolver *sandbox.Resolver, manager *upload.Manager) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "stevedore",
			"time":    time.Now().UTC(),
		})
	})

	handlers := &Handlers{
		resolver:    resolver,
		manager:     manager,
		maxBodySize: cfg.Upload.MaxBodySize,
	}

	api := router.Group("/api")
	api.Use(auth.BasicMiddleware(authSvc))
	{
		api.POST("/upload", handlers.UploadMultipart)

		chunked := api.Group("/upload/chunked")
		{
			chunked.POST("/init", handlers.InitChunked)
			chunked.POST("/chunk", handlers.PutChunk)
			chunked.POST("/complete", handlers.CompleteChunked)
			chunked.POST("/abort", handlers.AbortChunked)
		}
	}

	// The WebSocket route authenticates in-band (or via the upgrade query
	// parameter), so it sits outside the Basic middleware.
	wsHandler := stream.NewHandler(resolver, authSvc)
	router.GET("/api/ws/upload", wsHandler.Serve)

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, Accept, Origin")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
