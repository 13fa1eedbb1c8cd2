package api

import (
	"github.com/gin-gonic/gin"

	"renderexport/config"
	"renderexport/logger"
)

func SetupRouter(ex Exporter, cfg *config.Config, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware(), LoggingMiddleware(log), RecoveryMiddleware(log))
	h := NewHandler(ex, cfg, log)

	// Liveness
	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.POST("/export", h.handleCreateExport)
	// The job id is the capability; downloads need no other credential.
	r.GET("/export/:jobId/*path", h.handleDownload)
	return r
}
