// Package httpapi serves the local status endpoints: connection
// statistics and the current presence view. Local and unauthenticated,
// intended for dashboards and debugging.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/meeting"
	"github.com/rs/zerolog/log"
)

func SetupRouter(cfg *config.Config, session *meeting.Session) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, session.GetConnectionStats())
	})
	api.GET("/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, session.Participants())
	})

	log.Info().Str("module", "httpapi").Str("addr", cfg.StatusAddr).Msg("status router setup")
	return r
}
