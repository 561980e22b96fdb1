// Exposes the operational HTTP endpoints of Trophonius.

package metrics

import (
	"Trophonius/internal/registry"
	"Trophonius/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Registers the ops handlers (health, stats, prometheus) onto the gin server.
func APIHandlers(router *gin.Engine, service Service, reg registry.Service, logger log.Logger) {
	router.GET("/health", healthhandler())
	router.GET("/api/stats", statshandler(reg, logger))
	router.GET("/metrics", gin.WrapH(service.Handler()))
}

func healthhandler() gin.HandlerFunc {
	return func(gctx *gin.Context) {
		gctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// Live view over the Client Registry, handy to eyeball who's connected.
func statshandler(reg registry.Service, logger log.Logger) gin.HandlerFunc {
	return func(gctx *gin.Context) {
		gctx.JSON(http.StatusOK, gin.H{
			"recipients": reg.Recipients(),
			"devices":    reg.Devices(),
		})
	}
}
