// List of all ops HTTP endpoints exposed by Trophonius can be found here.

package main

import (
	"Trophonius/internal/metrics"
	"Trophonius/internal/registry"
	"Trophonius/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

func Router(router *gin.Engine, metricsService metrics.Service, registryService registry.Service, logger log.Logger) {
	// This is the route to default path
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Welcome to Trophonius!")
	})
	// Registering internal package metrics handlers (health, stats, prometheus).
	metrics.APIHandlers(router, metricsService, registryService, logger)
}
