package server

import (
	"log/slog"

	"skyquery/internal/infra"
	"skyquery/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers every route on a new gin engine
func NewRouter(h *Handler, metrics *infra.Metrics, logger *slog.Logger) *gin.Engine {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger.With("module", "http")), queryMetrics(metrics))

	r.GET("/", h.StatusHandler)
	r.GET("/query", h.QueryHandler)
	r.GET("/query_items", h.QueryItemsHandler)
	r.GET("/pets", h.PetsHandler)
	r.GET("/lowestbin", h.LowestBinHandler)
	r.GET("/underbin", h.UnderBinHandler)
	r.GET("/average_auction", h.AverageHandler(service.AverageAuction))
	r.GET("/average_bin", h.AverageHandler(service.AverageBin))
	r.GET("/average", h.AverageHandler(service.AverageAll))
	r.GET("/ws/underbin", h.StreamHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"success": false, "reason": "not found"})
	})
	return r
}
