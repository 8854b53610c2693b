package server

import (
	"context"
	"net/http"
	"net/url"

	"skyquery/internal/domain"
	"skyquery/internal/history"
	"skyquery/internal/query"
	"skyquery/internal/service"

	"github.com/gin-gonic/gin"
)

// AuctionServiceInterface is the read surface the handlers serve
type AuctionServiceInterface interface {
	Require(key string, features ...domain.Feature) (domain.AccessLevel, error)
	Query(ctx context.Context, key string, params url.Values) ([]query.Match, error)
	QueryItems(key string) ([]string, error)
	Pets(key, descriptors string) ([]service.PetPrice, error)
	LowestBin(key string) (map[string]int64, error)
	UnderBin(key string) ([]domain.UndercutEvent, error)
	Average(key string, kind service.AverageKind, timeMS, stepMin string) (map[string][]history.Point, error)
	Status() service.StatusView
}

// Handler binds the service to gin routes
type Handler struct {
	service AuctionServiceInterface
	stream  http.Handler
}

// NewHandler creates a handler. stream serves /ws/underbin and may be nil.
func NewHandler(svc AuctionServiceInterface, stream http.Handler) *Handler {
	return &Handler{service: svc, stream: stream}
}

// StatusHandler handles GET /
func (h *Handler) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

// QueryHandler handles GET /query
func (h *Handler) QueryHandler(c *gin.Context) {
	matches, err := h.service.Query(c.Request.Context(), apiKey(c), c.Request.URL.Query())
	if err != nil {
		JSONError(c, err)
		return
	}
	c.JSON(http.StatusOK, matches)
}

// QueryItemsHandler handles GET /query_items
func (h *Handler) QueryItemsHandler(c *gin.Context) {
	items, err := h.service.QueryItems(apiKey(c))
	if err != nil {
		JSONError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// PetsHandler handles GET /pets?query=[LVL_100]_GOLDEN_DRAGON_LEGENDARY,...
func (h *Handler) PetsHandler(c *gin.Context) {
	pets, err := h.service.Pets(apiKey(c), c.Query("query"))
	if err != nil {
		JSONError(c, err)
		return
	}
	c.JSON(http.StatusOK, pets)
}

// LowestBinHandler handles GET /lowestbin
func (h *Handler) LowestBinHandler(c *gin.Context) {
	lowest, err := h.service.LowestBin(apiKey(c))
	if err != nil {
		JSONError(c, err)
		return
	}
	c.JSON(http.StatusOK, lowest)
}

// UnderBinHandler handles GET /underbin
func (h *Handler) UnderBinHandler(c *gin.Context) {
	events, err := h.service.UnderBin(apiKey(c))
	if err != nil {
		JSONError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// AverageHandler handles GET /average_auction, /average_bin and /average
func (h *Handler) AverageHandler(kind service.AverageKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		series, err := h.service.Average(apiKey(c), kind, c.Query("time"), c.Query("step"))
		if err != nil {
			JSONError(c, err)
			return
		}
		c.JSON(http.StatusOK, series)
	}
}

// StreamHandler handles GET /ws/underbin
func (h *Handler) StreamHandler(c *gin.Context) {
	if h.stream == nil {
		JSONError(c, domain.ErrFeatureDisabled)
		return
	}
	if _, err := h.service.Require(apiKey(c), domain.FeatureUnderBin); err != nil {
		JSONError(c, err)
		return
	}
	h.stream.ServeHTTP(c.Writer, c.Request)
}
