package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mabletask/cdp/models"
	"mabletask/cdp/store"
	"mabletask/cdp/utils"
)

type StatsReader interface {
	GetEventCountsOverTime(ctx context.Context, interval string, start, end time.Time, eventType string) ([]models.CountByTime, error)
	GetUniqueUsersOverTime(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error)
	GetTopNPagePaths(ctx context.Context, start, end time.Time, eventType string, limit uint64) ([]models.TopPathResult, error)
}

type IdentityReader interface {
	GetLink(ctx context.Context, anonymousID string) (*models.IdentityLink, error)
	AnonymousIDsFor(ctx context.Context, userIDs []string) ([]string, error)
}

type StatsHandlers struct {
	Stats      StatsReader
	Identities IdentityReader
	logger     *zap.Logger
	now        func() time.Time
}

func NewStatsHandlers(stats StatsReader, identities IdentityReader, logger *zap.Logger) *StatsHandlers {
	return &StatsHandlers{
		Stats:      stats,
		Identities: identities,
		logger:     logger,
		now:        time.Now,
	}
}

// timeRange writes a 400 and returns false when start/end are unusable.
func (h *StatsHandlers) timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	start, end, err := utils.ParseTimeRange(c.Query("start"), c.Query("end"), h.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (h *StatsHandlers) interval(c *gin.Context) (string, bool) {
	interval := c.Query("interval")
	if !utils.IsValidInterval(interval) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval query parameter is required (e.g., 'Day', 'Hour')"})
		return "", false
	}
	return interval, true
}

func (h *StatsHandlers) GetEventCountsOverTime(c *gin.Context) {
	interval, ok := h.interval(c)
	if !ok {
		return
	}
	start, end, ok := h.timeRange(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Stats.GetEventCountsOverTime(ctx, interval, start, end, c.Query("eventType"))
	if err != nil {
		h.logger.Error("Error getting event counts over time", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve event statistics"})
		return
	}

	c.JSON(http.StatusOK, nonNil(results))
}

func (h *StatsHandlers) GetUniqueUsersOverTime(c *gin.Context) {
	interval, ok := h.interval(c)
	if !ok {
		return
	}
	start, end, ok := h.timeRange(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Stats.GetUniqueUsersOverTime(ctx, interval, start, end)
	if err != nil {
		h.logger.Error("Error getting unique users over time", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve unique user statistics"})
		return
	}

	c.JSON(http.StatusOK, nonNil(results))
}

func (h *StatsHandlers) GetTopNPagePaths(c *gin.Context) {
	start, end, ok := h.timeRange(c)
	if !ok {
		return
	}

	var limit uint64 = 10
	if limitParam := c.Query("limit"); limitParam != "" {
		parsed, err := strconv.ParseUint(limitParam, 10, 64)
		if err != nil || parsed == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'limit' parameter. Must be a positive integer."})
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Stats.GetTopNPagePaths(ctx, start, end, c.Query("eventType"), limit)
	if err != nil {
		h.logger.Error("Error getting top page paths", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve top page paths statistics"})
		return
	}

	c.JSON(http.StatusOK, nonNil(results))
}

func (h *StatsHandlers) GetIdentity(c *gin.Context) {
	anonymousID := c.Param("anonymous_id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	link, err := h.Identities.GetLink(ctx, anonymousID)
	if errors.Is(err, store.ErrIdentityNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No user linked to this anonymous id"})
		return
	}
	if err != nil {
		h.logger.Error("Error resolving identity", zap.String("anonymous_id", anonymousID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve identity"})
		return
	}

	c.JSON(http.StatusOK, link)
}

// GetUserIdentities lists the browser profiles linked to a user. Extra users can be merged in
// with repeated ?user_id= values.
func (h *StatsHandlers) GetUserIdentities(c *gin.Context) {
	userIDs := append([]string{c.Param("user_id")}, c.QueryArray("user_id")...)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ids, err := h.Identities.AnonymousIDsFor(ctx, userIDs)
	if err != nil {
		h.logger.Error("Error listing identities", zap.Strings("user_ids", userIDs), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list identities"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_ids":      userIDs,
		"anonymous_ids": nonNil(ids),
	})
}

// nonNil keeps empty results as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
