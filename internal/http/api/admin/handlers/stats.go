package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/ledger"
)

// StatsHandler serves ledger-wide totals.
type StatsHandler struct {
	store ledger.Store
}

// NewStatsHandler constructs a StatsHandler.
func NewStatsHandler(store ledger.Store) *StatsHandler {
	return &StatsHandler{store: store}
}

// Stats returns user and token totals across the ledger.
func (h *StatsHandler) Stats(c *gin.Context) {
	stats, errStats := h.store.Stats(c.Request.Context())
	if errStats != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users":            stats.Users,
		"tokens_remaining": stats.TokensRemaining,
	})
}
