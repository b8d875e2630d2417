package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/plans"
)

// QuotaHandler handles admin quota endpoints.
type QuotaHandler struct {
	store ledger.Store
	plans *plans.Registry
}

// NewQuotaHandler constructs a QuotaHandler.
func NewQuotaHandler(store ledger.Store, registry *plans.Registry) *QuotaHandler {
	return &QuotaHandler{store: store, plans: registry}
}

// quotaResponse is the JSON shape of one quota record.
type quotaResponse struct {
	UserID       int64  `json:"user_id"`
	Plan         string `json:"plan"`
	Remaining    int64  `json:"remaining"`
	PeriodAnchor string `json:"period_anchor"`
}

func toQuotaResponse(record ledger.Record) quotaResponse {
	return quotaResponse{
		UserID:       record.UserID,
		Plan:         record.Plan,
		Remaining:    record.Remaining,
		PeriodAnchor: record.PeriodAnchor,
	}
}

// Get returns one user's quota record, freshening it first so the admin
// never sees a stale period.
func (h *QuotaHandler) Get(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	record, errFresh := h.store.EnsureFresh(c.Request.Context(), userID)
	if errFresh != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota store unavailable"})
		return
	}
	c.JSON(http.StatusOK, toQuotaResponse(record))
}

// setPlanRequest is the body of a plan change.
type setPlanRequest struct {
	Plan string `json:"plan" binding:"required"` // Target plan name.
}

// SetPlan switches a user to a new plan with a fresh allowance.
func (h *QuotaHandler) SetPlan(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req setPlanRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	record, errSet := h.store.SetPlan(c.Request.Context(), userID, req.Plan)
	if errSet != nil {
		if errors.Is(errSet, plans.ErrUnknownPlan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown plan", "plans": h.plans.Names()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota store unavailable"})
		return
	}
	c.JSON(http.StatusOK, toQuotaResponse(record))
}

// Plans lists the registered plans and their daily allowances.
func (h *QuotaHandler) Plans(c *gin.Context) {
	names := h.plans.Names()
	items := make([]gin.H, 0, len(names))
	for _, name := range names {
		allowance, errLookup := h.plans.Allowance(name)
		if errLookup != nil {
			continue
		}
		items = append(items, gin.H{"name": name, "daily_allowance": allowance})
	}
	c.JSON(http.StatusOK, gin.H{
		"plans":        items,
		"default_plan": h.plans.DefaultPlan(),
	})
}

// parseUserID reads the :id path parameter, rejecting the request on bad
// input.
func parseUserID(c *gin.Context) (int64, bool) {
	userID, errParse := strconv.ParseInt(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return userID, true
}
