package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UsageHandler serves per-user usage history from the usage log.
type UsageHandler struct {
	db *gorm.DB
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{db: db}
}

// usageListQuery defines filters for the usage list view.
type usageListQuery struct {
	Limit int `form:"limit,default=20"` // Page size.
}

// usageRow is the JSON shape of one usage record.
type usageRow struct {
	RequestID    string         `json:"request_id"`
	Model        string         `json:"model"`
	RequestedAt  time.Time      `json:"requested_at"`
	Failed       bool           `json:"failed"`
	ErrorDetail  datatypes.JSON `json:"error_detail,omitempty"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	TotalTokens  int64          `json:"total_tokens"`
}

// List returns a user's most recent usage records, newest first.
func (h *UsageHandler) List(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var q usageListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	var rows []models.Usage
	errFind := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("requested_at DESC").
		Limit(q.Limit).
		Find(&rows).Error
	if errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list usage failed"})
		return
	}

	items := make([]usageRow, 0, len(rows))
	for _, row := range rows {
		items = append(items, usageRow{
			RequestID:    row.RequestID,
			Model:        row.Model,
			RequestedAt:  row.RequestedAt,
			Failed:       row.Failed,
			ErrorDetail:  row.ErrorDetail,
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			TotalTokens:  row.TotalTokens,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}
