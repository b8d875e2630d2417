package models

import (
	"time"

	"gorm.io/datatypes"
)

// Usage records metering data for a single generation request.
type Usage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:text;not null;uniqueIndex"` // Per-request UUID.
	UserID    int64  `gorm:"not null;index"`                 // Chat user identifier.
	Model     string `gorm:"type:text;not null;index"`       // Backend model name.

	RequestedAt time.Time `gorm:"not null;index"`         // Request timestamp.
	Failed      bool      `gorm:"not null;default:false"` // Generation failure flag.

	ErrorDetail datatypes.JSON `gorm:"type:jsonb"` // Structured backend error detail.

	InputTokens  int64 `gorm:"not null;default:0"` // Charged input token count.
	OutputTokens int64 `gorm:"not null;default:0"` // Charged output token count.
	TotalTokens  int64 `gorm:"not null;default:0"` // Total charged token count.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (Usage) TableName() string {
	return "usages"
}
