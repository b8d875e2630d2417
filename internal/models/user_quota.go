package models

import "time"

// UserQuota tracks one user's plan and remaining daily token allowance.
type UserQuota struct {
	UserID int64 `gorm:"primaryKey;autoIncrement:false"` // Chat user identifier.

	Plan      string `gorm:"type:text;not null"` // Subscription plan name.
	Remaining int64  `gorm:"not null;default:0"` // Tokens left in the current period.

	// PeriodAnchor is the UTC calendar day ("2006-01-02") that opened the
	// current allowance period. A value before today marks the row stale.
	PeriodAnchor string `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (UserQuota) TableName() string {
	return "user_quotas"
}
