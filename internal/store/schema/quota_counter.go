package schema

import "time"

// QuotaCounter represents the quota_counters table - one row per tenant per
// billing window. All mutation goes through the ledger's guarded debit
// update so 0 <= consumed <= limit holds at every committed state.
type QuotaCounter struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// TenantID is the tenant this counter belongs to
	TenantID string `gorm:"column:tenant_id;not null;type:varchar(64);uniqueIndex:uq_quota_tenant_window"`
	// WindowStart is the inclusive start of the billing window
	WindowStart time.Time `gorm:"column:window_start;not null;type:timestamptz;uniqueIndex:uq_quota_tenant_window"`
	// WindowEnd is the exclusive end of the billing window
	WindowEnd time.Time `gorm:"column:window_end;not null;type:timestamptz"`
	// Limit is the outbound message allowance for the window
	Limit int64 `gorm:"column:message_limit;not null"`
	// Consumed is the number of debits committed in the window
	Consumed int64 `gorm:"column:consumed;not null;default:0"`
	// CreatedAt is the timestamp when this row was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this row was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the QuotaCounter model
func (QuotaCounter) TableName() string {
	return "quota_counters"
}
