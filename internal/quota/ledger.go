package quota

import (
	"context"
	"time"

	"github.com/chatforge/wa-gateway/internal/adapter"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/store"
	"github.com/chatforge/wa-gateway/internal/store/schema"
)

// Receipt acknowledges a committed quota debit
type Receipt struct {
	TenantID    domain.TenantID
	WindowStart time.Time
	WindowEnd   time.Time
	Remaining   int64
}

// Config holds the ledger's window policy
type Config struct {
	// WindowMode anchors windows to calendar months or rolls them from first use
	WindowMode domain.WindowMode
	// WindowLength is the window size in rolling mode
	WindowLength time.Duration
	// DefaultLimit is the allowance for newly initialized windows
	DefaultLimit int64
}

// Ledger tracks and atomically debits per-tenant outbound allowances.
// All counter mutation goes through the store's guarded debit update, so the
// ledger is safe under concurrent callers and across gateway processes.
// Storage failures on the debit path fail closed: the send is rejected.
type Ledger struct {
	config Config
	store  store.Store
	clock  adapter.Clock
}

// NewLedger creates a quota ledger
func NewLedger(cfg Config, st store.Store, clock adapter.Clock) *Ledger {
	if cfg.WindowLength <= 0 {
		cfg.WindowLength = 30 * 24 * time.Hour
	}
	return &Ledger{config: cfg, store: st, clock: clock}
}

// TryDebit atomically consumes amount from the tenant's current window.
// The first debit observed after a window boundary initializes the new
// counter before debiting; there is no separate reset step.
func (l *Ledger) TryDebit(ctx context.Context, tenantID domain.TenantID, amount int64) (*Receipt, error) {
	if amount <= 0 {
		amount = 1
	}

	windowStart, windowEnd, err := l.currentWindow(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	err = l.store.EnsureQuotaCounter(ctx, &schema.QuotaCounter{
		TenantID:    string(tenantID),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Limit:       l.config.DefaultLimit,
	})
	if err != nil {
		return nil, err
	}

	ok, err := l.store.DebitQuota(ctx, string(tenantID), windowStart, amount)
	if err != nil {
		return nil, err
	}

	counter, cerr := l.store.GetQuotaCounter(ctx, string(tenantID), windowStart)
	if !ok {
		remaining := int64(0)
		if cerr == nil && counter != nil {
			remaining = counter.Limit - counter.Consumed
		}
		return nil, &domain.QuotaExceededError{Remaining: remaining}
	}

	receipt := &Receipt{
		TenantID:    tenantID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	}
	if cerr == nil && counter != nil {
		receipt.Remaining = counter.Limit - counter.Consumed
	}
	return receipt, nil
}

// Peek returns a non-mutating snapshot of the tenant's current window.
// It reflects at least the last committed debit.
func (l *Ledger) Peek(ctx context.Context, tenantID domain.TenantID) (*domain.QuotaStatus, error) {
	windowStart, windowEnd, err := l.currentWindow(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	counter, err := l.store.GetQuotaCounter(ctx, string(tenantID), windowStart)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		// Window not initialized yet: full allowance
		return &domain.QuotaStatus{
			Limit:     l.config.DefaultLimit,
			Consumed:  0,
			Remaining: l.config.DefaultLimit,
			WindowEnd: windowEnd,
		}, nil
	}

	return &domain.QuotaStatus{
		Limit:     counter.Limit,
		Consumed:  counter.Consumed,
		Remaining: counter.Limit - counter.Consumed,
		WindowEnd: counter.WindowEnd,
	}, nil
}

// currentWindow resolves the active window boundaries for a tenant.
// Calendar mode derives them from wall-clock time alone. Rolling mode
// continues the tenant's latest window while it is still open and starts a
// fresh one at the current instant otherwise.
func (l *Ledger) currentWindow(ctx context.Context, tenantID domain.TenantID) (time.Time, time.Time, error) {
	now := l.clock.Now().UTC()

	if l.config.WindowMode == domain.WindowModeCalendarMonth {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)
		return start, end, nil
	}

	latest, err := l.store.GetLatestQuotaCounter(ctx, string(tenantID))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if latest != nil && now.Before(latest.WindowEnd) {
		return latest.WindowStart, latest.WindowEnd, nil
	}
	return now, now.Add(l.config.WindowLength), nil
}
