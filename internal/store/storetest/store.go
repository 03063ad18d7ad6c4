// Package storetest provides an in-memory Store for unit tests. It mirrors
// the atomicity of the Postgres implementation (insert-if-absent, guarded
// debit, guarded reclaim) under a single mutex.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/store"
	"github.com/chatforge/wa-gateway/internal/store/schema"
)

type quotaKey struct {
	tenantID    string
	windowStart time.Time
}

// FakeStore is an in-memory store.Store
type FakeStore struct {
	mu sync.Mutex

	connections map[string]*schema.ChannelConnection
	events      map[string]*schema.WebhookEvent
	messages    map[string]*schema.InboundMessage
	attempts    []*schema.OutboundMessageAttempt
	counters    map[quotaKey]*schema.QuotaCounter

	// FailDebit forces DebitQuota to return ForcedErr
	FailDebit bool
	// ForcedErr is returned by mutating calls when the corresponding
	// Fail* flag is set
	ForcedErr error
}

// New creates an empty fake store
func New() *FakeStore {
	return &FakeStore{
		connections: make(map[string]*schema.ChannelConnection),
		events:      make(map[string]*schema.WebhookEvent),
		messages:    make(map[string]*schema.InboundMessage),
		counters:    make(map[quotaKey]*schema.QuotaCounter),
	}
}

var _ store.Store = (*FakeStore)(nil)

func (f *FakeStore) UpsertConnection(_ context.Context, conn *schema.ChannelConnection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *conn
	f.connections[conn.TenantID] = &cp
	return nil
}

func (f *FakeStore) GetConnectionByTenant(_ context.Context, tenantID string) (*schema.ChannelConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.connections[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *conn
	return &cp, nil
}

func (f *FakeStore) GetConnectionByPhoneNumberID(_ context.Context, phoneNumberID string) (*schema.ChannelConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.connections {
		if conn.PhoneNumberID == phoneNumberID {
			cp := *conn
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) UpdateConnectionStatus(_ context.Context, tenantID string, status domain.ConnectionStatus, connectedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.connections[tenantID]
	if !ok {
		return nil
	}
	conn.Status = status
	if connectedAt != nil {
		conn.ConnectedAt = connectedAt
	}
	return nil
}

func (f *FakeStore) CreateWebhookEvent(_ context.Context, event *schema.WebhookEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.events[event.PlatformEventID]; exists {
		return false, nil
	}
	cp := *event
	f.events[event.PlatformEventID] = &cp
	return true, nil
}

func (f *FakeStore) GetWebhookEvent(_ context.Context, platformEventID string) (*schema.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[platformEventID]
	if !ok {
		return nil, nil
	}
	cp := *event
	return &cp, nil
}

func (f *FakeStore) ReclaimFailedWebhookEvent(_ context.Context, platformEventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[platformEventID]
	if !ok || event.ProcessingStatus != domain.EventStatusFailed {
		return false, nil
	}
	event.ProcessingStatus = domain.EventStatusPending
	event.ErrorMessage = ""
	return true, nil
}

func (f *FakeStore) MarkWebhookEventProcessed(_ context.Context, platformEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event, ok := f.events[platformEventID]; ok {
		now := time.Now().UTC()
		event.ProcessingStatus = domain.EventStatusProcessed
		event.ProcessedAt = &now
	}
	return nil
}

func (f *FakeStore) MarkWebhookEventFailed(_ context.Context, platformEventID string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event, ok := f.events[platformEventID]; ok {
		now := time.Now().UTC()
		event.ProcessingStatus = domain.EventStatusFailed
		event.ErrorMessage = errMsg
		event.ProcessedAt = &now
	}
	return nil
}

func (f *FakeStore) CreateInboundMessage(_ context.Context, msg *schema.InboundMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.messages[msg.MessageID]; exists {
		return false, nil
	}
	cp := *msg
	f.messages[msg.MessageID] = &cp
	return true, nil
}

func (f *FakeStore) GetInboundMessage(_ context.Context, messageID string) (*schema.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (f *FakeStore) MarkInboundMessageReplied(_ context.Context, messageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.messages[messageID]; ok {
		t := at
		msg.RepliedAt = &t
	}
	return nil
}

func (f *FakeStore) CreateOutboundAttempt(_ context.Context, attempt *schema.OutboundMessageAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *attempt
	f.attempts = append(f.attempts, &cp)
	return nil
}

func (f *FakeStore) MarkAttemptDelivered(_ context.Context, upstreamMessageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, attempt := range f.attempts {
		if attempt.UpstreamMessageID != nil && *attempt.UpstreamMessageID == upstreamMessageID {
			t := at
			attempt.DeliveredAt = &t
		}
	}
	return nil
}

func (f *FakeStore) MarkAttemptRead(_ context.Context, upstreamMessageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, attempt := range f.attempts {
		if attempt.UpstreamMessageID != nil && *attempt.UpstreamMessageID == upstreamMessageID {
			t := at
			attempt.ReadAt = &t
		}
	}
	return nil
}

func (f *FakeStore) EnsureQuotaCounter(_ context.Context, counter *schema.QuotaCounter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := quotaKey{counter.TenantID, counter.WindowStart}
	if _, exists := f.counters[key]; exists {
		return nil
	}
	cp := *counter
	f.counters[key] = &cp
	return nil
}

func (f *FakeStore) DebitQuota(_ context.Context, tenantID string, windowStart time.Time, amount int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDebit {
		return false, f.ForcedErr
	}
	counter, ok := f.counters[quotaKey{tenantID, windowStart}]
	if !ok {
		return false, nil
	}
	if counter.Consumed+amount > counter.Limit {
		return false, nil
	}
	counter.Consumed += amount
	return true, nil
}

func (f *FakeStore) GetQuotaCounter(_ context.Context, tenantID string, windowStart time.Time) (*schema.QuotaCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counter, ok := f.counters[quotaKey{tenantID, windowStart}]
	if !ok {
		return nil, nil
	}
	cp := *counter
	return &cp, nil
}

func (f *FakeStore) GetLatestQuotaCounter(_ context.Context, tenantID string) (*schema.QuotaCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *schema.QuotaCounter
	for key, counter := range f.counters {
		if key.tenantID != tenantID {
			continue
		}
		if latest == nil || counter.WindowStart.After(latest.WindowStart) {
			latest = counter
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// Attempts returns a snapshot of all recorded outbound attempts
func (f *FakeStore) Attempts() []schema.OutboundMessageAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.OutboundMessageAttempt, 0, len(f.attempts))
	for _, attempt := range f.attempts {
		out = append(out, *attempt)
	}
	return out
}

// Messages returns a snapshot of all stored inbound messages
func (f *FakeStore) Messages() []schema.InboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.InboundMessage, 0, len(f.messages))
	for _, msg := range f.messages {
		out = append(out, *msg)
	}
	return out
}
