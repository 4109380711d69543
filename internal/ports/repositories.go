package ports

import (
	"context"
	"time"

	"github.com/partnerdesk/progression-engine/internal/contracts"
	"github.com/partnerdesk/progression-engine/internal/domain"
)

type PartnerRepository interface {
	Create(ctx context.Context, partner domain.Partner) error
	GetByID(ctx context.Context, partnerID string) (domain.Partner, error)
	Update(ctx context.Context, partner domain.Partner) error
	// WithPartnerLock serializes all engine mutations for one partner.
	// Concurrent grants for different partners proceed independently.
	WithPartnerLock(ctx context.Context, partnerID string, fn func(ctx context.Context) error) error
}

type LedgerRepository interface {
	Append(ctx context.Context, entry domain.ActivityLogEntry) error
	// AppendBatch commits one transition's entries as a unit: either every
	// entry lands or none do. The service calls it back to back with
	// PartnerRepository.Update under the same partner lock; a durable
	// implementation must run that pair inside one transaction to keep
	// transitions all-or-nothing.
	AppendBatch(ctx context.Context, entries []domain.ActivityLogEntry) error
	ListByPartnerAndTypes(ctx context.Context, partnerID string, eventTypes []string) ([]domain.ActivityLogEntry, error)
	FindByMetadata(ctx context.Context, partnerID, eventType, key, value string) ([]domain.ActivityLogEntry, error)
	SumXPByPartner(ctx context.Context, partnerID string) (int, error)
}

type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

type IdempotencyRepository interface {
	Get(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error
	Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error
}

type EventDedupRepository interface {
	IsDuplicate(ctx context.Context, eventID string, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string, expiresAt time.Time) error
}

type OutboxRecord struct {
	RecordID   string
	EventClass string
	Envelope   contracts.EventEnvelope
	CreatedAt  time.Time
	SentAt     *time.Time
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, record OutboxRecord) error
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, recordID string, at time.Time) error
}
