package postgres

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/partnerdesk/progression-engine/internal/domain"
	"github.com/partnerdesk/progression-engine/internal/ports"
)

type Repositories struct {
	Partners    *PartnerRepository
	Ledger      *LedgerRepository
	Idempotency *IdempotencyRepository
	EventDedup  *EventDedupRepository
	Outbox      *OutboxRepository
}

func NewRepositories() *Repositories {
	return &Repositories{
		Partners:    &PartnerRepository{byID: map[string]domain.Partner{}, locks: map[string]*sync.Mutex{}},
		Ledger:      &LedgerRepository{byPartner: map[string][]domain.ActivityLogEntry{}, dedupIndex: map[string]struct{}{}},
		Idempotency: &IdempotencyRepository{rows: map[string]ports.IdempotencyRecord{}},
		EventDedup:  &EventDedupRepository{rows: map[string]time.Time{}},
		Outbox:      &OutboxRepository{rows: map[string]ports.OutboxRecord{}, order: []string{}},
	}
}

type PartnerRepository struct {
	mu    sync.Mutex
	byID  map[string]domain.Partner
	locks map[string]*sync.Mutex
}

func (r *PartnerRepository) Create(_ context.Context, row domain.Partner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[row.PartnerID]; ok {
		return domain.ErrConflict
	}
	r.byID[row.PartnerID] = row
	return nil
}

func (r *PartnerRepository) GetByID(_ context.Context, partnerID string) (domain.Partner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.byID[strings.TrimSpace(partnerID)]
	if !ok {
		return domain.Partner{}, domain.ErrNotFound
	}
	return row, nil
}

func (r *PartnerRepository) Update(_ context.Context, row domain.Partner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[row.PartnerID]; !ok {
		return domain.ErrNotFound
	}
	r.byID[row.PartnerID] = row
	return nil
}

// WithPartnerLock holds a per-partner mutex for the whole callback, which is
// what makes read-modify-write grant sequences safe under concurrent
// requests. Locks for different partners never contend.
func (r *PartnerRepository) WithPartnerLock(ctx context.Context, partnerID string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	lock, ok := r.locks[partnerID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[partnerID] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

type LedgerRepository struct {
	mu         sync.Mutex
	byPartner  map[string][]domain.ActivityLogEntry
	dedupIndex map[string]struct{}
}

func dedupIndexKey(partnerID, eventType, dedupKey string) string {
	return partnerID + "|" + eventType + "|" + dedupKey
}

func (r *LedgerRepository) Append(ctx context.Context, entry domain.ActivityLogEntry) error {
	return r.AppendBatch(ctx, []domain.ActivityLogEntry{entry})
}

// AppendBatch commits a transition's entries atomically under one lock.
// Entries carrying an explicit dedup_key are rejected as conflicts when the
// same (partner, event type, key) was already written.
func (r *LedgerRepository) AppendBatch(_ context.Context, entries []domain.ActivityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.PartnerID) == "" || strings.TrimSpace(entry.EventType) == "" {
			return domain.ErrInvalidInput
		}
		if dk := entry.Metadata[domain.MetaDedupKey]; dk != "" {
			key := dedupIndexKey(entry.PartnerID, entry.EventType, dk)
			if _, ok := r.dedupIndex[key]; ok {
				return domain.ErrConflict
			}
			keys = append(keys, key)
		}
	}
	for _, entry := range entries {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		r.byPartner[entry.PartnerID] = append(r.byPartner[entry.PartnerID], entry)
	}
	for _, key := range keys {
		r.dedupIndex[key] = struct{}{}
	}
	return nil
}

func (r *LedgerRepository) ListByPartnerAndTypes(_ context.Context, partnerID string, eventTypes []string) ([]domain.ActivityLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := map[string]struct{}{}
	for _, et := range eventTypes {
		wanted[et] = struct{}{}
	}
	out := []domain.ActivityLogEntry{}
	for _, entry := range r.byPartner[strings.TrimSpace(partnerID)] {
		if len(wanted) > 0 {
			if _, ok := wanted[entry.EventType]; !ok {
				continue
			}
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *LedgerRepository) FindByMetadata(_ context.Context, partnerID, eventType, key, value string) ([]domain.ActivityLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.ActivityLogEntry{}
	for _, entry := range r.byPartner[strings.TrimSpace(partnerID)] {
		if entry.EventType != eventType {
			continue
		}
		if entry.Metadata[key] == value && value != "" {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *LedgerRepository) SumXPByPartner(_ context.Context, partnerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, entry := range r.byPartner[strings.TrimSpace(partnerID)] {
		total += entry.XPValue
	}
	return total, nil
}

type IdempotencyRepository struct {
	mu   sync.Mutex
	rows map[string]ports.IdempotencyRecord
}

func (r *IdempotencyRepository) Get(_ context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[key]
	if !ok {
		return nil, nil
	}
	if !row.ExpiresAt.IsZero() && now.After(row.ExpiresAt) {
		delete(r.rows, key)
		return nil, nil
	}
	cp := row
	cp.ResponseBody = append([]byte(nil), row.ResponseBody...)
	return &cp, nil
}

func (r *IdempotencyRepository) Reserve(_ context.Context, key, requestHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[key]; ok {
		if row.RequestHash != requestHash {
			return domain.ErrIdempotencyConflict
		}
		return nil
	}
	r.rows[key] = ports.IdempotencyRecord{Key: key, RequestHash: requestHash, ExpiresAt: expiresAt}
	return nil
}

func (r *IdempotencyRepository) Complete(_ context.Context, key string, responseCode int, responseBody []byte, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[key]
	row.ResponseCode = responseCode
	row.ResponseBody = append([]byte(nil), responseBody...)
	if row.ExpiresAt.IsZero() {
		row.ExpiresAt = at.Add(7 * 24 * time.Hour)
	}
	r.rows[key] = row
	return nil
}

type EventDedupRepository struct {
	mu   sync.Mutex
	rows map[string]time.Time
}

func (r *EventDedupRepository) IsDuplicate(_ context.Context, eventID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.rows[eventID]
	if !ok {
		return false, nil
	}
	if now.After(exp) {
		delete(r.rows, eventID)
		return false, nil
	}
	return true, nil
}

func (r *EventDedupRepository) MarkProcessed(_ context.Context, eventID, _ string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[eventID] = expiresAt
	return nil
}

type OutboxRepository struct {
	mu    sync.Mutex
	rows  map[string]ports.OutboxRecord
	order []string
}

func (r *OutboxRepository) Enqueue(_ context.Context, row ports.OutboxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[row.RecordID]; ok {
		return domain.ErrConflict
	}
	r.rows[row.RecordID] = row
	r.order = append(r.order, row.RecordID)
	return nil
}

func (r *OutboxRepository) ListPending(_ context.Context, limit int) ([]ports.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]ports.OutboxRecord, 0, limit)
	for _, id := range r.order {
		row, ok := r.rows[id]
		if !ok || row.SentAt != nil {
			continue
		}
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, recordID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	row.SentAt = &at
	r.rows[recordID] = row
	return nil
}
