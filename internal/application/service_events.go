package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/partnerdesk/progression-engine/internal/contracts"
	"github.com/partnerdesk/progression-engine/internal/domain"
	"github.com/partnerdesk/progression-engine/internal/ports"
)

// HandleCanonicalEvent processes one inbound platform event. Duplicate event
// ids inside the dedup window are acknowledged silently.
func (s *Service) HandleCanonicalEvent(ctx context.Context, envelope contracts.EventEnvelope) error {
	if err := validateEnvelope(envelope); err != nil {
		return err
	}
	if s.eventDedup != nil {
		dup, err := s.eventDedup.IsDuplicate(ctx, envelope.EventID, s.nowFn())
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
		if err := s.eventDedup.MarkProcessed(ctx, envelope.EventID, envelope.EventType, s.nowFn().Add(s.cfg.EventDedupTTL)); err != nil {
			return err
		}
	}
	switch envelope.EventType {
	case domain.EventLessonCompleted:
		return s.handleLessonCompleted(ctx, envelope)
	case domain.EventCommissionPaid:
		// Analytics acknowledgement only; commission payout state lives in
		// the billing service.
		return nil
	default:
		return domain.ErrUnsupportedEventType
	}
}

func (s *Service) handleLessonCompleted(ctx context.Context, envelope contracts.EventEnvelope) error {
	var payload contracts.LessonCompletedPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return domain.ErrInvalidInput
	}
	if strings.TrimSpace(payload.PartnerID) == "" || strings.TrimSpace(payload.LessonID) == "" {
		return domain.ErrInvalidInput
	}
	eventType := domain.EventTaskCompleted
	if payload.Quiz {
		eventType = domain.EventQuizCompleted
	}
	xp := payload.XPReward
	if xp <= 0 {
		xp = s.cfg.DefaultLessonXP
	}
	_, err := s.performGrant(ctx, payload.PartnerID, xp, eventType, "lesson completed: "+payload.LessonID, map[string]string{
		domain.MetaLessonID:      payload.LessonID,
		domain.MetaSourceEventID: envelope.EventID,
	}, &dedupSpec{
		eventTypes: []string{domain.EventTaskCompleted, domain.EventQuizCompleted},
		key:        domain.MetaLessonID,
		value:      payload.LessonID,
	}, envelope.TraceID)
	return err
}

func (s *Service) FlushOutbox(ctx context.Context) error {
	if s.outbox == nil {
		return nil
	}
	pending, err := s.outbox.ListPending(ctx, s.cfg.OutboxFlushBatchSize)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		now := s.nowFn()
		switch rec.EventClass {
		case domain.CanonicalEventClassDomain:
			if s.domainEvents != nil {
				if err := s.domainEvents.PublishDomain(ctx, rec.Envelope); err != nil {
					if s.dlq != nil {
						n := s.nowFn()
						_ = s.dlq.PublishDLQ(ctx, contracts.DLQRecord{OriginalEvent: rec.Envelope, ErrorSummary: err.Error(), RetryCount: 1, FirstSeenAt: n, LastErrorAt: n, SourceTopic: rec.Envelope.EventType, DLQTopic: "progression-engine.dlq", TraceID: rec.Envelope.TraceID})
					}
					return err
				}
			}
		case domain.CanonicalEventClassAnalyticsOnly:
			if s.analytics != nil {
				_ = s.analytics.PublishAnalytics(ctx, rec.Envelope)
			}
		default:
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedEventClass, rec.EventClass)
		}
		if err := s.outbox.MarkSent(ctx, rec.RecordID, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) enqueueEvent(ctx context.Context, eventType, traceID string, data any, partnerID string, now time.Time) error {
	if s.outbox == nil {
		return nil
	}
	if !domain.IsCanonicalEmittedEvent(eventType) {
		return domain.ErrUnsupportedEventType
	}
	b, err := json.Marshal(data)
	if err != nil {
		return domain.ErrInvalidInput
	}
	if strings.TrimSpace(traceID) == "" {
		traceID = uuid.NewString()
	}
	env := contracts.EventEnvelope{
		EventID:          uuid.NewString(),
		EventType:        eventType,
		EventClass:       domain.CanonicalEventClass(eventType),
		OccurredAt:       now,
		PartitionKeyPath: domain.CanonicalPartitionKeyPath(eventType),
		PartitionKey:     partnerID,
		SourceService:    s.cfg.ServiceName,
		TraceID:          traceID,
		SchemaVersion:    "v1",
		Data:             b,
	}
	return s.outbox.Enqueue(ctx, ports.OutboxRecord{RecordID: uuid.NewString(), EventClass: env.EventClass, Envelope: env, CreatedAt: now})
}

func (s *Service) enqueuePartnerEnrolled(ctx context.Context, p domain.Partner, traceID string, now time.Time) error {
	return s.enqueueEvent(ctx, domain.EventPartnerEnrolled, traceID, contracts.PartnerEnrolledPayload{
		PartnerID:  p.PartnerID,
		Rank:       p.CurrentRank,
		EnrolledAt: p.EnrolledAt.UTC().Format(time.RFC3339),
	}, p.PartnerID, now)
}

func (s *Service) enqueuePartnerXPGranted(ctx context.Context, p domain.Partner, sourceEventType string, amount int, traceID string, now time.Time) error {
	return s.enqueueEvent(ctx, domain.EventPartnerXPGranted, traceID, contracts.PartnerXPGrantedPayload{
		PartnerID: p.PartnerID,
		EventType: sourceEventType,
		Amount:    amount,
		NewTotal:  p.CurrentXP,
		GrantedAt: now.UTC().Format(time.RFC3339),
	}, p.PartnerID, now)
}

func (s *Service) enqueuePartnerRankChanged(ctx context.Context, p domain.Partner, oldRank, newRank, trigger, traceID string, now time.Time) error {
	return s.enqueueEvent(ctx, domain.EventPartnerRankChanged, traceID, contracts.PartnerRankChangedPayload{
		PartnerID:      p.PartnerID,
		OldRank:        oldRank,
		NewRank:        newRank,
		Trigger:        trigger,
		XP:             p.CurrentXP,
		CommissionRate: p.CommissionRate,
		ChangedAt:      now.UTC().Format(time.RFC3339),
	}, p.PartnerID, now)
}

func (s *Service) enqueuePartnerTaskCompleted(ctx context.Context, p domain.Partner, lessonID string, adminBypass bool, traceID string, now time.Time) error {
	return s.enqueueEvent(ctx, domain.EventPartnerTaskCompleted, traceID, contracts.PartnerTaskCompletedPayload{
		PartnerID:   p.PartnerID,
		LessonID:    lessonID,
		AdminBypass: adminBypass,
		CompletedAt: now.UTC().Format(time.RFC3339),
	}, p.PartnerID, now)
}

// notifyRankChange pushes a human-facing announcement. The sink is
// best-effort: failures are logged and swallowed, never surfaced.
func (s *Service) notifyRankChange(ctx context.Context, p domain.Partner, oldRank, newRank, trigger string) {
	if s.notifications == nil {
		return
	}
	msg := contracts.NotificationMessage{
		PartnerID: p.PartnerID,
		Kind:      "rank_change",
		Title:     "Rank updated: " + newRank,
		Body:      fmt.Sprintf("%s moved from %s to %s (%s)", p.DisplayName, oldRank, newRank, trigger),
		SentAt:    s.nowFn(),
	}
	if err := s.notifications.PublishNotification(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "notification publish failed", "partner_id", p.PartnerID, "error", err)
	}
}

func validateEnvelope(event contracts.EventEnvelope) error {
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.EventType) == "" || event.OccurredAt.IsZero() {
		return domain.ErrInvalidEnvelope
	}
	if strings.TrimSpace(event.SourceService) == "" || strings.TrimSpace(event.TraceID) == "" || strings.TrimSpace(event.SchemaVersion) == "" {
		return domain.ErrInvalidEnvelope
	}
	if strings.TrimSpace(event.PartitionKeyPath) == "" || strings.TrimSpace(event.PartitionKey) == "" {
		return domain.ErrInvalidEnvelope
	}
	if len(event.Data) == 0 {
		return domain.ErrInvalidEnvelope
	}
	return nil
}
