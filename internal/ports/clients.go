package ports

import (
	"context"
	"time"

	"github.com/partnerdesk/progression-engine/internal/contracts"
)

type DomainPublisher interface {
	PublishDomain(ctx context.Context, envelope contracts.EventEnvelope) error
}

type AnalyticsPublisher interface {
	PublishAnalytics(ctx context.Context, envelope contracts.EventEnvelope) error
}

type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record contracts.DLQRecord) error
}

// NotificationPublisher is the best-effort sink for human-facing rank-up and
// XP announcements. Failures never fail the calling operation.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, message contracts.NotificationMessage) error
}

type EventConsumer interface {
	Receive(ctx context.Context) (*contracts.EventEnvelope, error)
}

type PartnerIdentity struct {
	PartnerID   string
	DisplayName string
	Email       string
	Active      bool
}

type DirectoryReader interface {
	GetPartnerIdentity(ctx context.Context, partnerID string) (PartnerIdentity, error)
}

type SubscriptionStanding struct {
	PartnerID        string
	PlanID           string
	Status           string
	CurrentPeriodEnd time.Time
}

type PaymentGatewayReader interface {
	GetSubscriptionStanding(ctx context.Context, partnerID string) (SubscriptionStanding, error)
}

type ProgressCache interface {
	Get(ctx context.Context, partnerID string) (*contracts.ProgressSnapshot, error)
	Put(ctx context.Context, partnerID string, snapshot contracts.ProgressSnapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, partnerID string) error
}
