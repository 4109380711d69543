package application

import (
	"log/slog"
	"time"

	"github.com/partnerdesk/progression-engine/internal/domain"
	"github.com/partnerdesk/progression-engine/internal/ports"
)

type Config struct {
	ServiceName          string
	IdempotencyTTL       time.Duration
	EventDedupTTL        time.Duration
	OutboxFlushBatchSize int
	ProgressCacheTTL     time.Duration
	LoginDayXP           int
	DefaultLessonXP      int
}

type Actor struct {
	SubjectID      string
	Role           string
	RequestID      string
	IdempotencyKey string
}

const (
	RoleAdmin   = "admin"
	RoleOps     = "ops"
	RolePartner = "partner"
)

type EnrollPartnerInput struct {
	PartnerID   string
	DisplayName string
}

type GrantXPInput struct {
	PartnerID   string
	Amount      int
	EventType   string
	Description string
	Metadata    map[string]string
}

type GrantXPOutput struct {
	PartnerID string
	NewTotal  int
	Rank      string
	Promoted  bool
	Deduped   bool
}

type BatchGrantXPInput struct {
	PartnerIDs  []string
	Amount      int
	Description string
}

type BatchGrantXPResult struct {
	PartnerID string
	NewTotal  int
	Rank      string
	// Error carries the per-partner failure as text so the whole result set
	// survives the idempotency store's JSON round trip.
	Error string
}

type RankChangeOutput struct {
	PartnerID      string
	OldRank        string
	NewRank        string
	XP             int
	CommissionRate float64
	TasksBypassed  int
	XPToppedUp     int
}

type CompleteDailyTaskInput struct {
	PartnerID string
	Date      string
	TaskID    string
}

type LoginDayInput struct {
	PartnerID string
	Date      string
}

type Service struct {
	cfg    Config
	ladder domain.Ladder
	pool   []domain.DailyTask

	partners    ports.PartnerRepository
	ledger      ports.LedgerRepository
	idempotency ports.IdempotencyRepository
	eventDedup  ports.EventDedupRepository
	outbox      ports.OutboxRepository

	directory ports.DirectoryReader
	payments  ports.PaymentGatewayReader
	cache     ports.ProgressCache

	domainEvents  ports.DomainPublisher
	analytics     ports.AnalyticsPublisher
	dlq           ports.DLQPublisher
	notifications ports.NotificationPublisher

	logger *slog.Logger
	nowFn  func() time.Time
}

type Dependencies struct {
	Config        Config
	Ladder        *domain.Ladder
	DailyTaskPool []domain.DailyTask
	Partners      ports.PartnerRepository
	Ledger        ports.LedgerRepository
	Idempotency   ports.IdempotencyRepository
	EventDedup    ports.EventDedupRepository
	Outbox        ports.OutboxRepository
	Directory     ports.DirectoryReader
	Payments      ports.PaymentGatewayReader
	Cache         ports.ProgressCache
	DomainEvents  ports.DomainPublisher
	Analytics     ports.AnalyticsPublisher
	DLQ           ports.DLQPublisher
	Notifications ports.NotificationPublisher
	Logger        *slog.Logger
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "M21-Progression-Engine"
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if cfg.EventDedupTTL <= 0 {
		cfg.EventDedupTTL = 7 * 24 * time.Hour
	}
	if cfg.OutboxFlushBatchSize <= 0 {
		cfg.OutboxFlushBatchSize = 100
	}
	if cfg.ProgressCacheTTL <= 0 {
		cfg.ProgressCacheTTL = 30 * time.Second
	}
	if cfg.LoginDayXP <= 0 {
		cfg.LoginDayXP = 25
	}
	if cfg.DefaultLessonXP <= 0 {
		cfg.DefaultLessonXP = 50
	}
	ladder := domain.DefaultLadder()
	if deps.Ladder != nil {
		ladder = *deps.Ladder
	}
	pool := deps.DailyTaskPool
	if len(pool) == 0 {
		pool = domain.DefaultDailyTaskPool()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:           cfg,
		ladder:        ladder,
		pool:          pool,
		partners:      deps.Partners,
		ledger:        deps.Ledger,
		idempotency:   deps.Idempotency,
		eventDedup:    deps.EventDedup,
		outbox:        deps.Outbox,
		directory:     deps.Directory,
		payments:      deps.Payments,
		cache:         deps.Cache,
		domainEvents:  deps.DomainEvents,
		analytics:     deps.Analytics,
		dlq:           deps.DLQ,
		notifications: deps.Notifications,
		logger:        logger,
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

// Ladder exposes the injected rank table for read paths (adapters, tests).
func (s *Service) Ladder() domain.Ladder { return s.ladder }
