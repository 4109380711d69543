package contracts

import (
	"encoding/json"
	"time"
)

type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventClass       string          `json:"event_class,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
	PartitionKeyPath string          `json:"partition_key_path"`
	PartitionKey     string          `json:"partition_key"`
	SourceService    string          `json:"source_service"`
	TraceID          string          `json:"trace_id"`
	SchemaVersion    string          `json:"schema_version"`
	Data             json.RawMessage `json:"data"`
}

type DLQRecord struct {
	OriginalEvent EventEnvelope `json:"original_event"`
	ErrorSummary  string        `json:"error_summary"`
	RetryCount    int           `json:"retry_count"`
	FirstSeenAt   time.Time     `json:"first_seen_at"`
	LastErrorAt   time.Time     `json:"last_error_at"`
	SourceTopic   string        `json:"source_topic,omitempty"`
	DLQTopic      string        `json:"dlq_topic,omitempty"`
	TraceID       string        `json:"trace_id,omitempty"`
}

type NotificationMessage struct {
	PartnerID string    `json:"partner_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

type PartnerEnrolledPayload struct {
	PartnerID  string `json:"partner_id"`
	Rank       string `json:"rank"`
	EnrolledAt string `json:"enrolled_at"`
}

type PartnerXPGrantedPayload struct {
	PartnerID string `json:"partner_id"`
	EventType string `json:"source_event_type"`
	Amount    int    `json:"amount"`
	NewTotal  int    `json:"new_total"`
	GrantedAt string `json:"granted_at"`
}

type PartnerRankChangedPayload struct {
	PartnerID      string  `json:"partner_id"`
	OldRank        string  `json:"old_rank"`
	NewRank        string  `json:"new_rank"`
	Trigger        string  `json:"trigger"`
	XP             int     `json:"xp"`
	CommissionRate float64 `json:"commission_rate"`
	ChangedAt      string  `json:"changed_at"`
}

type PartnerTaskCompletedPayload struct {
	PartnerID   string `json:"partner_id"`
	LessonID    string `json:"lesson_id"`
	AdminBypass bool   `json:"admin_bypass"`
	CompletedAt string `json:"completed_at"`
}

type LessonCompletedPayload struct {
	PartnerID string `json:"partner_id"`
	LessonID  string `json:"lesson_id"`
	XPReward  int    `json:"xp_reward"`
	Quiz      bool   `json:"quiz"`
}
