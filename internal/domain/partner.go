package domain

import (
	"math"
	"strings"
	"time"
)

type Partner struct {
	PartnerID              string     `json:"partner_id"`
	DisplayName            string     `json:"display_name"`
	CurrentXP              int        `json:"current_xp"`
	CurrentRank            string     `json:"current_rank"`
	HighestRank            string     `json:"highest_rank"`
	CommissionRate         float64    `json:"commission_rate"`
	CommissionRateOverride *float64   `json:"commission_rate_override,omitempty"`
	EnrolledAt             time.Time  `json:"enrolled_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// EffectiveCommissionRate is the rate earnings are paid at: an explicit admin
// override wins over the rank rate.
func (p Partner) EffectiveCommissionRate(rank Rank) float64 {
	if p.CommissionRateOverride != nil {
		return *p.CommissionRateOverride
	}
	return rank.CommissionRate
}

const (
	EventXPGrant       = "xp_grant"
	EventAdminGrant    = "admin_grant"
	EventTaskCompleted = "task_completed"
	EventQuizCompleted = "quiz_completed"
	EventLoginDay      = "login_day"
	EventRankUp        = "rank_up"
	EventEnrolled      = "enrolled"

	EventCommissionOverride = "commission_override"
)

// Documented metadata keys per event type. Task and quiz completions carry
// MetaLessonID; login days carry MetaLoginDate; rank changes carry the
// old/new rank pair plus the flag for the administrative path taken.
const (
	MetaLessonID      = "lesson_id"
	MetaLoginDate     = "login_date"
	MetaOldRank       = "old_rank"
	MetaNewRank       = "new_rank"
	MetaTrigger       = "trigger"
	MetaAdminBypass   = "admin_bypass"
	MetaBypassedBy    = "bypassed_by"
	MetaAdminDemotion = "admin_demotion"
	MetaSetRank       = "set_rank"
	MetaRankTopUp     = "rank_topup"
	MetaDedupKey      = "dedup_key"
	MetaSourceEventID = "source_event_id"
	MetaDailyTaskDate = "daily_task_date"
	MetaGrantedBy     = "granted_by"
)

// ActivityLogEntry is append-only: the ledger is both the XP source of truth
// and the completion record dedup checks run against.
type ActivityLogEntry struct {
	EntryID     string            `json:"entry_id"`
	PartnerID   string            `json:"partner_id"`
	EventType   string            `json:"event_type"`
	XPValue     int               `json:"xp_value"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func xpBearingEvent(eventType string) bool {
	switch eventType {
	case EventXPGrant, EventAdminGrant, EventTaskCompleted, EventQuizCompleted, EventLoginDay:
		return true
	default:
		return false
	}
}

func ValidateGrantInput(partnerID string, amount int, eventType string) error {
	if strings.TrimSpace(partnerID) == "" {
		return ErrInvalidInput
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !xpBearingEvent(eventType) {
		return ErrInvalidInput
	}
	return nil
}

func RoundCurrency(value float64, places int) float64 {
	if places < 0 {
		places = 0
	}
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}
