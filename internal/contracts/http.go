package contracts

type SuccessResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type EnrollPartnerRequest struct {
	PartnerID   string `json:"partner_id"`
	DisplayName string `json:"display_name"`
}

type GrantXPRequest struct {
	Amount      int               `json:"amount"`
	EventType   string            `json:"event_type"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type GrantXPResponse struct {
	PartnerID string `json:"partner_id"`
	NewTotal  int    `json:"new_total"`
	Rank      string `json:"rank"`
	Promoted  bool   `json:"promoted"`
}

type BatchGrantXPRequest struct {
	PartnerIDs  []string `json:"partner_ids"`
	Amount      int      `json:"amount"`
	Description string   `json:"description"`
}

type BatchGrantXPResult struct {
	PartnerID string `json:"partner_id"`
	NewTotal  int    `json:"new_total,omitempty"`
	Rank      string `json:"rank,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SetRankRequest struct {
	TargetRank string `json:"target_rank"`
}

type SetCommissionOverrideRequest struct {
	Rate *float64 `json:"rate"`
}

type RankChangeResponse struct {
	PartnerID      string  `json:"partner_id"`
	OldRank        string  `json:"old_rank"`
	NewRank        string  `json:"new_rank"`
	XP             int     `json:"xp"`
	CommissionRate float64 `json:"commission_rate"`
	TasksBypassed  int     `json:"tasks_bypassed"`
	XPToppedUp     int     `json:"xp_topped_up"`
}

// ProgressSnapshot doubles as the cache entry for partner progress reads.
type ProgressSnapshot struct {
	PartnerID               string   `json:"partner_id"`
	XP                      int      `json:"xp"`
	Rank                    string   `json:"rank"`
	HighestRank             string   `json:"highest_rank"`
	OutstandingTasks        []string `json:"outstanding_tasks"`
	EffectiveCommissionRate float64  `json:"effective_commission_rate"`
	NextRank                string   `json:"next_rank,omitempty"`
	NextRankThreshold       int      `json:"next_rank_threshold,omitempty"`
}

type CompleteDailyTaskRequest struct {
	Date   string `json:"date"`
	TaskID string `json:"task_id"`
}

type LoginDayRequest struct {
	Date string `json:"date"`
}

type CommissionPreviewResponse struct {
	PartnerID          string  `json:"partner_id"`
	Amount             float64 `json:"amount"`
	EffectiveRate      float64 `json:"effective_rate"`
	CommissionAmount   float64 `json:"commission_amount"`
	SubscriptionStatus string  `json:"subscription_status"`
}

type LedgerEntryResponse struct {
	EntryID     string            `json:"entry_id"`
	EventType   string            `json:"event_type"`
	XPValue     int               `json:"xp_value"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
}
