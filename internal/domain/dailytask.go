package domain

import (
	"hash/fnv"
	"time"
)

type DailyTask struct {
	TaskID   string `json:"task_id"`
	Title    string `json:"title"`
	XPReward int    `json:"xp_reward"`
}

// DailyTaskAssignment is derived, never persisted: the same (date, rank, pool)
// always yields the same slots, so every partner sees one shared
// task-of-the-day.
type DailyTaskAssignment struct {
	Date  string     `json:"date"`
	Slot1 DailyTask  `json:"slot1"`
	Slot2 *DailyTask `json:"slot2,omitempty"`
}

const dailyDateLayout = "2006-01-02"

// SelectDailyTasks picks slot1 for everyone and slot2 only for the Pro tier.
// Selection is seeded purely by the calendar date.
func SelectDailyTasks(date time.Time, rankName string, ladder Ladder, pool []DailyTask) (DailyTaskAssignment, error) {
	if len(pool) == 0 {
		return DailyTaskAssignment{}, ErrInvalidInput
	}
	if _, ok := ladder.Get(rankName); !ok {
		return DailyTaskAssignment{}, ErrUnknownRank
	}
	day := date.UTC().Format(dailyDateLayout)
	h := fnv.New64a()
	_, _ = h.Write([]byte(day))
	seed := h.Sum64()

	first := int(seed % uint64(len(pool)))
	assignment := DailyTaskAssignment{Date: day, Slot1: pool[first]}
	if ladder.IsProTier(rankName) && len(pool) > 1 {
		second := (first + 1 + int((seed>>16)%uint64(len(pool)-1))) % len(pool)
		task := pool[second]
		assignment.Slot2 = &task
	}
	return assignment, nil
}

func DefaultDailyTaskPool() []DailyTask {
	return []DailyTask{
		{TaskID: "daily-outreach-5", Title: "Send five cold outreach messages", XPReward: 50},
		{TaskID: "daily-followup-3", Title: "Follow up on three open enquiries", XPReward: 40},
		{TaskID: "daily-crm-update", Title: "Update pipeline stages in the CRM", XPReward: 30},
		{TaskID: "daily-content-share", Title: "Share one piece of partner content", XPReward: 25},
		{TaskID: "daily-case-study", Title: "Review a closed-deal case study", XPReward: 35},
		{TaskID: "daily-call-review", Title: "Review one recorded discovery call", XPReward: 45},
		{TaskID: "daily-referral-ask", Title: "Ask one client for a referral", XPReward: 60},
	}
}
