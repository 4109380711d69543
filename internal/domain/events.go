package domain

const (
	CanonicalEventClassDomain        = "domain"
	CanonicalEventClassAnalyticsOnly = "analytics_only"
)

// Emitted canonical events.
const (
	EventPartnerEnrolled      = "partner.enrolled"
	EventPartnerXPGranted     = "partner.xp.granted"
	EventPartnerRankChanged   = "partner.rank.changed"
	EventPartnerTaskCompleted = "partner.task.completed"
)

// Consumed canonical events.
const (
	EventLessonCompleted = "lms.lesson.completed"
	EventCommissionPaid  = "billing.commission.paid"
)

func IsCanonicalEmittedEvent(eventType string) bool {
	switch eventType {
	case EventPartnerEnrolled, EventPartnerXPGranted, EventPartnerRankChanged, EventPartnerTaskCompleted:
		return true
	default:
		return false
	}
}

func IsCanonicalInputEvent(eventType string) bool {
	switch eventType {
	case EventLessonCompleted, EventCommissionPaid:
		return true
	default:
		return false
	}
}

func CanonicalEventClass(eventType string) string {
	switch eventType {
	case EventPartnerTaskCompleted, EventCommissionPaid:
		return CanonicalEventClassAnalyticsOnly
	default:
		return CanonicalEventClassDomain
	}
}

func CanonicalPartitionKeyPath(string) string {
	return "data.partner_id"
}
