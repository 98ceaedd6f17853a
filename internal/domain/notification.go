package domain

import "time"

// NotificationKind identifies what a notification is about.
type NotificationKind string

// Notification kinds.
const (
	KindDoseReminder    NotificationKind = "dose-reminder"
	KindSoftReminder    NotificationKind = "soft-reminder"
	KindStockAlert      NotificationKind = "stock-alert"
	KindDailyDigest     NotificationKind = "daily-digest"
	KindAdherenceReport NotificationKind = "adherence-report"
	KindTitrationAlert  NotificationKind = "titration-alert"
	KindMonthlyReport   NotificationKind = "monthly-report"
)

// AllKinds lists every supported notification kind.
func AllKinds() []NotificationKind {
	return []NotificationKind{
		KindDoseReminder,
		KindSoftReminder,
		KindStockAlert,
		KindDailyDigest,
		KindAdherenceReport,
		KindTitrationAlert,
		KindMonthlyReport,
	}
}

// IsValid checks if the kind is one of the supported kinds.
func (k NotificationKind) IsValid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// IsProtocolScoped reports whether notifications of this kind are tied to a
// single protocol, so the protocol takes part in the dedup key.
func (k NotificationKind) IsProtocolScoped() bool {
	switch k {
	case KindDoseReminder, KindSoftReminder, KindTitrationAlert:
		return true
	default:
		return false
	}
}

// DedupKey identifies "the same logical notification" for suppression.
type DedupKey struct {
	SubjectID  string
	Kind       NotificationKind
	ProtocolID string // empty unless the kind is protocol-scoped
}

// NotificationCandidate is a notification the evaluator decided is due.
type NotificationCandidate struct {
	SubjectID     string              `json:"subjectId"`
	ProtocolID    string              `json:"protocolId,omitempty"`
	Kind          NotificationKind    `json:"kind"`
	Payload       NotificationPayload `json:"payload"`
	CorrelationID string              `json:"correlationId"`
	// Slot is the scheduled instant (or report period) the candidate covers.
	Slot time.Time `json:"slot"`
}

// DedupKey returns the dedup key of the candidate.
func (c NotificationCandidate) DedupKey() DedupKey {
	key := DedupKey{SubjectID: c.SubjectID, Kind: c.Kind}
	if c.Kind.IsProtocolScoped() {
		key.ProtocolID = c.ProtocolID
	}
	return key
}

// NotificationPayload carries the kind-specific data needed to render a message.
// Only the fields relevant to the candidate's kind are set.
type NotificationPayload struct {
	RecipientName string      `json:"recipientName,omitempty"`
	MedicineName  string      `json:"medicineName,omitempty"`
	Dosage        string      `json:"dosage,omitempty"`
	ScheduledTime string      `json:"scheduledTime,omitempty"`
	Stock         []StockItem `json:"stock,omitempty"`
	Adherence     *Adherence  `json:"adherence,omitempty"`
	Titration     *Titration  `json:"titration,omitempty"`
	PeriodLabel   string      `json:"periodLabel,omitempty"`
}

// DeliveryOutcome describes a single delivery attempt.
type DeliveryOutcome struct {
	Success       bool
	ErrorCategory ErrorCategory
	MessageID     string
	LatencyMs     int64
}
