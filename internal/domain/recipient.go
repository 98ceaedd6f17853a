package domain

import "time"

// ChannelType represents a chat transport a recipient is linked to.
type ChannelType string

// Channel types.
const (
	ChannelTypeTelegram   ChannelType = "telegram"
	ChannelTypeMattermost ChannelType = "mattermost"
)

// Recipient is a user with an external chat link configured.
type Recipient struct {
	SubjectID   string
	Name        string
	ChannelType ChannelType
	// ChatTarget is the chat id (telegram) or webhook URL (mattermost).
	ChatTarget string
	// Timezone is an IANA zone name; empty means the configured default.
	Timezone string
	// DigestTime is the local "HH:MM" at which reports and digests are sent.
	DigestTime string
}

// Schedule is an active medication protocol with its daily dose times.
type Schedule struct {
	ProtocolID   string
	SubjectID    string
	MedicineName string
	Dosage       string
	Times        []string // local "HH:MM"
	Active       bool
}

// StockItem is a medicine whose remaining supply is tracked.
type StockItem struct {
	MedicineName  string  `json:"medicineName"`
	Remaining     float64 `json:"remaining"`
	DaysRemaining int     `json:"daysRemaining"`
}

// Adherence summarizes taken vs. scheduled doses over a period.
type Adherence struct {
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Scheduled int       `json:"scheduled"`
	Taken     int       `json:"taken"`
}

// Rate returns the adherence percentage, 0 when nothing was scheduled.
func (a Adherence) Rate() float64 {
	if a.Scheduled == 0 {
		return 0
	}
	return float64(a.Taken) / float64(a.Scheduled) * 100
}

// Titration is a scheduled dosage change of a protocol.
type Titration struct {
	ProtocolID   string    `json:"protocolId"`
	MedicineName string    `json:"medicineName"`
	NewDosage    string    `json:"newDosage"`
	EffectiveOn  time.Time `json:"effectiveOn"`
}
