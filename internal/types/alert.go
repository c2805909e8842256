package types

import "time"

// NotificationKind distinguishes the events the engine reports
type NotificationKind string

const (
	KindAlert    NotificationKind = "alert"
	KindResolved NotificationKind = "resolved"
	KindOutage   NotificationKind = "outage"
)

// Notification is what the alert engine hands to a notifier
type Notification struct {
	Kind     NotificationKind
	Key      MetricKey // empty for outage notifications
	Severity string
	Title    string
	Body     string
	At       time.Time
}

// AlertState is a copy of one registry entry
type AlertState struct {
	Key        MetricKey `json:"key"`
	MutedUntil time.Time `json:"muted_until"`
	Muted      bool      `json:"muted"`
	Active     bool      `json:"active"`
}
