package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotExportable marks upstream records that are valid but have no calendar
// representation (memos, notes). They are dropped without being an error.
var ErrNotExportable = errors.New("record is not an exportable event")

// Credential is the account login pair for the calendar source. It is opaque
// to the export core and only handed to the source client.
type Credential struct {
	Email    string
	Password string
}

// Session is the token returned by a successful authentication.
type Session string

// TenantConfig describes one source-calendar connection. A run works on a
// copy; reconfiguration replaces the whole value.
type TenantConfig struct {
	ID string

	Credential Credential

	// CalendarAlias is the alias code of the calendar to export.
	CalendarAlias string

	// Name is the display name the output path is derived from.
	Name string

	// Interval between scheduled runs. Must be at least one minute.
	Interval time.Duration

	// Schedule is an optional standard 5-field cron expression that
	// replaces Interval when set.
	Schedule string

	// OutputPath is fixed at registration.
	OutputPath string

	// NotifyURL, if set, receives a POST after each successful export.
	NotifyURL string
}

// CalendarMetadata is one calendar of the account as reported per run.
type CalendarMetadata struct {
	ID        string
	AliasCode string
	Name      string

	// DeactivatedAt is non-nil for calendars removed on the source side.
	DeactivatedAt *time.Time
}

// Active reports whether the calendar has no deactivation marker.
func (m CalendarMetadata) Active() bool {
	return m.DeactivatedAt == nil
}

// RawEvent is one upstream event record, kept as the JSON the source returned
// until the pipeline normalizes it.
type RawEvent json.RawMessage

// Event is a normalized upstream event, ready to be formatted as a VEVENT.
type Event struct {
	UID      string
	ParentID string

	Summary     string
	Description string
	Location    string
	URL         string

	// Lat/Lon are set together when the event carries a geo position.
	Lat, Lon *float64

	AllDay bool

	// Start / End carry the event's own timezone as Location.
	Start time.Time
	End   time.Time

	Created time.Time
	Updated time.Time

	// Recurrences holds raw content lines such as "RRULE:FREQ=WEEKLY".
	Recurrences []string

	// AlertMinutes lists reminder offsets before Start.
	AlertMinutes []int
}
