package export

import (
	"errors"

	"ttexport/internal/model"
)

// ErrNoActiveCalendars is returned by Resolve when every calendar of the
// account is deactivated (or the account has none).
var ErrNoActiveCalendars = errors.New("no active calendars found")

// ActiveCalendars keeps the calendars without a deactivation marker, in
// the order received.
func ActiveCalendars(list []model.CalendarMetadata) []model.CalendarMetadata {
	active := make([]model.CalendarMetadata, 0, len(list))
	for _, m := range list {
		if m.Active() {
			active = append(active, m)
		}
	}
	return active
}

// Resolve picks the calendar to export: the active calendar whose alias
// code equals alias, or else the first active calendar. A stale or renamed
// alias falls back instead of failing so a running export keeps working.
func Resolve(list []model.CalendarMetadata, alias string) (model.CalendarMetadata, error) {
	active := ActiveCalendars(list)
	if len(active) == 0 {
		return model.CalendarMetadata{}, ErrNoActiveCalendars
	}
	for _, m := range active {
		if m.AliasCode == alias {
			return m, nil
		}
	}
	return active[0], nil
}
