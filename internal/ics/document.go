package ics

import (
	"fmt"
	"sort"

	ical "github.com/arran4/golang-ical"

	"ttexport/internal/model"
)

// FormatVersion is the iCalendar VERSION written to every document.
const FormatVersion = "2.0"

// Document accumulates formatted events for one export and encodes them,
// together with every referenced timezone, into a single VCALENDAR.
type Document struct {
	productID string
	events    []*ical.VEvent

	// zones maps TZID to the earliest year an event references it in.
	// The VTIMEZONE observances are computed for that year.
	zones map[string]int
}

// NewDocument starts an empty document with the given PRODID.
func NewDocument(productID string) *Document {
	return &Document{
		productID: productID,
		zones:     make(map[string]int),
	}
}

// AddEvent formats ev and appends it. On error the document is unchanged.
func (d *Document) AddEvent(ev model.Event) error {
	ve, zones, err := formatEvent(ev)
	if err != nil {
		return fmt.Errorf("event %q: %w", ev.UID, err)
	}
	d.events = append(d.events, ve)
	year := ev.Start.Year()
	for _, tz := range zones {
		if y, ok := d.zones[tz]; !ok || year < y {
			d.zones[tz] = year
		}
	}
	return nil
}

// Len reports the number of event components added so far.
func (d *Document) Len() int {
	return len(d.events)
}

// Timezones lists the TZIDs that Encode will define, sorted.
func (d *Document) Timezones() []string {
	names := make([]string, 0, len(d.zones))
	for name := range d.zones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes the document. Output is a pure function of the added
// events: no clock-derived values are written.
func (d *Document) Encode() ([]byte, error) {
	cal := ical.NewCalendar()
	cal.SetProductId(d.productID)
	cal.SetVersion(FormatVersion)

	for _, name := range d.Timezones() {
		tz, err := buildTimezone(name, d.zones[name])
		if err != nil {
			return nil, err
		}
		cal.Components = append(cal.Components, tz)
	}
	for _, ve := range d.events {
		cal.AddVEvent(ve)
	}

	return []byte(cal.Serialize()), nil
}
