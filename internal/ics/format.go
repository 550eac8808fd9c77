package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"ttexport/internal/model"
)

const (
	utcTimestampFormat   = "20060102T150405Z"
	localTimestampFormat = "20060102T150405"
	dateFormat           = "20060102"
)

// Raw property names; the library constants for these vary between releases.
const (
	propDtStamp      ical.ComponentProperty = "DTSTAMP"
	propCreated      ical.ComponentProperty = "CREATED"
	propLastModified ical.ComponentProperty = "LAST-MODIFIED"
	propGeo          ical.ComponentProperty = "GEO"
	propURL          ical.ComponentProperty = "URL"
	propRelatedTo    ical.ComponentProperty = "RELATED-TO"
)

// formatEvent converts a normalized event into a VEVENT. It returns the
// TZIDs referenced by the component so the document can attach matching
// VTIMEZONE definitions.
func formatEvent(ev model.Event) (*ical.VEvent, []string, error) {
	if ev.UID == "" {
		return nil, nil, errors.New("missing uid")
	}
	if ev.Start.IsZero() {
		return nil, nil, errors.New("missing start")
	}
	if ev.End.Before(ev.Start) {
		return nil, nil, fmt.Errorf("end %s before start %s", ev.End.Format(time.RFC3339), ev.Start.Format(time.RFC3339))
	}

	ve := ical.NewEvent(ev.UID)

	// DTSTAMP must be stable across runs for unchanged events, so it comes
	// from the upstream modification time rather than the clock.
	stamp := ev.Updated
	if stamp.IsZero() {
		stamp = ev.Created
	}
	if stamp.IsZero() {
		stamp = ev.Start
	}
	ve.SetProperty(propDtStamp, stamp.UTC().Format(utcTimestampFormat))
	if !ev.Created.IsZero() {
		ve.SetProperty(propCreated, ev.Created.UTC().Format(utcTimestampFormat))
	}
	if !ev.Updated.IsZero() {
		ve.SetProperty(propLastModified, ev.Updated.UTC().Format(utcTimestampFormat))
	}

	if ev.Summary != "" {
		ve.SetSummary(ev.Summary)
	}

	var zones []string
	if tz := setEventTime(ve, ical.ComponentPropertyDtStart, ev.Start, ev.AllDay); tz != "" {
		zones = append(zones, tz)
	}
	end := ev.End
	if ev.AllDay {
		// DTEND of an all-day event is exclusive.
		end = time.Date(end.Year(), end.Month(), end.Day()+1, 0, 0, 0, 0, end.Location())
	}
	if tz := setEventTime(ve, ical.ComponentPropertyDtEnd, end, ev.AllDay); tz != "" && tz != lastOf(zones) {
		zones = append(zones, tz)
	}

	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if ev.Lat != nil && ev.Lon != nil {
		ve.SetProperty(propGeo, strconv.FormatFloat(*ev.Lat, 'f', -1, 64)+";"+strconv.FormatFloat(*ev.Lon, 'f', -1, 64))
	}
	if ev.URL != "" {
		ve.SetProperty(propURL, ev.URL)
	}
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}

	for _, line := range ev.Recurrences {
		tzs, err := addRecurrence(ve, line)
		if err != nil {
			return nil, nil, err
		}
		zones = append(zones, tzs...)
	}

	if ev.ParentID != "" {
		ve.SetProperty(propRelatedTo, ev.ParentID)
	}

	for _, minutes := range ev.AlertMinutes {
		alarm := ve.AddAlarm()
		alarm.SetAction(ical.ActionDisplay)
		alarm.SetTrigger(alarmTrigger(minutes))
		alarm.SetProperty(ical.ComponentPropertyDescription, reminderText(ev.Summary))
	}

	return ve, zones, nil
}

// setEventTime writes a DTSTART/DTEND value and returns the TZID it refers
// to, if any. UTC times use the "Z" form and need no VTIMEZONE.
func setEventTime(ve *ical.VEvent, prop ical.ComponentProperty, t time.Time, allDay bool) string {
	if allDay {
		ve.SetProperty(prop, t.Format(dateFormat), &ical.KeyValues{Key: string(ical.ParameterValue), Value: []string{"DATE"}})
		return ""
	}
	tz := zoneName(t.Location())
	if tz == "" {
		ve.SetProperty(prop, t.UTC().Format(utcTimestampFormat))
		return ""
	}
	ve.SetProperty(prop, t.Format(localTimestampFormat), &ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{tz}})
	return tz
}

// zoneName returns the IANA name to use as TZID, or "" for UTC.
func zoneName(loc *time.Location) string {
	if loc == nil {
		return ""
	}
	switch name := loc.String(); name {
	case "", "UTC", "Etc/UTC", "Local":
		return ""
	default:
		return name
	}
}

// addRecurrence adds one upstream recurrence content line such as
// "RRULE:FREQ=WEEKLY;BYDAY=MO" or "EXDATE;TZID=Asia/Tokyo:20240101T090000".
func addRecurrence(ve *ical.VEvent, line string) ([]string, error) {
	name, params, value, err := splitContentLine(line)
	if err != nil {
		return nil, err
	}

	switch name {
	case "RRULE":
		if _, err := rrule.StrToRRule(value); err != nil {
			return nil, fmt.Errorf("invalid RRULE %q: %w", value, err)
		}
		ve.AddProperty(ical.ComponentPropertyRrule, value)
		return nil, nil
	case "EXDATE", "RDATE":
		var zones []string
		kvs := make([]ical.PropertyParameter, 0, len(params))
		for _, p := range params {
			if p.Key == string(ical.ParameterTzid) {
				for _, tz := range p.Value {
					loc, err := time.LoadLocation(tz)
					if err != nil {
						return nil, fmt.Errorf("%s: unknown timezone %q", name, tz)
					}
					if zoneName(loc) != "" {
						zones = append(zones, tz)
					}
				}
			}
			kvs = append(kvs, p)
		}
		ve.AddProperty(ical.ComponentProperty(name), value, kvs...)
		return zones, nil
	default:
		return nil, fmt.Errorf("unsupported recurrence property %q", name)
	}
}

// splitContentLine parses NAME[;KEY=V1,V2...]:VALUE.
func splitContentLine(line string) (string, []*ical.KeyValues, string, error) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return "", nil, "", fmt.Errorf("malformed recurrence line %q", line)
	}
	head, value := line[:colon], strings.TrimSpace(line[colon+1:])
	if value == "" {
		return "", nil, "", fmt.Errorf("empty value in recurrence line %q", line)
	}

	parts := strings.Split(head, ";")
	name := strings.ToUpper(strings.TrimSpace(parts[0]))
	params := make([]*ical.KeyValues, 0, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return "", nil, "", fmt.Errorf("malformed parameter %q in %q", p, line)
		}
		params = append(params, &ical.KeyValues{Key: strings.ToUpper(k), Value: strings.Split(v, ",")})
	}
	return name, params, value, nil
}

func alarmTrigger(minutes int) string {
	if minutes < 0 {
		return fmt.Sprintf("PT%dM", -minutes)
	}
	return fmt.Sprintf("-PT%dM", minutes)
}

func reminderText(summary string) string {
	if summary == "" {
		return "Reminder"
	}
	return summary
}

func lastOf(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}
