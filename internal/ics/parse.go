package ics

import (
	"bytes"
	"errors"
	"io"
	"strings"

	ical "github.com/arran4/golang-ical"
)

// EventInfo is a light view of one VEVENT found in an exported document.
type EventInfo struct {
	UID     string
	Summary string
	Start   string // raw DTSTART value
	StartTZ string
	AllDay  bool
	RRule   string
	Alarms  int
}

// DocumentInfo summarizes an exported ICS document.
type DocumentInfo struct {
	ProductID string
	Version   string
	Events    []EventInfo
	Timezones []string
}

// Inspect parses an ICS payload and summarizes it. It is used to verify
// written artifacts (event count, timezone coverage) without re-running
// an export.
func Inspect(r io.Reader) (DocumentInfo, error) {
	var info DocumentInfo

	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return info, err
	}

	for _, p := range cal.CalendarProperties {
		switch p.IANAToken {
		case string(ical.PropertyProductId):
			info.ProductID = p.Value
		case string(ical.PropertyVersion):
			info.Version = p.Value
		}
	}

	for _, comp := range cal.Components {
		switch c := comp.(type) {
		case *ical.VTimezone:
			if p := c.GetProperty(ical.ComponentPropertyTzid); p != nil {
				info.Timezones = append(info.Timezones, p.Value)
			}
		case *ical.VEvent:
			info.Events = append(info.Events, inspectVEvent(c))
		}
	}
	return info, nil
}

// InspectBytes is Inspect over an in-memory payload.
func InspectBytes(body []byte) (DocumentInfo, error) {
	if len(body) == 0 {
		return DocumentInfo{}, errors.New("empty ICS body")
	}
	return Inspect(bytes.NewReader(body))
}

func inspectVEvent(ve *ical.VEvent) EventInfo {
	var out EventInfo

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = p.Value
	}

	// Detect all-day: VALUE=DATE or no 'T' in the value.
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		out.Start = p.Value
		if vs, ok := p.ICalParameters[string(ical.ParameterValue)]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(p.Value, "T") {
			out.AllDay = true
		}
		if tzs, ok := p.ICalParameters[string(ical.ParameterTzid)]; ok && len(tzs) > 0 {
			out.StartTZ = tzs[0]
		}
	}

	for _, sub := range ve.Components {
		if _, ok := sub.(*ical.VAlarm); ok {
			out.Alarms++
		}
	}
	return out
}
