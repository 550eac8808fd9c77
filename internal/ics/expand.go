package ics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "ttexport/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Occurrence is one concrete instance of an exported event.
type Occurrence struct {
	UID      string    `json:"uid"`
	Summary  string    `json:"summary"`
	Location string    `json:"location,omitempty"`
	AllDay   bool      `json:"all_day"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used. All-day dates are read in this zone.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []Occurrence
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// expandable is a VEVENT read back from a document with its times resolved.
type expandable struct {
	uid      string
	summary  string
	location string
	allDay   bool
	start    time.Time
	end      time.Time
	rrule    string
	rDates   []time.Time
	exDates  []time.Time
}

// Expand reads an ICS document and expands its events into concrete
// occurrences within the configured window, sorted by start. It handles
// single events, RRULE and RDATE recurrence with EXDATE exceptions and all-day
// semantics. Events that cannot be read are logged and left out.
func Expand(r io.Reader, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return result, err
	}

	result.Occurrences = make([]Occurrence, 0)
	for _, ve := range cal.Events() {
		ev, err := readExpandable(ve, cfg.DisplayLocation)
		if err != nil {
			appLog.Warn("expand: unreadable event", "err", err)
			continue
		}

		occ, hitCap := expandEvent(ev, cfg)
		result.Occurrences = append(result.Occurrences, occ...)
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", ev.uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	sort.SliceStable(result.Occurrences, func(i, j int) bool {
		a, b := result.Occurrences[i], result.Occurrences[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.UID < b.UID
	})
	return result, nil
}

func readExpandable(ve *ical.VEvent, floating *time.Location) (expandable, error) {
	var ev expandable

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		ev.uid = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, fmt.Errorf("event %q: missing DTSTART", ev.uid)
	}
	start, allDay, err := propertyTime(dtStart.Value, dtStart.ICalParameters, floating)
	if err != nil {
		return ev, fmt.Errorf("event %q: DTSTART: %w", ev.uid, err)
	}
	ev.start, ev.allDay = start, allDay

	switch dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEnd != nil:
		if ev.end, _, err = propertyTime(dtEnd.Value, dtEnd.ICalParameters, floating); err != nil {
			return ev, fmt.Errorf("event %q: DTEND: %w", ev.uid, err)
		}
	case allDay:
		ev.end = ev.start.AddDate(0, 0, 1)
	default:
		ev.end = ev.start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = p.Value
	}

	// RDATE and EXDATE can appear multiple times, each with a
	// comma-separated list.
	ev.rDates = dateList(ve, ical.ComponentPropertyRdate, floating)
	ev.exDates = dateList(ve, ical.ComponentPropertyExdate, floating)
	return ev, nil
}

func dateList(ve *ical.VEvent, prop ical.ComponentProperty, floating *time.Location) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(prop) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := propertyTime(part, p.ICalParameters, floating); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// propertyTime parses a DATE or DATE-TIME value, honoring TZID and the UTC
// suffix. Floating values are read in floating.
func propertyTime(v string, params map[string][]string, floating *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	loc := floating
	if tzs := params[string(ical.ParameterTzid)]; len(tzs) > 0 {
		l, err := time.LoadLocation(tzs[0])
		if err != nil {
			return time.Time{}, false, fmt.Errorf("unknown TZID %q", tzs[0])
		}
		loc = l
	}

	switch {
	// UTC form, e.g., 20250101T090000Z
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	// Local date-time, e.g., 20250101T090000
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	// Date-only (all-day), e.g., 20250101
	default:
		t, err := time.ParseInLocation("20060102", v, floating)
		return t, true, err
	}
}

func expandEvent(ev expandable, cfg ExpandConfig) ([]Occurrence, bool) {
	if ev.rrule == "" && len(ev.rDates) == 0 {
		if !timeRangesOverlap(ev.start, ev.end, cfg.RangeStart, cfg.RangeEnd) {
			return nil, false
		}
		return []Occurrence{makeOccurrence(ev, ev.start, ev.end, cfg.DisplayLocation)}, false
	}
	return expandRecurringEvent(ev, cfg)
}

func expandRecurringEvent(ev expandable, cfg ExpandConfig) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)
	hitCap := false

	var set rrule.Set
	if ev.rrule != "" {
		r, err := rrule.StrToRRule(ev.rrule)
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "uid", ev.uid, "rrule", ev.rrule)
			return out, false
		}
		// Ensure Dtstart is set to the event's DTSTART.
		r.DTStart(ev.start)
		set.RRule(r)
	} else {
		// RDATE alone still includes the DTSTART instance.
		set.RDate(ev.start)
	}
	for _, rd := range ev.rDates {
		set.RDate(rd.In(ev.start.Location()))
	}
	for _, ex := range ev.exDates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	// Occurrences that began before the window but are still running count.
	dur := ev.end.Sub(ev.start)
	rangeStart := cfg.RangeStart.Add(-dur).In(ev.start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		occEnd := occStart.Add(dur)
		if ev.allDay {
			// Keep whole days across DST changes.
			days := int(dur.Round(24*time.Hour) / (24 * time.Hour))
			occEnd = occStart.AddDate(0, 0, max(days, 1))
		}
		if !timeRangesOverlap(occStart, occEnd, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, makeOccurrence(ev, occStart, occEnd, cfg.DisplayLocation))
	}
	return out, hitCap
}

// makeOccurrence converts an event instance into an Occurrence normalized
// into displayLoc.
func makeOccurrence(ev expandable, start, end time.Time, displayLoc *time.Location) Occurrence {
	return Occurrence{
		UID:      ev.uid,
		Summary:  ev.summary,
		Location: ev.location,
		AllDay:   ev.allDay,
		Start:    start.In(displayLoc),
		End:      end.In(displayLoc),
	}
}

// timeRangesOverlap reports whether [aStart, aEnd) intersects the window
// [bStart, bEnd). A zero-length event counts when it starts inside the window.
func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.After(aStart) {
		return !aStart.Before(bStart) && aStart.Before(bEnd)
	}
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
