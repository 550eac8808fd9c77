package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

// transition is one UTC-offset change of a zone.
type transition struct {
	at       time.Time // first instant with the new offset
	from     int       // offset before, seconds east of UTC
	to       int       // offset after
	abbrev   string    // zone abbreviation after the change
	daylight bool
}

// wall is the local clock time at which the transition happens, expressed
// in the offset that was in force before it (as VTIMEZONE DTSTART expects).
func (tr transition) wall() time.Time {
	return tr.at.In(time.FixedZone("", tr.from))
}

// ordinal returns the weekday ordinal of the transition within its month:
// 1..4 counted from the start, or -1 for the last such weekday.
func (tr transition) ordinal() int {
	w := tr.wall()
	daysInMonth := time.Date(w.Year(), w.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if w.Day()+7 > daysInMonth {
		return -1
	}
	return (w.Day()-1)/7 + 1
}

func (tr transition) sameRule(other transition) bool {
	a, b := tr.wall(), other.wall()
	return a.Month() == b.Month() &&
		a.Weekday() == b.Weekday() &&
		tr.ordinal() == other.ordinal() &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() &&
		tr.from == other.from && tr.to == other.to
}

// rrule weekdays indexed by time.Weekday.
var rruleWeekdays = []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

func (tr transition) rrule() string {
	w := tr.wall()
	opt := rrule.ROption{
		Freq:      rrule.YEARLY,
		Bymonth:   []int{int(w.Month())},
		Byweekday: []rrule.Weekday{rruleWeekdays[w.Weekday()].Nth(tr.ordinal())},
	}
	return opt.RRuleString()
}

// transitionsIn scans one calendar year for offset changes of loc.
func transitionsIn(loc *time.Location, year int) []transition {
	const step = 12 * time.Hour

	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)

	var out []transition
	_, prev := start.In(loc).Zone()
	for t := start; t.Before(end); t = t.Add(step) {
		next := t.Add(step)
		if _, off := next.In(loc).Zone(); off == prev {
			continue
		}
		at := bisectOffset(loc, t, next, prev)
		local := at.In(loc)
		abbrev, off := local.Zone()
		out = append(out, transition{at: at, from: prev, to: off, abbrev: abbrev, daylight: local.IsDST()})
		prev = off
	}
	return out
}

// bisectOffset finds the first second in (lo, hi] whose offset differs from old.
func bisectOffset(loc *time.Location, lo, hi time.Time, old int) time.Time {
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if _, off := mid.In(loc).Zone(); off == old {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

// buildTimezone produces a VTIMEZONE for the IANA zone name with the
// observances in force during refYear. Observances that repeat the
// following year get a yearly RRULE.
func buildTimezone(name string, refYear int) (*ical.VTimezone, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}

	tz := &ical.VTimezone{}
	tz.Properties = append(tz.Properties, property("TZID", name))

	current := transitionsIn(loc, refYear)
	if len(current) == 0 {
		abbrev, off := time.Date(refYear, time.January, 1, 0, 0, 0, 0, loc).Zone()
		tz.Components = append(tz.Components, &ical.Standard{ComponentBase: ical.ComponentBase{
			Properties: []ical.IANAProperty{
				property("DTSTART", "19700101T000000"),
				property("TZOFFSETFROM", formatOffset(off)),
				property("TZOFFSETTO", formatOffset(off)),
				property("TZNAME", abbrev),
			},
		}})
		return tz, nil
	}

	following := transitionsIn(loc, refYear+1)
	for _, tr := range current {
		obs := ical.ComponentBase{
			Properties: []ical.IANAProperty{
				property("DTSTART", tr.wall().Format(localTimestampFormat)),
				property("TZOFFSETFROM", formatOffset(tr.from)),
				property("TZOFFSETTO", formatOffset(tr.to)),
				property("TZNAME", tr.abbrev),
			},
		}
		for _, next := range following {
			if tr.sameRule(next) {
				obs.Properties = append(obs.Properties, property("RRULE", tr.rrule()))
				break
			}
		}
		if tr.daylight {
			tz.Components = append(tz.Components, &ical.Daylight{ComponentBase: obs})
		} else {
			tz.Components = append(tz.Components, &ical.Standard{ComponentBase: obs})
		}
	}
	return tz, nil
}

func property(name, value string) ical.IANAProperty {
	return ical.IANAProperty{BaseProperty: ical.BaseProperty{IANAToken: name, Value: value}}
}

// formatOffset renders seconds east of UTC as +HHMM (or +HHMMSS).
func formatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	if s != 0 {
		return fmt.Sprintf("%c%02d%02d%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%c%02d%02d", sign, h, m)
}
