package timetree

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ttexport/internal/model"
)

// categoryKeep marks memo entries, which have no date.
const categoryKeep = 2

// optFloat decodes coordinates that arrive as numbers, numeric strings,
// empty strings or null.
type optFloat struct {
	v  float64
	ok bool
}

func (f *optFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("coordinate %q: %w", s, err)
	}
	f.v, f.ok = v, true
	return nil
}

type eventDTO struct {
	UUID          string   `json:"uuid"`
	Title         string   `json:"title"`
	Category      int      `json:"category"`
	AllDay        bool     `json:"all_day"`
	StartAt       *int64   `json:"start_at"`
	StartTimezone string   `json:"start_timezone"`
	EndAt         *int64   `json:"end_at"`
	EndTimezone   string   `json:"end_timezone"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
	Note          string   `json:"note"`
	Location      string   `json:"location"`
	LocationLat   optFloat `json:"location_lat"`
	LocationLon   optFloat `json:"location_lon"`
	URL           string   `json:"url"`
	Recurrences   []string `json:"recurrences"`
	Alerts        []int    `json:"alerts"`
	ParentID      string   `json:"parent_id"`
}

// DecodeEvent normalizes one raw event record. Keep/memo entries return
// model.ErrNotExportable; structurally broken records return a plain error.
func DecodeEvent(raw model.RawEvent) (model.Event, error) {
	var dto eventDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if dto.Category == categoryKeep {
		return model.Event{}, model.ErrNotExportable
	}
	if dto.UUID == "" {
		return model.Event{}, errors.New("event without uuid")
	}
	if dto.StartAt == nil {
		return model.Event{}, fmt.Errorf("event %s: missing start_at", dto.UUID)
	}

	startLoc, err := location(dto.StartTimezone)
	if err != nil {
		return model.Event{}, fmt.Errorf("event %s: %w", dto.UUID, err)
	}
	endLoc := startLoc
	if dto.EndTimezone != "" {
		if endLoc, err = location(dto.EndTimezone); err != nil {
			return model.Event{}, fmt.Errorf("event %s: %w", dto.UUID, err)
		}
	}

	ev := model.Event{
		UID:          dto.UUID,
		ParentID:     dto.ParentID,
		Summary:      dto.Title,
		Description:  dto.Note,
		Location:     dto.Location,
		URL:          dto.URL,
		AllDay:       dto.AllDay,
		Start:        time.UnixMilli(*dto.StartAt).In(startLoc),
		Recurrences:  dto.Recurrences,
		AlertMinutes: dto.Alerts,
	}
	if dto.EndAt != nil {
		ev.End = time.UnixMilli(*dto.EndAt).In(endLoc)
	} else {
		ev.End = ev.Start
	}
	if dto.CreatedAt > 0 {
		ev.Created = time.UnixMilli(dto.CreatedAt).UTC()
	}
	if dto.UpdatedAt > 0 {
		ev.Updated = time.UnixMilli(dto.UpdatedAt).UTC()
	}
	if dto.LocationLat.ok && dto.LocationLon.ok {
		lat, lon := dto.LocationLat.v, dto.LocationLon.v
		ev.Lat, ev.Lon = &lat, &lon
	}
	if ev.AllDay {
		// All-day values are whole dates in the event's zone.
		ev.Start = truncateDay(ev.Start)
		ev.End = truncateDay(ev.End)
	}
	return ev, nil
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
