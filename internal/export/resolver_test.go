package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttexport/internal/model"
)

func deactivated(t time.Time) *time.Time { return &t }

func TestResolveFallsBackToFirstActive(t *testing.T) {
	metas := []model.CalendarMetadata{
		{ID: "1", AliasCode: "fam", Name: "Family"},
		{ID: "2", AliasCode: "work", Name: "Work", DeactivatedAt: deactivated(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))},
	}

	active := ActiveCalendars(metas)
	require.Len(t, active, 1)
	assert.Equal(t, "fam", active[0].AliasCode)

	got, err := Resolve(metas, "work")
	require.NoError(t, err)
	assert.Equal(t, "Family", got.Name)
}

func TestResolve(t *testing.T) {
	gone := deactivated(time.Unix(0, 0))
	tests := []struct {
		name    string
		metas   []model.CalendarMetadata
		alias   string
		want    string
		wantErr error
	}{
		{name: "empty", metas: nil, alias: "x", wantErr: ErrNoActiveCalendars},
		{
			name:    "all deactivated",
			metas:   []model.CalendarMetadata{{ID: "1", AliasCode: "a", DeactivatedAt: gone}},
			alias:   "a",
			wantErr: ErrNoActiveCalendars,
		},
		{
			name: "match regardless of position",
			metas: []model.CalendarMetadata{
				{ID: "1", AliasCode: "a"},
				{ID: "2", AliasCode: "b"},
				{ID: "3", AliasCode: "c"},
			},
			alias: "c",
			want:  "3",
		},
		{
			name: "deactivated match is ignored",
			metas: []model.CalendarMetadata{
				{ID: "1", AliasCode: "b", DeactivatedAt: gone},
				{ID: "2", AliasCode: "a"},
			},
			alias: "b",
			want:  "2",
		},
		{
			name:  "unknown alias picks first active",
			metas: []model.CalendarMetadata{{ID: "1", AliasCode: "a"}, {ID: "2", AliasCode: "b"}},
			alias: "zzz",
			want:  "1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.metas, tt.alias)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestActiveCalendarsNeverContainsDeactivated(t *testing.T) {
	gone := deactivated(time.Now())
	metas := []model.CalendarMetadata{
		{ID: "1", DeactivatedAt: gone},
		{ID: "2"},
		{ID: "3", DeactivatedAt: gone},
		{ID: "4"},
	}
	active := ActiveCalendars(metas)
	require.Len(t, active, 2)
	for _, m := range active {
		assert.True(t, m.Active(), m.ID)
	}
	assert.Equal(t, "2", active[0].ID)
	assert.Equal(t, "4", active[1].ID)
}
