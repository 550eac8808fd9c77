package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultExportDir, cfg.ExportDir)
	assert.Empty(t, cfg.Tenants)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesTenants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
export_dir: /tmp/exports
run_timeout: 30s
tenants:
  - name: Family
    email: alice@example.com
    password: secret
    calendar_alias: fam
  - id: work
    name: Work
    email: bob@example.com
    password: secret
    interval_minutes: 60
    schedule: "*/30 * * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tenants, 2)

	fam := cfg.Tenants[0]
	assert.Equal(t, DefaultIntervalMinutes, fam.IntervalMinutes)
	assert.Equal(t, 360*time.Minute, fam.Interval())
	assert.NotEmpty(t, fam.ID)
	assert.Equal(t, 30*time.Second, cfg.RunTimeout)
	assert.Equal(t, DefaultHTTPTimeout, cfg.HTTPTimeout)

	// Derived ids are stable across loads.
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, fam.ID, again.Tenants[0].ID)

	assert.Equal(t, "work", cfg.Tenants[1].ID)
	assert.Equal(t, "*/30 * * * *", cfg.Tenants[1].Schedule)
}

func TestValidate(t *testing.T) {
	valid := TenantConfig{ID: "a", Name: "A", Email: "a@example.com", Password: "p", IntervalMinutes: 5}

	tests := []struct {
		name    string
		mutate  func(*TenantConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*TenantConfig) {}},
		{name: "missing name", mutate: func(c *TenantConfig) { c.Name = "" }, wantErr: "name is required"},
		{name: "missing email", mutate: func(c *TenantConfig) { c.Email = "" }, wantErr: "email is required"},
		{name: "missing password", mutate: func(c *TenantConfig) { c.Password = "" }, wantErr: "password is required"},
		{name: "negative interval", mutate: func(c *TenantConfig) { c.IntervalMinutes = -1 }, wantErr: "interval_minutes"},
		{name: "bad schedule", mutate: func(c *TenantConfig) { c.Schedule = "every now and then" }, wantErr: "schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := valid
			tt.mutate(&tc)
			err := tc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	cfg := DefaultConfig()
	tc := TenantConfig{ID: "dup", Name: "A", Email: "a@example.com", Password: "p", IntervalMinutes: 5}
	cfg.Tenants = []TenantConfig{tc, tc}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Tenants = append(cfg.Tenants, TenantConfig{
		ID: "fam", Name: "Family", Email: "a@example.com", Password: "p", CalendarAlias: "fam",
	})
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Tenants, 1)
	assert.Equal(t, "p", loaded.Tenants[0].Password)
	assert.Equal(t, DefaultIntervalMinutes, loaded.Tenants[0].IntervalMinutes)
}
