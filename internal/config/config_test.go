package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1, cfg.VUs)
	assert.Equal(t, 20*time.Second, cfg.Duration.Std())
	assert.Equal(t, "http://api:8000", cfg.BaseURL)
	assert.Equal(t, "/results/summary.json", cfg.SummaryPath)
	assert.Equal(t, "local", cfg.RunID)
	assert.Equal(t, "nogit", cfg.Revision)
	assert.Equal(t, 200*time.Millisecond, cfg.Pacing.Std())
	assert.Equal(t, time.Duration(0), cfg.GracefulStop.Std())
	assert.Len(t, cfg.Thresholds, 6)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"VUS":                   "10",
		"DURATION":              "45",
		"BASE_URL":              "http://localhost:9000",
		"K6_SUMMARY_PATH":       "/tmp/k6.json",
		"RUN_ID":                "run-42",
		"GIT_SHA":               "abc123",
		"PACING":                "50ms",
		"MAX_ITERATION_RATE":    "20",
		"STRIPE_WEBHOOK_SECRET": "whsec_test",
	}))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.VUs)
	assert.Equal(t, 45*time.Second, cfg.Duration.Std())
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, "/tmp/k6.json", cfg.SummaryPath)
	assert.Equal(t, "run-42", cfg.RunID)
	assert.Equal(t, "abc123", cfg.Revision)
	assert.Equal(t, 50*time.Millisecond, cfg.Pacing.Std())
	assert.Equal(t, 20.0, cfg.MaxIterationRate)
	assert.Equal(t, "whsec_test", cfg.WebhookSecret)
}

func TestApplyEnv_SummaryPathWinsOverAlias(t *testing.T) {
	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg, envMap(map[string]string{
		"K6_SUMMARY_PATH": "/tmp/a.json",
		"SUMMARY_PATH":    "/tmp/b.json",
	})))
	assert.Equal(t, "/tmp/b.json", cfg.SummaryPath)
}

func TestApplyEnv_Invalid(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"VUS":      "many",
		"DURATION": "soon",
	}))
	require.Error(t, err)

	var verrs *ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs.Errors, 2)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
vus: 4
duration: 1m
pacing: 100ms
thresholds:
  p95_tasks_create: ["p(95)<300"]
`), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(path, &cfg))

	assert.Equal(t, 4, cfg.VUs)
	assert.Equal(t, time.Minute, cfg.Duration.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Pacing.Std())
	assert.Equal(t, "http://api:8000", cfg.BaseURL, "absent fields keep defaults")
	assert.Equal(t, map[string][]string{"p95_tasks_create": {"p(95)<300"}}, cfg.Thresholds)
}

func TestLoadFile_KeepsThresholdsWhenAbsent(t *testing.T) {
	cfg := Default()
	require.NoError(t, ParseYAML([]byte("vus: 2\n"), &cfg))
	assert.Equal(t, DefaultThresholds(), cfg.Thresholds)
}

func TestLoadFile_Missing(t *testing.T) {
	cfg := Default()
	err := LoadFile("/nonexistent/loadgate.yaml", &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"20", 20 * time.Second, false},
		{"", 0, false},
		{"20x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDurationString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunConfig)
		field  string
	}{
		{"zero vus", func(c *RunConfig) { c.VUs = 0 }, "vus"},
		{"zero duration", func(c *RunConfig) { c.Duration = 0 }, "duration"},
		{"bad scheme", func(c *RunConfig) { c.BaseURL = "ftp://api" }, "base_url"},
		{"no host", func(c *RunConfig) { c.BaseURL = "http://" }, "base_url"},
		{"empty summary path", func(c *RunConfig) { c.SummaryPath = "" }, "summary_path"},
		{"negative pacing", func(c *RunConfig) { c.Pacing = -1 }, "pacing"},
		{"zero timeout", func(c *RunConfig) { c.RequestTimeout = 0 }, "request_timeout"},
		{"negative rate", func(c *RunConfig) { c.MaxIterationRate = -1 }, "max_iteration_rate"},
		{"bad threshold", func(c *RunConfig) { c.Thresholds = map[string][]string{"checks": {"rate ~ 1"}} }, "thresholds.checks[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs.Errors, 1)
			assert.Equal(t, tt.field, verrs.Errors[0].Field)
		})
	}
}
