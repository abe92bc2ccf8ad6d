package threshold

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/loadgate/internal/metrics"
)

func TestParse(t *testing.T) {
	tests := []struct {
		expr       string
		stat       string
		op         Op
		value      float64
		isDuration bool
	}{
		{"p(95)<200", "p(95)", OpLess, 200, false},
		{"p95 < 200", "p(95)", OpLess, 200, false},
		{"p( 99.9 ) <= 1s", "p(99.9)", OpLessEqual, 1000, true},
		{"rate>0.99", "rate", OpGreater, 0.99, false},
		{"rate<0.01", "rate", OpLess, 0.01, false},
		{"avg < 150ms", "avg", OpLess, 150, true},
		{"count >= 10", "count", OpGreaterEqual, 10, false},
		{"fails == 0", "fails", OpEqual, 0, false},
		{"med != 5", "med", OpNotEqual, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.stat, e.Stat)
			assert.Equal(t, tt.op, e.Op)
			assert.InDelta(t, tt.value, e.Value, 1e-9)
			assert.Equal(t, tt.isDuration, e.IsDuration)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"p95",
		"p(95) ~ 200",
		"p(101) < 200",
		"mean < 200",
		"rate > lots",
		"< 200",
		"pnan<1",
		"p(95)<nan",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			require.Error(t, err)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestBind(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Trend("p95_tasks_create")
	reg.Rate("fail_rate")

	specs, err := Bind(map[string][]string{
		"p95_tasks_create": {"p(95)<200", "avg<100ms"},
		"fail_rate":        {"rate<0.01"},
		"http_reqs":        {"count>0"},
	}, RegistryTypes(reg))
	require.NoError(t, err)
	require.Len(t, specs, 4)
	assert.Equal(t, "fail_rate", specs[0].Metric)
	assert.Equal(t, "http_reqs", specs[1].Metric)
	assert.Equal(t, "p(95)<200", specs[2].Expr.Source)
}

func TestBind_Rejects(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Rate("fail_rate")

	tests := map[string]map[string][]string{
		"unknown metric":     {"nope": {"rate<0.01"}},
		"stat/type mismatch": {"fail_rate": {"p(95)<200"}},
		"duration on rate":   {"fail_rate": {"rate<10ms"}},
		"malformed":          {"fail_rate": {"rate"}},
	}
	for name, declared := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Bind(declared, RegistryTypes(reg))
			assert.Error(t, err)
		})
	}
}

func TestEvaluate_NearestRankP95Fails(t *testing.T) {
	reg := metrics.NewRegistry()
	tr := reg.Trend("p95_tasks_create")
	for _, v := range []float64{100, 100, 100, 100, 900} {
		tr.Add(v)
	}

	specs, err := Bind(map[string][]string{"p95_tasks_create": {"p95<200"}}, RegistryTypes(reg))
	require.NoError(t, err)

	results := Evaluate(specs, reg.Snapshot(time.Second))
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, 900.0, results[0].Actual)
	assert.Equal(t, int64(5), results[0].Samples)
	assert.Contains(t, results[0].Message, "900")
	assert.False(t, AllPassed(results))
}

func TestEvaluate_NoShortCircuit(t *testing.T) {
	reg := metrics.NewRegistry()
	fail := reg.Rate("fail_rate")
	ok := reg.Rate("webhook_success_rate")
	for i := 0; i < 10; i++ {
		fail.Add(true)
		ok.Add(true)
	}

	specs, err := Bind(map[string][]string{
		"fail_rate":            {"rate<0.01"},
		"webhook_success_rate": {"rate>0.99"},
	}, RegistryTypes(reg))
	require.NoError(t, err)

	results := Evaluate(specs, reg.Snapshot(time.Second))
	require.Len(t, results, 2)
	assert.False(t, results[0].Passed)
	assert.True(t, results[1].Passed)
	assert.Len(t, Failed(results), 1)
}

func TestEvaluate_EmptyRate(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Rate("webhook_success_rate")
	reg.Rate("fail_rate")

	specs, err := Bind(map[string][]string{
		"webhook_success_rate": {"rate>0.99"},
		"fail_rate":            {"rate<0.01"},
	}, RegistryTypes(reg))
	require.NoError(t, err)

	results := Evaluate(specs, reg.Snapshot(0))
	byMetric := map[string]Result{}
	for _, r := range results {
		byMetric[r.Metric] = r
	}
	assert.True(t, byMetric["fail_rate"].Passed)
	assert.False(t, byMetric["webhook_success_rate"].Passed)
	assert.Equal(t, int64(0), byMetric["webhook_success_rate"].Samples)
}

func TestEvaluate_MissingMetricFails(t *testing.T) {
	results := Evaluate([]Spec{{Metric: "ghost", Expr: Expression{Source: "rate>0", Stat: "rate", Op: OpGreater}}},
		metrics.NewRegistry().Snapshot(0))
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "metric not recorded", results[0].Message)
}

func TestAllPassed_Empty(t *testing.T) {
	assert.True(t, AllPassed(nil))
}
