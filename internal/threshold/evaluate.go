package threshold

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tasklane/loadgate/internal/metrics"
)

// Spec binds an expression to a metric name.
type Spec struct {
	Metric string
	Expr   Expression
}

// TypeLookup reports the type of a registered metric.
type TypeLookup func(name string) (metrics.Type, bool)

// RegistryTypes adapts a Registry into a TypeLookup.
func RegistryTypes(reg *metrics.Registry) TypeLookup {
	return func(name string) (metrics.Type, bool) {
		s, ok := reg.Lookup(name)
		if !ok {
			return "", false
		}
		return s.Type(), true
	}
}

// ParseAll parses every expression in a metric → expressions map without
// checking metric names or types. Specs are ordered by metric name, then by
// declaration order.
func ParseAll(declared map[string][]string) ([]Spec, error) {
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		specs []Spec
		errs  []string
	)
	for _, name := range names {
		for _, src := range declared[name] {
			expr, err := Parse(src)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			specs = append(specs, Spec{Metric: name, Expr: expr})
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return specs, nil
}

// Bind parses declared thresholds and checks each against the registered
// metric types. An unknown metric or a stat that does not apply to the
// metric's type is an error.
func Bind(declared map[string][]string, types TypeLookup) ([]Spec, error) {
	specs, err := ParseAll(declared)
	if err != nil {
		return nil, err
	}

	var errs []string
	for _, s := range specs {
		typ, ok := types(s.Metric)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: no such metric", s.Metric))
			continue
		}
		if !s.Expr.AppliesTo(typ) {
			errs = append(errs, fmt.Sprintf("%s: %q does not apply to a %s metric", s.Metric, s.Expr.Source, typ))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return specs, nil
}

// Result is the outcome of one threshold.
type Result struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Passed     bool    `json:"passed"`
	Actual     float64 `json:"actual"`
	Threshold  float64 `json:"threshold"`
	Samples    int64   `json:"samples"`
	Message    string  `json:"message,omitempty"`
}

// Evaluate checks every spec against snap. All specs are evaluated; a failing
// one does not stop the rest.
func Evaluate(specs []Spec, snap *metrics.Snapshot) []Result {
	results := make([]Result, 0, len(specs))
	for _, s := range specs {
		results = append(results, evaluateOne(s, snap))
	}
	return results
}

func evaluateOne(s Spec, snap *metrics.Snapshot) Result {
	r := Result{
		Metric:     s.Metric,
		Expression: s.Expr.Source,
		Threshold:  s.Expr.Value,
	}

	m, ok := snap.Metrics[s.Metric]
	if !ok {
		r.Message = "metric not recorded"
		return r
	}
	r.Samples = m.Observations()

	actual, ok := m.Stat(s.Expr.Stat)
	if !ok {
		r.Message = fmt.Sprintf("stat %q not available for %s metric", s.Expr.Stat, m.Type)
		return r
	}
	r.Actual = actual
	r.Passed = s.Expr.Op.Compare(actual, s.Expr.Value)
	if !r.Passed {
		r.Message = fmt.Sprintf("%s is %s, threshold: %s %s",
			s.Expr.Stat, formatValue(actual), s.Expr.Op, formatValue(s.Expr.Value))
	}
	return r
}

// AllPassed is the logical AND of every result. An empty set passes.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Failed returns the failing results.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func formatValue(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}
