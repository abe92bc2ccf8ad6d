// Package threshold parses pass/fail expressions over metric aggregates and
// evaluates them once a run has finished.
//
// An expression has the form "<stat> <op> <value>", for example "p(95)<200",
// "rate > 0.99" or "avg < 150ms". Trend values are milliseconds and may be
// written as a bare number or as a Go duration.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tasklane/loadgate/internal/metrics"
)

// Op is a comparison operator.
type Op string

const (
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
)

// Compare applies the operator to actual and threshold.
func (o Op) Compare(actual, threshold float64) bool {
	switch o {
	case OpLess:
		return actual < threshold
	case OpLessEqual:
		return actual <= threshold
	case OpGreater:
		return actual > threshold
	case OpGreaterEqual:
		return actual >= threshold
	case OpEqual:
		return actual == threshold
	case OpNotEqual:
		return actual != threshold
	default:
		return false
	}
}

// Expression is a parsed threshold expression.
type Expression struct {
	Source string
	Stat   string
	Op     Op
	Value  float64
	// IsDuration is true when Value was written as a Go duration; it is
	// then stored in milliseconds.
	IsDuration bool
}

// String returns the source text.
func (e Expression) String() string {
	return e.Source
}

// ParseError reports a malformed expression.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid threshold %q: %s", e.Expr, e.Reason)
}

var exprPattern = regexp.MustCompile(`^(p\(\s*[0-9.]+\s*\)|[a-z][a-z0-9.]*)\s*(<=|>=|==|!=|<|>)\s*(\S+)$`)

// Parse parses "<stat> <op> <value>".
func Parse(expr string) (Expression, error) {
	src := strings.TrimSpace(expr)
	m := exprPattern.FindStringSubmatch(src)
	if m == nil {
		return Expression{}, &ParseError{Expr: expr, Reason: "expected <stat> <op> <value>"}
	}

	stat := strings.ReplaceAll(m[1], " ", "")
	if p, ok := metrics.ParsePercentile(stat); ok {
		stat = metrics.PercentileKey(p)
	} else if strings.HasPrefix(stat, "p(") {
		return Expression{}, &ParseError{Expr: expr, Reason: "percentile must be between 0 and 100"}
	} else if !knownStat(stat) {
		return Expression{}, &ParseError{Expr: expr, Reason: fmt.Sprintf("unknown stat %q", stat)}
	}

	e := Expression{Source: src, Stat: stat, Op: Op(m[2])}

	raw := m[3]
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(v) {
			return Expression{}, &ParseError{Expr: expr, Reason: "value must be a number"}
		}
		e.Value = v
	} else if d, err := time.ParseDuration(raw); err == nil {
		e.Value = float64(d) / float64(time.Millisecond)
		e.IsDuration = true
	} else {
		return Expression{}, &ParseError{Expr: expr, Reason: fmt.Sprintf("value %q is neither a number nor a duration", raw)}
	}

	return e, nil
}

func knownStat(stat string) bool {
	for _, stats := range statsByType {
		if stats[stat] {
			return true
		}
	}
	return false
}

var statsByType = map[metrics.Type]map[string]bool{
	metrics.TypeTrend:   {"avg": true, "min": true, "max": true, "med": true, "count": true},
	metrics.TypeRate:    {"rate": true, "passes": true, "fails": true},
	metrics.TypeCounter: {"count": true, "rate": true},
}

// AppliesTo reports whether the expression's stat is defined for typ.
func (e Expression) AppliesTo(typ metrics.Type) bool {
	if typ == metrics.TypeTrend {
		if _, ok := metrics.ParsePercentile(e.Stat); ok {
			return true
		}
	}
	if e.IsDuration && typ != metrics.TypeTrend {
		return false
	}
	return statsByType[typ][e.Stat]
}
