package summary

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrNoArtifacts is returned when a directory holds no readable artifact.
var ErrNoArtifacts = errors.New("no summaries found")

// ExtraTrends are the custom trends carried in report rows when present.
var ExtraTrends = []string{
	"p95_auth_request_link",
	"p95_tasks_create",
	"p95_tasks_list",
	"p95_webhook_stripe",
}

// Row is one artifact reduced to the figures compared across runs.
type Row struct {
	File      string
	RunID     string
	GitSHA    string
	CreatedAt string
	VUs       string
	Duration  string
	P95Ms     float64
	RPS       float64
	// FailRate and WebhookSuccess are nil when the artifact lacks the sink.
	FailRate       *float64
	WebhookSuccess *float64
	Extras         map[string]float64
}

// ExtractRow reduces an artifact document to a Row. ok is false for
// documents that are not artifacts or lack the request trend and counter.
func ExtractRow(file string, data []byte) (Row, bool) {
	if !gjson.ValidBytes(data) {
		return Row{}, false
	}
	doc := gjson.ParseBytes(data)
	meta := doc.Get("meta")
	metricsDoc := doc.Get("results.metrics")

	value := func(metric, stat string) (float64, bool) {
		values := metricsDoc.Get(metric).Get("values")
		if !values.IsObject() {
			return 0, false
		}
		v, ok := values.Map()[stat]
		if !ok || v.Type != gjson.Number {
			return 0, false
		}
		return v.Float(), true
	}

	p95, ok := value("http_req_duration", "p(95)")
	if !ok {
		return Row{}, false
	}
	rps, ok := value("http_reqs", "rate")
	if !ok {
		return Row{}, false
	}

	row := Row{
		File:      file,
		RunID:     stringOr(meta.Get("run_id"), "unknown"),
		GitSHA:    stringOr(meta.Get("git_sha"), "unknown"),
		CreatedAt: meta.Get("created_at").String(),
		VUs:       meta.Get("vus").String(),
		Duration:  meta.Get("duration").String(),
		P95Ms:     p95,
		RPS:       rps,
		Extras:    map[string]float64{},
	}
	if v, ok := value("http_req_failed", "rate"); ok {
		row.FailRate = &v
	}
	if v, ok := value("webhook_success_rate", "rate"); ok {
		row.WebhookSuccess = &v
	}
	for _, name := range ExtraTrends {
		if v, ok := value(name, "p(95)"); ok {
			row.Extras[name] = v
		}
	}
	return row, true
}

func stringOr(r gjson.Result, fallback string) string {
	if !r.Exists() {
		return fallback
	}
	return r.String()
}

// Collect reads every *.json file in dir, skipping ones that are not
// artifacts, and returns the rows ordered by creation time.
func Collect(dir string) ([]Row, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(paths)

	var rows []Row
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if row, ok := ExtractRow(filepath.Base(p), data); ok {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, ErrNoArtifacts
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt < rows[j].CreatedAt
		}
		return rows[i].File < rows[j].File
	})
	return rows, nil
}

// Latest keeps the rows of the most recent run id, ordered by VUs. rows must
// already be ordered by creation time.
func Latest(rows []Row) []Row {
	if len(rows) == 0 {
		return rows
	}
	runID := rows[len(rows)-1].RunID

	var out []Row
	for _, r := range rows {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return vusKey(out[i].VUs) < vusKey(out[j].VUs)
	})
	return out
}

func vusKey(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// RenderMarkdown prints rows as a markdown table. With extras set, one
// column per custom trend follows the fixed columns.
func RenderMarkdown(w io.Writer, rows []Row, extras bool) error {
	header := "| vus | duration | p95 (ms) | req/s | fail rate | webhook success | git | run_id | file |"
	align := "|---:|:---:|---:|---:|---:|---:|:---:|:---:|:---|"
	if extras {
		for _, name := range ExtraTrends {
			header += " " + name + " |"
			align += "---:|"
		}
	}
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, align); err != nil {
		return err
	}

	for _, r := range rows {
		line := fmt.Sprintf("| %s | %s | %.2f | %.2f | %s | %s | %s | %s | %s |",
			r.VUs, r.Duration, r.P95Ms, r.RPS, optional(r.FailRate), optional(r.WebhookSuccess),
			r.GitSHA, r.RunID, r.File)
		if extras {
			for _, name := range ExtraTrends {
				if v, ok := r.Extras[name]; ok {
					line += fmt.Sprintf(" %.2f |", v)
				} else {
					line += "  |"
				}
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.4f", *v)
}
