// Package output renders run progress and the final summary for humans.
// Nothing here is logging: it writes straight to the configured writer.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/summary"
)

const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs int
	TargetVUs int

	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64

	LatencyP95 time.Duration
	LatencyAvg time.Duration

	Phase string
}

// Console manages console output during a run.
type Console struct {
	title          string
	totalDuration  time.Duration
	updateInterval time.Duration
	writer         io.Writer
	isTTY          bool
	quiet          bool
	colors         *ColorScheme

	mu          sync.Mutex
	linesOutput int
}

// Config contains configuration for Console.
type Config struct {
	Title          string
	TotalDuration  time.Duration
	UpdateInterval time.Duration
	Writer         io.Writer
	Quiet          bool
	NoColor        bool
	ForceColors    bool
	ForceTTY       bool
}

// New creates a console.
func New(config Config) *Console {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = time.Second
	}
	if config.Title == "" {
		config.Title = "loadgate"
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)

	var scheme *ColorScheme
	switch {
	case config.NoColor:
		scheme = NoColorScheme()
	case config.ForceColors || (isTTY && supportsColors()):
		scheme = ForcedColorScheme()
	default:
		scheme = NoColorScheme()
	}

	return &Console{
		title:          config.Title,
		totalDuration:  config.TotalDuration,
		updateInterval: config.UpdateInterval,
		writer:         config.Writer,
		isTTY:          isTTY,
		quiet:          config.Quiet,
		colors:         scheme,
	}
}

// supportsColors checks if the terminal supports colors.
func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run header.
func (c *Console) PrintHeader(meta summary.Meta) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	c.writeln(c.colors.Rule.Sprint(line))
	c.writeln(c.colors.Title.Sprintf("%s - Running [%s]", c.title, meta.RunID))
	c.writeln(c.colors.Rule.Sprint(line))
	c.writeln(fmt.Sprintf("Target:   %s", c.colors.Value.Sprint(meta.BaseURL)))
	c.writeln(fmt.Sprintf("Load:     %s VUs for %s", c.colors.Value.Sprint(meta.VUs), c.colors.Value.Sprint(meta.Duration)))
	c.writeln(fmt.Sprintf("Revision: %s", meta.GitSHA))
	c.writeln("")
}

// Watch renders stats from source every update interval until ctx is done.
// On a terminal the display is redrawn in place; otherwise one line is
// appended per tick.
func (c *Console) Watch(ctx context.Context, source func() LiveStats) {
	if c.quiet {
		return
	}
	ticker := time.NewTicker(c.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := source()
			if c.isTTY {
				c.Update(&stats)
			} else {
				c.PrintNonInteractiveUpdate(&stats)
			}
		}
	}
}

// Update redraws the live display.
func (c *Console) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *Console) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	progressBar := renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.Pass.Sprint(progressBar),
		c.colors.Label.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.Dim.Sprint(timeInfo)))
	lines = append(lines, fmt.Sprintf("Phase:    %s", c.colors.Phase.Sprint(stats.Phase)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, c.colors.Dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vusStr := fmt.Sprintf("VUs:     %s / %d", c.colors.Value.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqsStr := fmt.Sprintf("Requests:    %s", c.colors.Value.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	errColor := c.colors.RateColor(stats.ErrorRate)
	rpsStr := fmt.Sprintf("RPS:     %s", c.colors.Pass.Sprintf("%.1f", stats.CurrentRPS))
	errStr := fmt.Sprintf("Errors:      %s (%s)",
		errColor.Sprint(stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	p95Str := fmt.Sprintf("P95:     %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyP95)))
	avgStr := fmt.Sprintf("Avg:         %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyAvg)))
	lines = append(lines, c.formatBoxRow(p95Str, avgStr, boxWidth))

	lines = append(lines, c.colors.Dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))
	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *Console) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2

	leftPadding := colWidth - visibleLen(left)
	if leftPadding < 0 {
		leftPadding = 0
	}
	rightPadding := colWidth - visibleLen(right)
	if rightPadding < 0 {
		rightPadding = 0
	}

	bar := c.colors.Dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		bar, left, strings.Repeat(" ", leftPadding),
		bar, right, strings.Repeat(" ", rightPadding),
		bar)
}

// PrintNonInteractiveUpdate prints a one-line status for non-TTY output.
func (c *Console) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] %s | Progress: %.0f%% | VUs: %d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Phase,
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// PrintSummary prints the final report of a run.
func (c *Console) PrintSummary(a *summary.Artifact, path string) {
	if c.quiet {
		if a.Results.Passed {
			c.writeln(c.colors.Pass.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.Fail.Sprint("FAILED"))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.colors.Pass.Sprint("Passed ✓")
	if !a.Results.Passed {
		status = c.colors.Fail.Sprint("Failed ✗")
	}

	c.writeln("")
	c.writeln(c.colors.Rule.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(c.title+" "+a.Meta.RunID), status))
	c.writeln(c.colors.Rule.Sprint(line))
	c.writeln("")

	if a.Results.SetupError != "" {
		c.writeln(c.colors.Fail.Sprint("Setup failed, no load was generated:"))
		c.writeln("  " + a.Results.SetupError)
		c.writeln("")
	}

	elapsed := time.Duration(a.Results.ElapsedMs * float64(time.Millisecond))
	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(elapsed))))
	c.writeln(fmt.Sprintf("Iterations:    %s", c.colors.Value.Sprint(formatNumber(a.Results.Iterations))))
	if reqs, ok := a.Results.Metrics[metrics.HTTPReqs]; ok {
		c.writeln(fmt.Sprintf("Total Reqs:    %s (%.1f/s)",
			c.colors.Value.Sprint(formatNumber(int64(reqs.Values["count"]))), reqs.Values["rate"]))
	}
	if failed, ok := a.Results.Metrics[metrics.HTTPReqFailed]; ok && failed.Observations() > 0 {
		rate := failed.Values["rate"]
		c.writeln(fmt.Sprintf("Success Rate:  %s", c.colors.RateColor(rate).Sprintf("%.1f%%", (1-rate)*100)))
	}
	if a.Results.Interrupted {
		c.writeln(c.colors.Warn.Sprint("Run was interrupted before its deadline"))
	}
	c.writeln("")

	if h := a.Results.Histogram; h != nil {
		c.writeln(c.colors.Label.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", formatMillis(h.Min)))
		c.writeln(fmt.Sprintf("  P50:       %s", formatMillis(h.P50)))
		c.writeln(fmt.Sprintf("  P90:       %s", formatMillis(h.P90)))
		c.writeln(fmt.Sprintf("  P95:       %s", formatMillis(h.P95)))
		c.writeln(fmt.Sprintf("  P99:       %s", formatMillis(h.P99)))
		c.writeln(fmt.Sprintf("  Max:       %s", formatMillis(h.Max)))
		c.writeln("")
	}

	if len(a.Results.Checks) > 0 {
		c.writeln(c.colors.Label.Sprint("Checks:"))
		for _, name := range sortedKeys(a.Results.Checks) {
			res := a.Results.Checks[name]
			icon := c.colors.Pass.Sprint("✓")
			if res.Fails > 0 {
				icon = c.colors.Fail.Sprint("✗")
			}
			c.writeln(fmt.Sprintf("  %s %-22s %d passed, %d failed", icon, name, res.Passes, res.Fails))
		}
		c.writeln("")
	}

	if len(a.Results.Thresholds) > 0 {
		c.writeln(c.colors.Label.Sprint("Thresholds:"))
		for _, t := range a.Results.Thresholds {
			icon := c.colors.Pass.Sprint("✓")
			if !t.Passed {
				icon = c.colors.Fail.Sprint("✗")
			}
			detail := fmt.Sprintf("actual: %s", formatStat(t.Actual))
			if t.Message != "" && !t.Passed {
				detail = t.Message
			}
			c.writeln(fmt.Sprintf("  %s %s %s (%s)", icon, t.Metric, t.Expression, detail))
		}
		c.writeln("")
	}

	if path != "" {
		c.writeln(fmt.Sprintf("Summary: %s", path))
	}
}

// StatsFromLive converts a live snapshot into display stats.
func StatsFromLive(snap metrics.LiveSnapshot, progress float64, totalDuration time.Duration, targetVUs int) LiveStats {
	elapsed := snap.Elapsed
	var remaining time.Duration
	if totalDuration > 0 {
		remaining = totalDuration - elapsed
		if remaining < 0 {
			remaining = 0
		}
	}

	return LiveStats{
		Progress:      progress,
		Elapsed:       elapsed,
		Remaining:     remaining,
		ActiveVUs:     snap.ActiveVUs,
		TargetVUs:     targetVUs,
		CurrentRPS:    snap.RPS,
		TotalRequests: snap.TotalRequests,
		Errors:        snap.FailedRequests,
		ErrorRate:     snap.ErrorRate,
		LatencyP95:    snap.Latency.P95,
		LatencyAvg:    snap.Latency.Mean,
		Phase:         string(snap.Phase),
	}
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
