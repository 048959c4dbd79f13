package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"commissioner/internal/task"
)

// FetchFunc loads the current state of the watched task
type FetchFunc func(ctx context.Context) (*task.Task, error)

// Display prints the progress of one task until it reaches a terminal state
type Display struct {
	fetch    FetchFunc
	interval time.Duration
	out      io.Writer
}

// NewDisplay creates a new progress display
func NewDisplay(fetch FetchFunc, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stdout
	}
	return &Display{fetch: fetch, interval: interval, out: out}
}

// Run polls until the task is terminal or ctx is done and returns the last task seen
func (d *Display) Run(ctx context.Context) (*task.Task, error) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		t, err := d.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if t.State.Terminal() {
			fmt.Fprintln(d.out, strings.Join(d.generateFinalDisplay(t), "\n"))
			return t, nil
		}
		fmt.Fprintln(d.out, d.generateLine(t))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return t, ctx.Err()
		}
	}
}

// generateLine generates the single progress line of a running task
func (d *Display) generateLine(t *task.Task) string {
	return fmt.Sprintf("%s %s %-8s %d/%d groups  elapsed %s",
		t.ID, d.generateProgressBar(t.Percent(), 30), t.State,
		t.CompletedGroups, t.TotalGroups, FormatDuration(time.Since(t.CreatedAt)))
}

// generateFinalDisplay generates the completion summary
func (d *Display) generateFinalDisplay(t *task.Task) []string {
	lines := []string{
		fmt.Sprintf("Task %s (%s) finished: %s", t.ID, t.Type, t.State),
		fmt.Sprintf("  Groups: %d/%d", t.CompletedGroups, t.TotalGroups),
	}
	if t.CompletedAt != nil {
		lines = append(lines, fmt.Sprintf("  Duration: %s", FormatDuration(t.CompletedAt.Sub(t.CreatedAt))))
	}
	if t.ErrorMessage != "" {
		lines = append(lines, fmt.Sprintf("  Error: %s", t.ErrorMessage))
	}
	return lines
}

// generateProgressBar generates a visual progress bar
func (d *Display) generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}
