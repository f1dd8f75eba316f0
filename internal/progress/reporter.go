package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalBytes is the declared size of the archive being fetched.
	// Zero or negative means unknown.
	TotalBytes int64

	// Label identifies what is being installed (for display).
	Label string

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer
}

// Reporter renders human-readable install progress on a terminal.
// Update may be called as often as the pipeline emits progress events;
// the reporter prints one line per call, so callers are expected to
// throttle their event cadence.
type Reporter struct {
	opts Options

	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	started    bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	return &Reporter{opts: opts}
}

// Update renders the current pipeline counters.
func (r *Reporter) Update(bytesFetched, bytesWritten int64, entriesDone int) {
	now := time.Now()
	if !r.started {
		r.started = true
		r.startTime = now
		r.lastUpdate = now
		fmt.Fprintf(r.opts.Output, "[bandit] Installing: %s (%s)\n",
			r.opts.Label, totalOrUnknown(r.opts.TotalBytes))
	}

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.05 {
		elapsed = 0.05
	}
	speed := float64(bytesFetched-r.lastBytes) / elapsed
	r.lastUpdate = now
	r.lastBytes = bytesFetched

	var percent string
	if r.opts.TotalBytes > 0 {
		percent = fmt.Sprintf("%.1f%%", float64(bytesFetched)/float64(r.opts.TotalBytes)*100)
	} else {
		percent = "?%"
	}

	fmt.Fprintf(r.opts.Output, "\r[bandit] %s | fetched %s | written %s | %d files | %s/s    ",
		percent,
		FormatBytes(bytesFetched),
		FormatBytes(bytesWritten),
		entriesDone,
		FormatBytes(int64(speed)),
	)
}

// Finish renders the final line for a terminal state.
func (r *Reporter) Finish(state string, bytesWritten int64, entriesDone int) {
	if r.started {
		fmt.Fprintln(r.opts.Output)
	} else {
		r.startTime = time.Now()
	}
	duration := time.Since(r.startTime)
	switch state {
	case "completed":
		fmt.Fprintf(r.opts.Output, "[bandit] Done: %s extracted (%d files) in %s\n",
			FormatBytes(bytesWritten), entriesDone, formatDuration(duration))
	default:
		fmt.Fprintf(r.opts.Output, "[bandit] %s after %s (%s written)\n",
			strings.ToUpper(state[:1])+state[1:], formatDuration(duration), FormatBytes(bytesWritten))
	}
}

func totalOrUnknown(b int64) string {
	if b <= 0 {
		return "size unknown"
	}
	return FormatBytes(b)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats a byte count using binary units.
func FormatBytes(b int64) string {
	const (
		KiB = 1024
		MiB = KiB * 1024
		GiB = MiB * 1024
		TiB = GiB * 1024
	)

	format := func(v float64, unit string) string {
		if v < 10 {
			return fmt.Sprintf("%.1f %s", v, unit)
		}
		return fmt.Sprintf("%.0f %s", v, unit)
	}

	switch {
	case b >= TiB:
		return format(float64(b)/TiB, "TiB")
	case b >= GiB:
		return format(float64(b)/GiB, "GiB")
	case b >= MiB:
		return format(float64(b)/MiB, "MiB")
	case b >= KiB:
		return format(float64(b)/KiB, "KiB")
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// ParseBytes parses a human-readable byte string such as "128KiB" or "1.5GB".
// Binary suffixes (KiB, MiB, ...) are 1024-based, SI suffixes (KB, MB, ...)
// are 1000-based.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)

	var multiplier int64 = 1
	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"TiB", 1 << 40},
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
		{"TB", 1e12},
		{"GB", 1e9},
		{"MB", 1e6},
		{"KB", 1e3},
		{"B", 1},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.suffix) {
			multiplier = sf.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, sf.suffix))
			break
		}
	}

	var value float64
	if _, err := fmt.Sscanf(s, "%f", &value); err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", s)
	}

	return int64(value * float64(multiplier)), nil
}
