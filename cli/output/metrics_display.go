package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jgoldverg/gbench/pkg/metrics"
	"github.com/pterm/pterm"
)

// MetricsDisplay renders a live board of benchmark counters while rounds run.
type MetricsDisplay struct {
	title     string
	collector *metrics.BenchCollector
	interval  time.Duration

	mu     sync.Mutex
	area   *pterm.AreaPrinter
	ticker *time.Ticker
	cancel context.CancelFunc
	active bool
	writer io.Writer
}

func NewMetricsDisplay(title string, collector *metrics.BenchCollector) *MetricsDisplay {
	if strings.TrimSpace(title) == "" {
		title = "Benchmark"
	}
	return &MetricsDisplay{
		title:     title,
		collector: collector,
		interval:  500 * time.Millisecond,
	}
}

// WithWriter renders into w instead of a terminal area.
func (d *MetricsDisplay) WithWriter(w io.Writer) *MetricsDisplay {
	d.writer = w
	return d
}

// Start begins rendering. No-op when collector is nil.
func (d *MetricsDisplay) Start(ctx context.Context) error {
	if d == nil || d.collector == nil {
		return nil
	}
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(d.interval)
	d.ticker = ticker
	d.cancel = cancel
	d.active = true
	useArea := d.writer == nil
	d.mu.Unlock()

	if useArea {
		area, err := pterm.DefaultArea.WithRemoveWhenDone(true).Start()
		if err != nil {
			d.cleanup()
			return err
		}
		d.mu.Lock()
		d.area = area
		d.mu.Unlock()
	}

	go d.loop(ctx, ticker)
	return nil
}

func (d *MetricsDisplay) loop(ctx context.Context, ticker *time.Ticker) {
	d.render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.render()
		}
	}
}

// Stop removes the live board.
func (d *MetricsDisplay) Stop() {
	if d == nil {
		return
	}
	d.cleanup()
}

func (d *MetricsDisplay) cleanup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return false
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	if d.area != nil {
		_ = d.area.Stop()
	}
	d.area = nil
	d.ticker = nil
	d.cancel = nil
	d.active = false
	return true
}

func (d *MetricsDisplay) render() {
	content := d.renderContent(d.collector.Snapshot())

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}
	switch {
	case d.writer != nil:
		_, _ = fmt.Fprintf(d.writer, "%s\r", content)
	case d.area != nil:
		d.area.Update(content)
	}
}

func (d *MetricsDisplay) renderContent(snap metrics.BenchSnapshot) string {
	header := pterm.DefaultHeader.
		WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
		WithTextStyle(pterm.NewStyle(pterm.FgLightWhite, pterm.Bold)).
		WithFullWidth().
		Sprint(d.title)
	return fmt.Sprintf("%s\n%s\nElapsed: %s    Rounds: %d", header, SnapshotTable(snap), formatDuration(snap.Elapsed), snap.Rounds)
}

// SnapshotTable renders the cumulative counters of a collector snapshot.
func SnapshotTable(snap metrics.BenchSnapshot) string {
	data := pterm.TableData{
		{"Metric", "TCP", "UDP"},
		{"Completed", fmt.Sprint(snap.TCPCompleted), fmt.Sprint(snap.UDPCompleted)},
		{"Failed", fmt.Sprint(snap.TCPFailed), fmt.Sprint(snap.UDPFailed)},
		{"Bytes Received", formatBytes(snap.TCPBytes), formatBytes(snap.UDPBytes)},
		{"Last Bit Rate", formatBitRate(snap.LastTCPRateBps), formatBitRate(snap.LastUDPRateBps)},
		{"Segment Delivery", "--", formatSegments(snap.SegmentsReceived, snap.SegmentsExpected, snap.DeliveryRatio)},
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}

func formatSegments(received, expected uint64, ratio float64) string {
	if expected == 0 {
		return "--"
	}
	return fmt.Sprintf("%d/%d (%s)", received, expected, formatPercent(ratio*100))
}

func formatBitRate(bps float64) string {
	switch {
	case bps <= 0:
		return "--"
	case bps >= 1e9:
		return fmt.Sprintf("%.2f Gb/s", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mb/s", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.2f Kb/s", bps/1e3)
	default:
		return fmt.Sprintf("%.0f b/s", bps)
	}
}

func formatBytes(b uint64) string {
	const kb = 1024
	const mb = kb * 1024
	const gb = mb * 1024
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	case b > 0:
		return fmt.Sprintf("%d B", b)
	default:
		return "0 B"
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Second {
		return fmt.Sprintf("%.3f ms", float64(d.Microseconds())/1000)
	}
	return d.Truncate(time.Millisecond).String()
}

func formatPercent(pct float64) string {
	if pct <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", pct)
}
