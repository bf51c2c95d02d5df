package output

import (
	"fmt"
	"sort"

	"github.com/jgoldverg/gbench/pkg/metrics"
	"github.com/jgoldverg/gbench/pkg/transfer"
	"github.com/pterm/pterm"
)

// SortResults orders results TCP first, then by index. The slice is sorted in place.
func SortResults(results []transfer.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Kind != results[j].Kind {
			return results[i].Kind == transfer.KindTCP
		}
		return results[i].Index < results[j].Index
	})
}

// ResultsTable renders one row per transfer.
func ResultsTable(results []transfer.Result) (string, error) {
	data := pterm.TableData{
		{"Transfer", "Elapsed", "Bit Rate", "Received", "Delivery", "Lost"},
	}
	for _, r := range results {
		delivery, lost := "--", "--"
		if r.Kind == transfer.KindUDP {
			delivery = formatPercent(r.DeliveryPercent)
			if n, ok := r.LostSegments(); ok {
				lost = fmt.Sprint(n)
			}
		}
		data = append(data, []string{
			r.Label(),
			formatDuration(r.Elapsed),
			formatBitRate(r.BitsPerSecond),
			formatBytes(r.ReceivedBytes),
			delivery,
			lost,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

// PrintResults writes the per-transfer table for one round, followed by one
// line per transfer in the classic speedtest wording.
func PrintResults(title string, results []transfer.Result) error {
	SortResults(results)
	pterm.DefaultSection.Println(title)
	if len(results) == 0 {
		pterm.Warning.Println("no transfer produced a result")
		return nil
	}
	table, err := ResultsTable(results)
	if err != nil {
		return err
	}
	pterm.Println(table)
	for _, r := range results {
		pterm.Println(ResultLine(r))
	}
	return nil
}

// ResultLine is the one-line report for a single transfer.
func ResultLine(r transfer.Result) string {
	line := fmt.Sprintf("%s finished, total time: %.6f seconds, total speed: %.2f bits/second",
		r.Label(), r.ElapsedSeconds(), r.BitsPerSecond)
	if r.Kind == transfer.KindUDP {
		line += fmt.Sprintf(", percentage of packets received successfully: %.2f%%", r.DeliveryPercent)
	}
	return line
}

// PrintSummary writes the cumulative counters gathered so far.
func PrintSummary(snap metrics.BenchSnapshot) {
	pterm.DefaultSection.WithLevel(2).Println("Summary")
	pterm.Println(SnapshotTable(snap))
	pterm.Printfln("Rounds: %d    Elapsed: %s", snap.Rounds, formatDuration(snap.Elapsed))
}
