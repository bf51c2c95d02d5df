package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jgoldverg/gbench/cli/output"
	"github.com/jgoldverg/gbench/internal"
	"github.com/jgoldverg/gbench/pkg/bench"
	"github.com/jgoldverg/gbench/pkg/discovery"
	"github.com/jgoldverg/gbench/pkg/metrics"
	"github.com/jgoldverg/gbench/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type BenchCommandOpts struct {
	Size          string
	TCPCount      int
	UDPCount      int
	Once          bool
	PlanFile      string
	MaxParallel   int
	MetricsListen string
	Live          bool
}

type namedPlan struct {
	Name string
	Plan bench.Plan
}

// promptFunc asks the user for one value.
type promptFunc func(label string) (string, error)

func ptermPrompt(label string) (string, error) {
	return pterm.DefaultInteractiveTextInput.Show(label)
}

func BenchCommand() *cobra.Command {
	opts := &BenchCommandOpts{TCPCount: -1, UDPCount: -1}

	cmd := &cobra.Command{
		Use:     "bench",
		Aliases: []string{"b", "run"},
		Short:   "Discover a speed server and run TCP/UDP transfers against it",
		Long: `bench waits for a speed server offer, runs every requested transfer concurrently
and prints one result per transfer. Unless --once is given it then returns to discovery.
Missing --size/--tcp/--udp values are asked for interactively before each round.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := GetClientConfig(cmd)
			if cfg == nil {
				return fmt.Errorf("client config unavailable")
			}
			return runBench(ctx, cmd, cfg, opts, ptermPrompt)
		},
	}

	cmd.Flags().StringVar(&opts.Size, "size", "", "Bytes to request per transfer (accepts K/M/G, KiB/MiB/GiB suffixes)")
	cmd.Flags().IntVar(&opts.TCPCount, "tcp", -1, "Number of concurrent TCP transfers")
	cmd.Flags().IntVar(&opts.UDPCount, "udp", -1, "Number of concurrent UDP transfers")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "Run a single discovery and round set, then exit")
	cmd.Flags().StringVar(&opts.PlanFile, "plan", "", "YAML/JSON file describing benchmark rounds")
	cmd.Flags().IntVar(&opts.MaxParallel, "max-parallel", 0, "Cap on transfers running at once (0 = all at once)")
	cmd.Flags().StringVar(&opts.MetricsListen, "metrics-listen", "", "Serve prometheus metrics on this address (e.g. :9100)")
	cmd.Flags().BoolVar(&opts.Live, "live", false, "Show a live counter board while transfers run")
	return cmd
}

func runBench(ctx context.Context, cmd *cobra.Command, cfg *internal.ClientConfig, opts *BenchCommandOpts, prompt promptFunc) error {
	var fixed []namedPlan
	maxParallel := opts.MaxParallel
	if strings.TrimSpace(opts.PlanFile) != "" {
		doc, err := loadBenchPlanDocument(opts.PlanFile)
		if err != nil {
			return err
		}
		fixed = doc.plans()
		if doc.MaxParallel != nil && !cmd.Flags().Changed("max-parallel") {
			maxParallel = *doc.MaxParallel
		}
	}

	collector := metrics.NewBenchCollector("")
	listen := opts.MetricsListen
	if listen == "" {
		listen = cfg.MetricsListen
	}
	if listen != "" {
		shutdown, err := serveMetrics(listen, collector)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	printer := output.NewPrinter()
	listener := discovery.NewListener(discovery.OptionsFromConfig(cfg))
	runner := bench.NewRunner(transfer.OptionsFromConfig(cfg), collector).WithMaxParallel(maxParallel)

	for {
		rounds := fixed
		if rounds == nil {
			plan, err := resolvePlan(opts, prompt)
			if err != nil {
				return err
			}
			rounds = []namedPlan{{Name: "round", Plan: plan}}
		}

		printer.Info("listening for server offers", map[string]any{
			"port":    cfg.DiscoveryPort,
			"timeout": cfg.DiscoveryTimeout().String(),
		})
		info, err := listener.WaitForOffer(ctx, cfg.DiscoveryTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if info == nil {
			if opts.Once {
				return errors.New("no server offer received before the discovery timeout")
			}
			continue
		}
		printer.Success("received offer", map[string]any{
			"server":   info.Addr.String(),
			"tcp_port": info.TCPPort,
			"udp_port": info.UDPPort,
		})

		for _, round := range rounds {
			if err := runRound(ctx, runner, collector, *info, round, opts.Live); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		output.PrintSummary(collector.Snapshot())

		if opts.Once {
			return nil
		}
	}
}

func runRound(ctx context.Context, runner *bench.Runner, collector *metrics.BenchCollector, info discovery.ServerInfo, round namedPlan, live bool) error {
	var display *output.MetricsDisplay
	if live {
		display = output.NewMetricsDisplay("gbench "+round.Name, collector)
		if err := display.Start(ctx); err != nil {
			internal.Warn("live display unavailable", internal.Fields{internal.FieldError: err.Error()})
			display = nil
		}
	}
	results, err := runner.Run(ctx, info, round.Plan)
	display.Stop()

	title := fmt.Sprintf("%s: %s x %d TCP / %d UDP", round.Name, strconv.FormatUint(round.Plan.SizeBytes, 10), round.Plan.TCPCount, round.Plan.UDPCount)
	if perr := output.PrintResults(title, results); perr != nil {
		return perr
	}
	return err
}

// resolvePlan fills the round from flags, prompting for anything not given.
func resolvePlan(opts *BenchCommandOpts, prompt promptFunc) (bench.Plan, error) {
	var plan bench.Plan

	rawSize := strings.TrimSpace(opts.Size)
	if rawSize == "" {
		v, err := prompt("File size in bytes")
		if err != nil {
			return plan, err
		}
		rawSize = v
	}
	size, err := parseSize(rawSize)
	if err != nil {
		return plan, err
	}
	plan.SizeBytes = size

	if plan.TCPCount, err = countOrPrompt(opts.TCPCount, "Number of TCP connections", prompt); err != nil {
		return plan, err
	}
	if plan.UDPCount, err = countOrPrompt(opts.UDPCount, "Number of UDP connections", prompt); err != nil {
		return plan, err
	}
	return plan, plan.Validate()
}

func countOrPrompt(value int, label string, prompt promptFunc) (int, error) {
	if value >= 0 {
		return value, nil
	}
	raw, err := prompt(label)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: %q is not a non-negative integer", strings.ToLower(label), raw)
	}
	return n, nil
}

var sizeUnits = []struct {
	suffix string
	mult   uint64
}{
	{"kib", 1 << 10},
	{"mib", 1 << 20},
	{"gib", 1 << 30},
	{"kb", 1_000},
	{"mb", 1_000_000},
	{"gb", 1_000_000_000},
	{"k", 1 << 10},
	{"m", 1 << 20},
	{"g", 1 << 30},
	{"b", 1},
}

// parseSize reads a byte count with an optional unit suffix.
func parseSize(raw string) (uint64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, errors.New("size is empty")
	}
	mult := uint64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if n > 0 && mult > ^uint64(0)/n {
		return 0, fmt.Errorf("size %q overflows", raw)
	}
	return n * mult, nil
}

func serveMetrics(addr string, collector *metrics.BenchCollector) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("metrics server stopped", internal.Fields{internal.FieldError: err.Error()})
		}
	}()
	internal.Info("serving metrics", internal.Fields{internal.FieldServer: ln.Addr().String()})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
