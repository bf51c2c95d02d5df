package bench

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/jgoldverg/gbench/internal"
	"github.com/jgoldverg/gbench/pkg/discovery"
	"github.com/jgoldverg/gbench/pkg/metrics"
	"github.com/jgoldverg/gbench/pkg/pool"
	"github.com/jgoldverg/gbench/pkg/transfer"
)

// Plan describes one benchmark round.
type Plan struct {
	SizeBytes uint64
	TCPCount  int
	UDPCount  int
}

func (p Plan) Validate() error {
	if p.TCPCount < 0 || p.UDPCount < 0 {
		return fmt.Errorf("connection counts must not be negative (tcp=%d, udp=%d)", p.TCPCount, p.UDPCount)
	}
	return nil
}

func (p Plan) Total() int {
	return p.TCPCount + p.UDPCount
}

type workerFunc func(ctx context.Context, addr net.IP, port uint16, size uint64, index int, opts transfer.Options) (transfer.Result, error)

type job struct {
	kind  transfer.Kind
	index int
}

type Runner struct {
	opts        transfer.Options
	collector   *metrics.BenchCollector
	maxParallel int

	runTCP workerFunc
	runUDP workerFunc
}

func NewRunner(opts transfer.Options, collector *metrics.BenchCollector) *Runner {
	return &Runner{
		opts:      opts,
		collector: collector,
		runTCP:    transfer.RunTCP,
		runUDP:    transfer.RunUDP,
	}
}

// WithMaxParallel caps how many transfers run at once. Zero or less means one
// goroutine per transfer.
func (r *Runner) WithMaxParallel(n int) *Runner {
	r.maxParallel = n
	return r
}

// Run starts every transfer in plan against info and waits for all of them.
// Results come back in completion order. A failed transfer is logged and
// leaves no result; it never affects the others. If ctx is cancelled Run
// returns what it has so far together with ctx.Err() and leaves the remaining
// workers to finish on their own.
func (r *Runner) Run(ctx context.Context, info discovery.ServerInfo, plan Plan) ([]transfer.Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	total := plan.Total()
	if total == 0 {
		return nil, nil
	}

	runID := uuid.New()
	logFields := internal.Fields{
		internal.FieldRunID:  runID.String(),
		internal.FieldServer: info.String(),
	}
	internal.Info("benchmark round starting", logFields.With(internal.FieldKey("tcp"), plan.TCPCount).
		With(internal.FieldKey("udp"), plan.UDPCount).
		With(internal.FieldBytes, plan.SizeBytes))
	if r.collector != nil {
		r.collector.ObserveRound()
	}

	workers := total
	if r.maxParallel > 0 && r.maxParallel < total {
		workers = r.maxParallel
	}
	wp := pool.NewWorkerPool[job](workers, total)
	internal.Debug("worker pool ready", logFields.With(internal.FieldKey("workers"), wp.Size()))
	for i := 1; i <= plan.TCPCount; i++ {
		wp.Ingress() <- job{kind: transfer.KindTCP, index: i}
	}
	for i := 1; i <= plan.UDPCount; i++ {
		wp.Ingress() <- job{kind: transfer.KindUDP, index: i}
	}
	wp.CloseIngress()

	results := make(chan transfer.Result, total)
	done := make(chan struct{})
	go func() {
		defer close(done)
		wp.Run(ctx, func(ctx context.Context, j job) {
			res, err := r.runJob(ctx, info, plan.SizeBytes, j)
			if err != nil && ctx.Err() != nil {
				return
			}
			if err != nil {
				internal.Error("transfer failed", logFields.With(internal.FieldKind, string(j.kind)).
					With(internal.FieldIndex, j.index).
					With(internal.FieldError, err.Error()))
				if r.collector != nil {
					r.collector.ObserveFailure(string(j.kind))
				}
				return
			}
			r.observe(res)
			results <- res
		})
	}()

	out := make([]transfer.Result, 0, total)
	for {
		select {
		case res := <-results:
			out = append(out, res)
		case <-done:
			for {
				select {
				case res := <-results:
					out = append(out, res)
				default:
					internal.Info("benchmark round finished", logFields.With(internal.FieldKey("results"), len(out)))
					return out, nil
				}
			}
		case <-ctx.Done():
			internal.Warn("benchmark round abandoned", logFields.With(internal.FieldKey("results"), len(out)))
			return out, ctx.Err()
		}
	}
}

func (r *Runner) runJob(ctx context.Context, info discovery.ServerInfo, size uint64, j job) (transfer.Result, error) {
	switch j.kind {
	case transfer.KindTCP:
		return r.runTCP(ctx, info.Addr, info.TCPPort, size, j.index, r.opts)
	case transfer.KindUDP:
		return r.runUDP(ctx, info.Addr, info.UDPPort, size, j.index, r.opts)
	default:
		return transfer.Result{}, errors.New("unknown transfer kind " + string(j.kind))
	}
}

func (r *Runner) observe(res transfer.Result) {
	if r.collector == nil {
		return
	}
	r.collector.ObserveTransfer(string(res.Kind), res.ReceivedBytes, res.BitsPerSecond)
	if res.Kind == transfer.KindUDP {
		r.collector.ObserveSegments(res.SegmentsReceived, res.SegmentsTotal)
	}
}
