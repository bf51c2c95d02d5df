package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jgoldverg/gbench/internal"
	"github.com/jgoldverg/gbench/pkg/wire"
	"github.com/willf/bitset"
)

// RunUDP sends one request datagram and counts payload segments until the
// announced total has arrived or the socket stays silent for the idle timeout.
func RunUDP(ctx context.Context, addr net.IP, port uint16, size uint64, index int, opts Options) (Result, error) {
	opts = opts.withDefaults()
	remote := &net.UDPAddr{IP: addr, Port: int(port)}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return Result{}, fmt.Errorf("udp transfer #%d: open socket: %w", index, err)
	}
	defer pc.Close()
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()

	start := time.Now()
	if _, err := pc.WriteTo(wire.EncodeUDPRequest(size), remote); err != nil {
		return Result{}, fmt.Errorf("udp transfer #%d: send request to %s: %w", index, remote, err)
	}

	var tracker *segmentTracker
	buf := make([]byte, opts.UDPBufferSize)
	var total uint64
	var received uint64
	for {
		_ = pc.SetReadDeadline(time.Now().Add(opts.UDPIdleTimeout))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			var ne net.Error
			if !(errors.As(err, &ne) && ne.Timeout()) {
				internal.Warn("udp transfer receive failed", internal.Fields{
					internal.FieldIndex: index,
					internal.FieldError: err.Error(),
				})
			}
			break
		}
		hdr, err := wire.DecodePayloadHeader(buf[:n])
		if err != nil || hdr.SegmentIndex >= hdr.TotalSegments {
			continue
		}
		// The first segment fixes the total; segments announcing another one
		// are treated as noise.
		if tracker == nil {
			total = hdr.TotalSegments
			tracker = newSegmentTracker(min(uint64(opts.MaxTrackedSegments), total))
		} else if hdr.TotalSegments != total {
			continue
		}
		if tracker.add(hdr.SegmentIndex) {
			received += uint64(n - wire.PayloadHeaderLen)
		}
		if tracker.count() >= total {
			break
		}
	}
	elapsed := time.Since(start)

	var segments uint64
	if tracker != nil {
		segments = min(tracker.count(), total)
	}
	var delivery float64
	if total > 0 {
		delivery = float64(segments) / float64(total) * 100
	}
	res := Result{
		Kind:             KindUDP,
		Index:            index,
		Elapsed:          elapsed,
		BitsPerSecond:    bitRate(size, elapsed),
		DeliveryPercent:  delivery,
		SegmentsReceived: segments,
		SegmentsTotal:    total,
		RequestedBytes:   size,
		ReceivedBytes:    received,
	}
	internal.Debug("udp transfer finished", res.logFields().With(internal.FieldKey("delivery"), delivery))
	return res, nil
}

// segmentTracker counts distinct segment indices. Indices at or past limit
// are counted every time they arrive, so the bitset never grows beyond limit
// bits.
type segmentTracker struct {
	seen      *bitset.BitSet
	limit     uint64
	untracked uint64
}

func newSegmentTracker(limit uint64) *segmentTracker {
	return &segmentTracker{seen: bitset.New(0), limit: limit}
}

func (t *segmentTracker) add(idx uint64) bool {
	if idx >= t.limit {
		t.untracked++
		return true
	}
	if t.seen.Test(uint(idx)) {
		return false
	}
	t.seen.Set(uint(idx))
	return true
}

func (t *segmentTracker) count() uint64 {
	return uint64(t.seen.Count()) + t.untracked
}
