package transfer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jgoldverg/gbench/internal"
)

type Kind string

const (
	KindTCP Kind = "tcp"
	KindUDP Kind = "udp"
)

// minElapsedSeconds keeps near-instant transfers from dividing by zero.
const minElapsedSeconds = 1e-9

// Result is produced once by a worker and never modified afterwards.
type Result struct {
	Kind          Kind
	Index         int
	Elapsed       time.Duration
	BitsPerSecond float64

	// UDP only.
	DeliveryPercent  float64
	SegmentsReceived uint64
	SegmentsTotal    uint64

	RequestedBytes uint64
	ReceivedBytes  uint64
}

func (r Result) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

// LostSegments is only meaningful for UDP results that saw a segment total.
func (r Result) LostSegments() (uint64, bool) {
	if r.Kind != KindUDP || r.SegmentsTotal == 0 {
		return 0, false
	}
	if r.SegmentsReceived >= r.SegmentsTotal {
		return 0, true
	}
	return r.SegmentsTotal - r.SegmentsReceived, true
}

func (r Result) Label() string {
	return fmt.Sprintf("%s transfer #%d", strings.ToUpper(string(r.Kind)), r.Index)
}

func (r Result) logFields() internal.Fields {
	return internal.Fields{
		internal.FieldKind:    string(r.Kind),
		internal.FieldIndex:   r.Index,
		internal.FieldBytes:   r.ReceivedBytes,
		internal.FieldElapsed: r.Elapsed.String(),
		internal.FieldRate:    r.BitsPerSecond,
	}
}

// bitRate uses the requested size, not the bytes that actually arrived, so a
// transfer cut short by the peer reports the rate it would have had.
func bitRate(requested uint64, elapsed time.Duration) float64 {
	return float64(requested) * 8 / math.Max(elapsed.Seconds(), minElapsedSeconds)
}
