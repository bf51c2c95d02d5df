package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/jgoldverg/gbench/internal"
	"github.com/jgoldverg/gbench/pkg/wire"
	"github.com/mxk/go-flowrate/flowrate"
)

// RunTCP opens a fresh connection, asks for size bytes and drains the stream
// until size bytes arrived or the peer closed. Socket errors abort the
// transfer and no result is produced.
func RunTCP(ctx context.Context, addr net.IP, port uint16, size uint64, index int, opts Options) (Result, error) {
	opts = opts.withDefaults()
	target := net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))

	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return Result{}, fmt.Errorf("tcp transfer #%d: dial %s: %w", index, target, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	start := time.Now()
	if _, err := conn.Write(wire.EncodeTCPRequest(size)); err != nil {
		return Result{}, fmt.Errorf("tcp transfer #%d: send request: %w", index, err)
	}

	rd := flowrate.NewReader(conn, opts.TCPRateLimit)
	defer rd.Done()

	buf := make([]byte, opts.TCPChunkSize)
	var received uint64
	for received < size {
		if opts.TCPIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(opts.TCPIdleTimeout))
		}
		n, err := rd.Read(buf)
		received += uint64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, fmt.Errorf("tcp transfer #%d: read after %d bytes: %w", index, received, err)
		}
	}
	elapsed := time.Since(start)

	res := Result{
		Kind:           KindTCP,
		Index:          index,
		Elapsed:        elapsed,
		BitsPerSecond:  bitRate(size, elapsed),
		RequestedBytes: size,
		ReceivedBytes:  received,
	}

	status := rd.Status()
	fields := res.logFields()
	fields[internal.FieldServer] = target
	fields[internal.FieldKey("avg_rate_Bps")] = status.AvgRate
	fields[internal.FieldKey("peak_rate_Bps")] = status.PeakRate
	if received < size {
		internal.Debug("tcp transfer closed early by peer", fields)
	} else {
		internal.Debug("tcp transfer finished", fields)
	}
	return res, nil
}
