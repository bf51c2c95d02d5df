package transfer

import (
	"bufio"
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/jgoldverg/gbench/pkg/wire"
)

// startTCPPeer accepts a single connection, reads the size line and hands the
// parsed size to serve.
func startTCPPeer(t *testing.T, serve func(conn net.Conn, size uint64)) (net.IP, uint16, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		lines <- line
		size, err := wire.ParseTCPRequest(line)
		if err != nil {
			return
		}
		serve(conn, size)
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP, uint16(addr.Port), lines
}

func startUDPPeer(t *testing.T, serve func(pc net.PacketConn, from net.Addr, size uint64)) (net.IP, uint16) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 64)
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		size, err := wire.DecodeUDPRequest(buf[:n])
		if err != nil {
			return
		}
		serve(pc, from, size)
	}()
	addr := pc.LocalAddr().(*net.UDPAddr)
	return addr.IP, uint16(addr.Port)
}

func sendSegment(t *testing.T, pc net.PacketConn, to net.Addr, total, index uint64, data []byte) {
	t.Helper()
	buf := make([]byte, wire.PayloadHeaderLen+len(data))
	n, err := wire.EncodePayload(buf, wire.PayloadHeader{TotalSegments: total, SegmentIndex: index}, data)
	if err != nil {
		t.Errorf("encode segment: %v", err)
		return
	}
	if _, err := pc.WriteTo(buf[:n], to); err != nil {
		t.Errorf("send segment: %v", err)
	}
}

func TestRunTCPReceivesRequestedBytes(t *testing.T) {
	const size = 256 * 1024
	ip, port, lines := startTCPPeer(t, func(conn net.Conn, size uint64) {
		_, _ = conn.Write(make([]byte, size))
	})

	res, err := RunTCP(context.Background(), ip, port, size, 1, DefaultOptions())
	if err != nil {
		t.Fatalf("RunTCP: %v", err)
	}
	if got := <-lines; got != "262144\n" {
		t.Fatalf("unexpected request line %q", got)
	}
	if res.Kind != KindTCP || res.Index != 1 {
		t.Fatalf("unexpected identity %+v", res)
	}
	if res.ReceivedBytes != size {
		t.Fatalf("received %d bytes, want %d", res.ReceivedBytes, size)
	}
	if res.Elapsed <= 0 {
		t.Fatalf("expected positive elapsed, got %v", res.Elapsed)
	}
	want := float64(size) * 8 / res.Elapsed.Seconds()
	if math.Abs(res.BitsPerSecond-want) > want*1e-9 {
		t.Fatalf("bit rate %f, want %f", res.BitsPerSecond, want)
	}
}

func TestRunTCPPeerClosesEarly(t *testing.T) {
	const size = 10_000
	ip, port, _ := startTCPPeer(t, func(conn net.Conn, size uint64) {
		_, _ = conn.Write(make([]byte, size/2))
	})

	res, err := RunTCP(context.Background(), ip, port, size, 3, DefaultOptions())
	if err != nil {
		t.Fatalf("early close must not be an error: %v", err)
	}
	if res.ReceivedBytes != size/2 {
		t.Fatalf("received %d bytes, want %d", res.ReceivedBytes, size/2)
	}
	if res.RequestedBytes != size {
		t.Fatalf("requested %d, want %d", res.RequestedBytes, size)
	}
	// rate is still derived from the requested size
	want := float64(size) * 8 / res.Elapsed.Seconds()
	if math.Abs(res.BitsPerSecond-want) > want*1e-9 {
		t.Fatalf("bit rate %f, want %f", res.BitsPerSecond, want)
	}
}

func TestRunTCPDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	if _, err := RunTCP(context.Background(), addr.IP, uint16(addr.Port), 10, 1, DefaultOptions()); err == nil {
		t.Fatal("expected dial error against closed port")
	}
}

func TestRunTCPIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ip, port, _ := startTCPPeer(t, func(conn net.Conn, size uint64) {
		<-release
	})

	opts := DefaultOptions()
	opts.TCPIdleTimeout = 100 * time.Millisecond
	start := time.Now()
	if _, err := RunTCP(context.Background(), ip, port, 1024, 1, opts); err == nil {
		t.Fatal("expected stalled peer to fail the transfer")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("idle timeout not honoured, took %v", time.Since(start))
	}
}

func TestRunUDPPartialDeliveryWaitsForIdleTimeout(t *testing.T) {
	ip, port := startUDPPeer(t, func(pc net.PacketConn, from net.Addr, size uint64) {
		for i := uint64(0); i < 3; i++ {
			sendSegment(t, pc, from, 5, i, make([]byte, 100))
		}
	})

	start := time.Now()
	res, err := RunUDP(context.Background(), ip, port, 500, 2, DefaultOptions())
	if err != nil {
		t.Fatalf("RunUDP: %v", err)
	}
	took := time.Since(start)
	if res.DeliveryPercent != 60.0 {
		t.Fatalf("delivery %.2f, want 60", res.DeliveryPercent)
	}
	if took < time.Second {
		t.Fatalf("returned after %v, before the idle timeout", took)
	}
	if took > 3*time.Second {
		t.Fatalf("returned after %v, idle timeout too slow", took)
	}
	if lost, ok := res.LostSegments(); !ok || lost != 2 {
		t.Fatalf("lost segments %d (ok=%v), want 2", lost, ok)
	}
	if res.ReceivedBytes != 300 {
		t.Fatalf("received %d payload bytes, want 300", res.ReceivedBytes)
	}
}

func TestRunUDPCompletesOnLastSegment(t *testing.T) {
	ip, port := startUDPPeer(t, func(pc net.PacketConn, from net.Addr, size uint64) {
		for i := uint64(0); i < 4; i++ {
			sendSegment(t, pc, from, 4, i, make([]byte, 10))
		}
	})

	start := time.Now()
	res, err := RunUDP(context.Background(), ip, port, 40, 1, DefaultOptions())
	if err != nil {
		t.Fatalf("RunUDP: %v", err)
	}
	if res.DeliveryPercent != 100 {
		t.Fatalf("delivery %.2f, want 100", res.DeliveryPercent)
	}
	if time.Since(start) >= time.Second {
		t.Fatalf("expected early exit once all segments arrived, took %v", time.Since(start))
	}
}

func TestRunUDPIgnoresNoiseAndDuplicates(t *testing.T) {
	ip, port := startUDPPeer(t, func(pc net.PacketConn, from net.Addr, size uint64) {
		_, _ = pc.WriteTo([]byte("noise"), from)
		_, _ = pc.WriteTo(wire.EncodeOffer(wire.NewOffer(1, 2)), from)
		sendSegment(t, pc, from, 3, 0, nil)
		sendSegment(t, pc, from, 3, 0, nil)
		sendSegment(t, pc, from, 3, 1, nil)
	})

	opts := DefaultOptions()
	opts.UDPIdleTimeout = 300 * time.Millisecond
	res, err := RunUDP(context.Background(), ip, port, 30, 1, opts)
	if err != nil {
		t.Fatalf("RunUDP: %v", err)
	}
	if res.SegmentsReceived != 2 || res.SegmentsTotal != 3 {
		t.Fatalf("segments %d/%d, want 2/3", res.SegmentsReceived, res.SegmentsTotal)
	}
}

func TestRunUDPNoPayload(t *testing.T) {
	ip, port := startUDPPeer(t, func(pc net.PacketConn, from net.Addr, size uint64) {})

	opts := DefaultOptions()
	opts.UDPIdleTimeout = 200 * time.Millisecond
	res, err := RunUDP(context.Background(), ip, port, 1000, 1, opts)
	if err != nil {
		t.Fatalf("RunUDP: %v", err)
	}
	if res.DeliveryPercent != 0 || res.SegmentsTotal != 0 {
		t.Fatalf("expected empty delivery, got %+v", res)
	}
	if _, ok := res.LostSegments(); ok {
		t.Fatal("lost segments should be unknown without a total")
	}
}

func TestSegmentTrackerLimit(t *testing.T) {
	tr := newSegmentTracker(4)
	for _, idx := range []uint64{0, 1, 1, 3, 10, 10} {
		tr.add(idx)
	}
	if got := tr.count(); got != 5 {
		t.Fatalf("count %d, want 5", got)
	}
}

func TestRunUDPDropsIndicesPastTotal(t *testing.T) {
	ip, port := startUDPPeer(t, func(pc net.PacketConn, from net.Addr, size uint64) {
		for _, idx := range []uint64{0, 100, 200} {
			sendSegment(t, pc, from, 3, idx, make([]byte, 10))
		}
	})

	opts := DefaultOptions()
	opts.UDPIdleTimeout = 300 * time.Millisecond
	start := time.Now()
	res, err := RunUDP(context.Background(), ip, port, 30, 1, opts)
	if err != nil {
		t.Fatalf("RunUDP: %v", err)
	}
	if res.SegmentsReceived != 1 || res.SegmentsTotal != 3 {
		t.Fatalf("segments %d/%d, want 1/3", res.SegmentsReceived, res.SegmentsTotal)
	}
	if res.ReceivedBytes != 10 {
		t.Fatalf("received %d payload bytes, want 10", res.ReceivedBytes)
	}
	if time.Since(start) < opts.UDPIdleTimeout {
		t.Fatalf("transfer ended early after %v", time.Since(start))
	}
}

func TestRunUDPKeepsFirstAnnouncedTotal(t *testing.T) {
	ip, port := startUDPPeer(t, func(pc net.PacketConn, from net.Addr, size uint64) {
		for i := uint64(0); i < 4; i++ {
			sendSegment(t, pc, from, 5, i, make([]byte, 10))
		}
		sendSegment(t, pc, from, 3, 2, make([]byte, 10))
	})

	opts := DefaultOptions()
	opts.UDPIdleTimeout = 300 * time.Millisecond
	res, err := RunUDP(context.Background(), ip, port, 50, 1, opts)
	if err != nil {
		t.Fatalf("RunUDP: %v", err)
	}
	if res.SegmentsTotal != 5 || res.SegmentsReceived != 4 {
		t.Fatalf("segments %d/%d, want 4/5", res.SegmentsReceived, res.SegmentsTotal)
	}
	if res.DeliveryPercent != 80 {
		t.Fatalf("delivery %.2f, want 80", res.DeliveryPercent)
	}
}

func TestRunUDPDeliveryNeverExceedsTotalWithoutDedup(t *testing.T) {
	ip, port := startUDPPeer(t, func(pc net.PacketConn, from net.Addr, size uint64) {
		for _, idx := range []uint64{0, 0, 0, 1} {
			sendSegment(t, pc, from, 2, idx, nil)
		}
	})

	opts := DefaultOptions()
	opts.UDPIdleTimeout = 300 * time.Millisecond
	opts.MaxTrackedSegments = 0
	res, err := RunUDP(context.Background(), ip, port, 20, 1, opts)
	if err != nil {
		t.Fatalf("RunUDP: %v", err)
	}
	if res.SegmentsReceived > res.SegmentsTotal || res.DeliveryPercent > 100 {
		t.Fatalf("delivery above total: %d/%d %.2f%%", res.SegmentsReceived, res.SegmentsTotal, res.DeliveryPercent)
	}
}

func TestSegmentTrackerBitsetBoundedByLimit(t *testing.T) {
	tr := newSegmentTracker(min(uint64(1<<24), 16))
	tr.add(3)
	tr.add(1 << 20)
	if l := tr.seen.Len(); l > 16 {
		t.Fatalf("bitset grew to %d bits, limit 16", l)
	}
	if got := tr.count(); got != 2 {
		t.Fatalf("count %d, want 2", got)
	}
}
