package discovery

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jgoldverg/gbench/pkg/wire"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	_ = pc.Close()
	return port
}

// sendRepeatedly keeps sending payload to the port until the test ends so the
// listener sees it no matter when it finished binding.
func sendRepeatedly(t *testing.T, port int, payloads ...[]byte) {
	t.Helper()
	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		_ = conn.Close()
	})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			for _, p := range payloads {
				_, _ = conn.Write(p)
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func TestWaitForOfferTimeout(t *testing.T) {
	l := NewListener(Options{Port: freeUDPPort(t), BindAddr: "127.0.0.1"})

	start := time.Now()
	info, err := l.WaitForOffer(context.Background(), time.Second)
	took := time.Since(start)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if info != nil {
		t.Fatalf("expected no server, got %v", info)
	}
	if took < 900*time.Millisecond || took > 2*time.Second {
		t.Fatalf("expected ~1s wait, took %v", took)
	}
}

func TestWaitForOfferReturnsSender(t *testing.T) {
	port := freeUDPPort(t)
	sendRepeatedly(t, port, wire.EncodeOffer(wire.NewOffer(15000, 15001)))

	l := NewListener(Options{Port: port, BindAddr: "127.0.0.1"})
	info, err := l.WaitForOffer(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForOffer: %v", err)
	}
	if info == nil {
		t.Fatal("expected an offer")
	}
	if !info.Addr.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("unexpected source %v", info.Addr)
	}
	if info.UDPPort != 15000 || info.TCPPort != 15001 {
		t.Fatalf("unexpected ports %+v", info)
	}
}

func TestWaitForOfferSkipsMalformed(t *testing.T) {
	port := freeUDPPort(t)
	bad := wire.EncodeOffer(wire.NewOffer(1, 2))
	bad[4] = wire.TypeRequest
	sendRepeatedly(t, port, []byte{0xab, 0xcd}, bad)

	l := NewListener(Options{Port: port, BindAddr: "127.0.0.1"})
	info, err := l.WaitForOffer(context.Background(), 500*time.Millisecond)
	if err != nil || info != nil {
		t.Fatalf("expected nil, nil after malformed datagrams, got %v, %v", info, err)
	}
}

func TestWaitForOfferPrivilegedPortCheck(t *testing.T) {
	port := freeUDPPort(t)
	sendRepeatedly(t, port, wire.EncodeOffer(wire.NewOffer(80, 15001)))

	l := NewListener(Options{Port: port, BindAddr: "127.0.0.1", RequireUnprivilegedPorts: true})
	info, err := l.WaitForOffer(context.Background(), 500*time.Millisecond)
	if err != nil || info != nil {
		t.Fatalf("expected privileged offer to be dropped, got %v, %v", info, err)
	}
}

func TestWaitForOfferCancelled(t *testing.T) {
	l := NewListener(Options{Port: freeUDPPort(t), BindAddr: "127.0.0.1"})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := l.WaitForOffer(ctx, 5*time.Second)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancellation not honoured, took %v", time.Since(start))
	}
}
