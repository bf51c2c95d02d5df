package speedserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jgoldverg/gbench/internal"
	"github.com/jgoldverg/gbench/pkg/discovery"
)

// Server is the counterpart of the benchmark client: it announces itself with
// periodic offers and serves TCP and UDP size requests.
type Server struct {
	cfg *internal.ServerConfig

	tcpLn   net.Listener
	udpConn net.PacketConn

	cancel context.CancelFunc
	wg     sync.WaitGroup

	tcpServed  atomic.Uint64
	udpServed  atomic.Uint64
	offersSent atomic.Uint64
}

type Stats struct {
	TCPServed  uint64
	UDPServed  uint64
	OffersSent uint64
}

func New(cfg *internal.ServerConfig) *Server {
	return &Server{cfg: cfg}
}

// Start binds the data sockets and launches the accept, receive and offer
// loops. It returns once the sockets are bound.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	var lc net.ListenConfig
	tcpLn, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(s.cfg.TCPPort)))
	if err != nil {
		cancel()
		return fmt.Errorf("listen tcp: %w", err)
	}
	udpConn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(s.cfg.UDPPort)))
	if err != nil {
		cancel()
		_ = tcpLn.Close()
		return fmt.Errorf("listen udp: %w", err)
	}
	if uc, ok := udpConn.(*net.UDPConn); ok {
		_ = uc.SetReadBuffer(s.cfg.UDPReadBufferSize)
		if s.cfg.UDPWriteBufferSize > 0 {
			_ = uc.SetWriteBuffer(s.cfg.UDPWriteBufferSize)
		}
	}
	s.tcpLn = tcpLn
	s.udpConn = udpConn

	internal.Info("speed server listening", internal.Fields{
		internal.FieldServer:                s.cfg.ServerId,
		internal.FieldTCPPort:               s.TCPPort(),
		internal.FieldUDPPort:               s.UDPPort(),
		internal.FieldKey("payload_size"):   s.cfg.PayloadSize,
		internal.FieldKey("offer_interval"): s.cfg.OfferInterval().String(),
	})

	s.goLoop(func() { s.acceptTCP(ctx) })
	s.goLoop(func() { s.serveUDP(ctx) })
	if s.cfg.OfferIntervalMs > 0 {
		offerConn, err := (&net.ListenConfig{Control: discovery.BroadcastControl}).ListenPacket(ctx, "udp4", ":0")
		if err != nil {
			s.Close()
			return fmt.Errorf("open offer socket: %w", err)
		}
		s.goLoop(func() { s.broadcastOffers(ctx, offerConn) })
	}

	go func() {
		<-ctx.Done()
		_ = s.tcpLn.Close()
		_ = s.udpConn.Close()
	}()
	return nil
}

func (s *Server) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Server) TCPPort() uint16 {
	if s.tcpLn == nil {
		return 0
	}
	return uint16(s.tcpLn.Addr().(*net.TCPAddr).Port)
}

func (s *Server) UDPPort() uint16 {
	if s.udpConn == nil {
		return 0
	}
	return uint16(s.udpConn.LocalAddr().(*net.UDPAddr).Port)
}

// Info describes the server as a client on the same host would see it.
func (s *Server) Info() discovery.ServerInfo {
	ip := net.ParseIP(s.cfg.BindAddr)
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return discovery.ServerInfo{Addr: ip, UDPPort: s.UDPPort(), TCPPort: s.TCPPort()}
}

func (s *Server) Stats() Stats {
	return Stats{
		TCPServed:  s.tcpServed.Load(),
		UDPServed:  s.udpServed.Load(),
		OffersSent: s.offersSent.Load(),
	}
}

// Close stops all loops and waits for them. Transfers already in flight keep
// their own goroutines and end when the peer or the socket goes away.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	s.wg.Wait()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
