package speedserver

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/jgoldverg/gbench/internal"
	"github.com/jgoldverg/gbench/pkg/wire"
)

func (s *Server) acceptTCP(ctx context.Context) {
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				return
			}
			internal.Warn("tcp accept failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
			continue
		}
		go s.handleTCP(conn)
	}
}

func (s *Server) handleTCP(conn net.Conn) {
	defer conn.Close()
	fields := internal.Fields{internal.FieldServer: conn.RemoteAddr().String()}

	if s.cfg.RequestReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.RequestReadTimeout) * time.Millisecond))
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		internal.Debug("tcp request not received", fields.With(internal.FieldError, err.Error()))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	size, err := wire.ParseTCPRequest(line)
	if err != nil {
		internal.Debug("tcp request rejected", fields.With(internal.FieldError, err.Error()))
		return
	}
	if s.cfg.MaxRequestBytes > 0 && size > s.cfg.MaxRequestBytes {
		internal.Warn("tcp request above limit", fields.With(internal.FieldBytes, size))
		return
	}

	chunk := make([]byte, max(s.cfg.TCPWriteChunk, 1))
	var sent uint64
	for sent < size {
		n := uint64(len(chunk))
		if rem := size - sent; rem < n {
			n = rem
		}
		if _, err := conn.Write(chunk[:n]); err != nil {
			internal.Debug("tcp stream aborted", fields.With(internal.FieldBytes, sent).With(internal.FieldError, err.Error()))
			return
		}
		sent += n
	}
	s.tcpServed.Add(1)
	internal.Debug("tcp request served", fields.With(internal.FieldBytes, sent))
}

func (s *Server) serveUDP(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		n, from, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				return
			}
			internal.Warn("udp receive failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
			continue
		}
		size, err := wire.DecodeUDPRequest(buf[:n])
		if err != nil {
			continue
		}
		if s.cfg.MaxRequestBytes > 0 && size > s.cfg.MaxRequestBytes {
			internal.Warn("udp request above limit", internal.Fields{
				internal.FieldServer: from.String(),
				internal.FieldBytes:  size,
			})
			continue
		}
		go s.sendSegments(from, size)
	}
}

// SegmentCount is the number of payload datagrams needed for size bytes.
func SegmentCount(size uint64, payloadSize int) uint64 {
	p := uint64(payloadSize)
	n := size / p
	if size%p != 0 {
		n++
	}
	return n
}

func (s *Server) sendSegments(to net.Addr, size uint64) {
	payloadSize := s.cfg.PayloadSize
	total := SegmentCount(size, payloadSize)
	data := make([]byte, payloadSize)
	pkt := make([]byte, wire.PayloadHeaderLen+payloadSize)

	remaining := size
	for idx := uint64(0); idx < total; idx++ {
		chunk := uint64(payloadSize)
		if remaining < chunk {
			chunk = remaining
		}
		n, err := wire.EncodePayload(pkt, wire.PayloadHeader{TotalSegments: total, SegmentIndex: idx}, data[:chunk])
		if err != nil {
			return
		}
		if _, err := s.udpConn.WriteTo(pkt[:n], to); err != nil {
			internal.Debug("udp stream aborted", internal.Fields{
				internal.FieldServer: to.String(),
				internal.FieldIndex:  idx,
				internal.FieldError:  err.Error(),
			})
			return
		}
		remaining -= chunk
	}
	s.udpServed.Add(1)
	internal.Debug("udp request served", internal.Fields{
		internal.FieldServer:          to.String(),
		internal.FieldKey("segments"): total,
	})
}

func (s *Server) broadcastOffers(ctx context.Context, pc net.PacketConn) {
	defer pc.Close()
	target := &net.UDPAddr{IP: net.ParseIP(s.cfg.BroadcastAddr), Port: s.cfg.DiscoveryPort}
	offer := wire.EncodeOffer(wire.NewOffer(s.UDPPort(), s.TCPPort()))

	ticker := time.NewTicker(s.cfg.OfferInterval())
	defer ticker.Stop()
	for {
		if _, err := pc.WriteTo(offer, target); err != nil {
			internal.Warn("offer broadcast failed", internal.Fields{
				internal.FieldServer: target.String(),
				internal.FieldError:  err.Error(),
			})
		} else {
			s.offersSent.Add(1)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
