package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/jgoldverg/gbench/internal"
	"github.com/jgoldverg/gbench/pkg/wire"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// ServerInfo identifies the server that sent an offer. Addr is the datagram's
// source address.
type ServerInfo struct {
	Addr    net.IP
	UDPPort uint16
	TCPPort uint16
}

func (s ServerInfo) String() string {
	return fmt.Sprintf("%s (udp %d, tcp %d)", s.Addr, s.UDPPort, s.TCPPort)
}

type Options struct {
	Port     int
	BindAddr string
	// RequireUnprivilegedPorts drops offers that advertise ports below 1024.
	RequireUnprivilegedPorts bool
}

func OptionsFromConfig(cfg *internal.ClientConfig) Options {
	return Options{
		Port:                     cfg.DiscoveryPort,
		RequireUnprivilegedPorts: cfg.RequireUnprivilegedPorts,
	}
}

type Listener struct {
	opts Options
}

func NewListener(opts Options) *Listener {
	if opts.BindAddr == "" {
		opts.BindAddr = "0.0.0.0"
	}
	return &Listener{opts: opts}
}

// WaitForOffer blocks until a valid offer arrives or timeout elapses. A
// timeout is not an error: it returns nil, nil and the caller may try again.
// Datagrams that are not offers are skipped.
func (l *Listener) WaitForOffer(ctx context.Context, timeout time.Duration) (*ServerInfo, error) {
	addr := net.JoinHostPort(l.opts.BindAddr, strconv.Itoa(l.opts.Port))
	lc := net.ListenConfig{Control: BroadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		internal.Error("discovery socket bind failed", internal.Fields{
			internal.FieldPort:  l.opts.Port,
			internal.FieldError: err.Error(),
		})
		return nil, fmt.Errorf("bind discovery socket %s: %w", addr, err)
	}
	defer pc.Close()

	p := ipv4.NewPacketConn(pc)
	if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		internal.Debug("discovery control messages unavailable", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}

	if err := p.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set discovery deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = p.SetReadDeadline(time.Now())
	})
	defer stop()

	internal.Info("listening for offers", internal.Fields{
		internal.FieldPort: l.opts.Port,
	})

	buf := make([]byte, 2048)
	for {
		n, cm, src, err := p.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				internal.Warn("no offer received before timeout", internal.Fields{
					internal.FieldPort:    l.opts.Port,
					internal.FieldElapsed: timeout.String(),
				})
				return nil, nil
			}
			internal.Error("discovery receive failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
			return nil, fmt.Errorf("receive offer: %w", err)
		}

		offer, err := wire.DecodeOffer(buf[:n])
		if err != nil {
			internal.Trace("discarding datagram", internal.Fields{
				internal.FieldServer: src.String(),
				internal.FieldBytes:  n,
			})
			continue
		}
		if l.opts.RequireUnprivilegedPorts && (offer.UDPPort < 1024 || offer.TCPPort < 1024) {
			internal.Warn("offer advertises privileged ports", internal.Fields{
				internal.FieldServer:  src.String(),
				internal.FieldUDPPort: offer.UDPPort,
				internal.FieldTCPPort: offer.TCPPort,
			})
			continue
		}
		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		info := &ServerInfo{Addr: udpSrc.IP, UDPPort: offer.UDPPort, TCPPort: offer.TCPPort}
		fields := internal.Fields{
			internal.FieldServer:  info.Addr.String(),
			internal.FieldUDPPort: info.UDPPort,
			internal.FieldTCPPort: info.TCPPort,
		}
		if cm != nil {
			fields[internal.FieldInterface] = cm.IfIndex
		}
		internal.Info("offer received", fields)
		return info, nil
	}
}

// BroadcastControl enables broadcast and address reuse on a datagram socket
// before it is bound.
func BroadcastControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
