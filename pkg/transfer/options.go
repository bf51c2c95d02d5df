package transfer

import (
	"time"

	"github.com/jgoldverg/gbench/internal"
)

type Options struct {
	DialTimeout time.Duration

	TCPChunkSize int
	// TCPIdleTimeout bounds each read on the stream. Zero leaves reads
	// unbounded, so a peer that stops sending blocks the worker.
	TCPIdleTimeout time.Duration
	// TCPRateLimit caps the receive rate in bytes per second; zero disables it.
	TCPRateLimit int64

	UDPBufferSize  int
	UDPIdleTimeout time.Duration
	// MaxTrackedSegments bounds the index range that is deduplicated.
	// Zero turns deduplication off.
	MaxTrackedSegments uint
}

func DefaultOptions() Options {
	return OptionsFromConfig(internal.DefaultClientConfig())
}

func OptionsFromConfig(cfg *internal.ClientConfig) Options {
	return Options{
		DialTimeout:        cfg.DialTimeout(),
		TCPChunkSize:       cfg.TCPChunkSize,
		TCPIdleTimeout:     cfg.TCPIdleTimeout(),
		TCPRateLimit:       cfg.TCPRateLimit,
		UDPBufferSize:      cfg.UDPBufferSize,
		UDPIdleTimeout:     cfg.UDPIdleTimeout(),
		MaxTrackedSegments: cfg.MaxTrackedSegments,
	}
}

func (o Options) withDefaults() Options {
	if o.TCPChunkSize <= 0 {
		o.TCPChunkSize = 1024
	}
	if o.UDPBufferSize <= 0 {
		o.UDPBufferSize = 4096
	}
	if o.UDPIdleTimeout <= 0 {
		o.UDPIdleTimeout = time.Second
	}
	return o
}
