package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geabus/bus-server/internal/erdclient"
	"github.com/geabus/bus-server/internal/gea2"
	"github.com/geabus/bus-server/internal/gea3"
	"github.com/geabus/bus-server/internal/hub"
	"github.com/geabus/bus-server/internal/metrics"
	"github.com/geabus/bus-server/internal/uartio"
)

const (
	maxQueuedSends  = 32
	maxERDRequests  = 32
	maxERDPayload   = 64
	runPollInterval = 2 * time.Millisecond
)

// busBackend bundles the running framer's ERD client and its teardown.
type busBackend struct {
	ERD     *erdclient.Client
	cleanup func()
}

// countingSender wraps a framer so rejected sends (queue full) are
// counted before the failure propagates to the ERD client's retry logic.
type countingSender struct {
	s erdclient.Sender
}

func (c countingSender) Send(dest byte, payloadLen int, build func([]byte)) bool {
	ok := c.s.Send(dest, payloadLen, build)
	if !ok {
		metrics.IncSendQueueFull()
	}
	return ok
}

// initBackend opens the serial port, constructs the selected framer, wires
// its receive/diagnostics streams into the hub and metrics, starts its
// Serve/Run loops, and layers an ERD-client request engine on top.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*busBackend, error) {
	port, err := uartio.Open(cfg.serialDev, cfg.baud, cfg.serialReadTimeout(), cfg.serialRS485)
	if err != nil {
		metrics.IncError(metrics.ErrUARTOpen)
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "protocol", cfg.protocol, "rs485", cfg.serialRS485)

	var backend *busBackend
	switch cfg.protocol {
	case "gea2":
		backend, err = initGEA2Backend(ctx, cfg, port, h, l, wg)
	case "gea3":
		backend, err = initGEA3Backend(ctx, cfg, port, h, l, wg)
	default:
		err = fmt.Errorf("unknown protocol %q (use gea2|gea3)", cfg.protocol)
	}
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	startERDPoller(ctx, cfg, backend.ERD, l, wg)
	return backend, nil
}

func initGEA2Backend(ctx context.Context, cfg *appConfig, port uartio.Port, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*busBackend, error) {
	var opts []gea2.Option
	if cfg.promiscuous {
		opts = append(opts, gea2.WithIgnoreDestinationAddress())
	}
	framer := gea2.New(port, byte(cfg.address), uint8(cfg.retries), maxQueuedSends, 0, opts...)

	framer.OnReceive(func(pkt gea2.Packet) {
		metrics.IncGEA2Rx()
		h.Broadcast(hub.Packet{Destination: pkt.Destination, Source: pkt.Source, Payload: pkt.Payload})
	})
	framer.OnDiagnostics(func(ev gea2.DiagnosticEvent) {
		switch ev.Kind {
		case gea2.DiagPacketSent:
			metrics.IncGEA2Tx()
		case gea2.DiagCollisionDetected:
			metrics.IncCollision()
		case gea2.DiagReflectionTimedOut:
			metrics.IncReflectionTimeout()
		case gea2.DiagRetriesExhausted:
			metrics.IncSendRetriesExhausted()
			l.Warn("gea2_send_retries_exhausted", "destination", ev.Destination)
		case gea2.DiagMalformedFrameDropped:
			metrics.IncMalformed()
		case gea2.DiagByteDroppedPendingPublication:
			l.Debug("gea2_byte_dropped_pending_publication")
		}
	})

	erd := erdclient.New(countingSender{framer}, maxERDRequests, maxERDPayload,
		erdclient.WithRequestTimeout(cfg.requestTimeout),
		erdclient.WithRequestRetries(uint8(cfg.requestRetries)))
	wireERDActivity(erd, l)
	framer.OnReceive(func(pkt gea2.Packet) {
		erd.HandleReceived(erdclient.Packet{Destination: pkt.Destination, Source: pkt.Source, Payload: pkt.Payload})
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := framer.Serve(ctx); err != nil && ctx.Err() == nil {
			metrics.IncError(metrics.ErrUARTRead)
			l.Error("gea2_serve_error", "error", err)
		}
	}()
	wg.Add(1)
	go runPoller(ctx, wg, framer.Run)

	return &busBackend{ERD: erd, cleanup: func() { _ = port.Close() }}, nil
}

func initGEA3Backend(ctx context.Context, cfg *appConfig, port uartio.Port, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*busBackend, error) {
	var opts []gea3.Option
	if cfg.promiscuous {
		opts = append(opts, gea3.WithIgnoreDestinationAddress())
	}
	framer := gea3.New(port, byte(cfg.address), maxQueuedSends, 0, opts...)

	framer.OnReceive(func(pkt gea3.Packet) {
		metrics.IncGEA3Rx()
		h.Broadcast(hub.Packet{Destination: pkt.Destination, Source: pkt.Source, Payload: pkt.Payload})
	})
	framer.OnDiagnostics(func(ev gea3.DiagnosticEvent) {
		switch ev.Kind {
		case gea3.DiagPacketSent:
			metrics.IncGEA3Tx()
		case gea3.DiagMalformedFrameDropped:
			metrics.IncMalformed()
		case gea3.DiagByteDroppedPendingPublication:
			l.Debug("gea3_byte_dropped_pending_publication")
		}
	})

	erd := erdclient.New(countingSender{framer}, maxERDRequests, maxERDPayload,
		erdclient.WithRequestTimeout(cfg.requestTimeout),
		erdclient.WithRequestRetries(uint8(cfg.requestRetries)))
	wireERDActivity(erd, l)
	framer.OnReceive(func(pkt gea3.Packet) {
		erd.HandleReceived(erdclient.Packet{Destination: pkt.Destination, Source: pkt.Source, Payload: pkt.Payload})
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := framer.Serve(ctx); err != nil && ctx.Err() == nil {
			metrics.IncError(metrics.ErrUARTRead)
			l.Error("gea3_serve_error", "error", err)
		}
	}()
	wg.Add(1)
	go runPoller(ctx, wg, framer.Run)

	return &busBackend{ERD: erd, cleanup: func() { _ = port.Close() }}, nil
}

func wireERDActivity(erd *erdclient.Client, l *slog.Logger) {
	erd.OnActivity(func(ev erdclient.ActivityEvent) {
		switch ev.Kind {
		case erdclient.ReadCompleted:
			metrics.IncERDReadCompleted()
			l.Debug("erd_read_completed", "peer", ev.Peer, "erd", fmt.Sprintf("0x%04X", ev.ERD), "request_id", ev.RequestID, "data", fmt.Sprintf("% X", ev.Data))
		case erdclient.ReadFailed:
			metrics.IncERDReadFailed()
			l.Warn("erd_read_failed", "peer", ev.Peer, "erd", fmt.Sprintf("0x%04X", ev.ERD), "request_id", ev.RequestID)
		case erdclient.WriteCompleted:
			metrics.IncERDWriteCompleted()
			l.Debug("erd_write_completed", "peer", ev.Peer, "erd", fmt.Sprintf("0x%04X", ev.ERD), "request_id", ev.RequestID)
		case erdclient.WriteFailed:
			metrics.IncERDWriteFailed()
			l.Warn("erd_write_failed", "peer", ev.Peer, "erd", fmt.Sprintf("0x%04X", ev.ERD), "request_id", ev.RequestID)
		}
	})
}

// startERDPoller periodically issues reads for the configured peer:erd
// targets so their values keep flowing to observers and metrics.
func startERDPoller(ctx context.Context, cfg *appConfig, erd *erdclient.Client, l *slog.Logger, wg *sync.WaitGroup) {
	if len(cfg.erdPollTargets) == 0 || cfg.erdPollInterval <= 0 {
		return
	}
	l.Info("erd_poll_enabled", "targets", len(cfg.erdPollTargets), "interval", cfg.erdPollInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.erdPollInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				for _, target := range cfg.erdPollTargets {
					if _, ok := erd.Read(target.peer, target.erd); !ok {
						l.Warn("erd_poll_queue_full", "peer", target.peer, "erd", fmt.Sprintf("0x%04X", target.erd))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// runPoller repeatedly publishes decoded packets to OnReceive subscribers
// without blocking byte handling.
func runPoller(ctx context.Context, wg *sync.WaitGroup, run func()) {
	defer wg.Done()
	t := time.NewTicker(runPollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			run()
		case <-ctx.Done():
			return
		}
	}
}
