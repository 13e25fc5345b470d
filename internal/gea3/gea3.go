// Package gea3 implements the GEA3 full-duplex link layer: the same
// framing, escape and CRC rules as the single-wire bus, but with separate
// transmit and receive pairs, so there is no reflection checking, no
// collision back-off and no ACK handshake. Outbound packets queue in a
// bounded FIFO and drain in order, one full frame at a time.
//
// A dedicated goroutine walks the queue and writes each frame's bytes
// through the shared Emitter. Blocking serial writes give the ordering
// guarantee that matters here: a frame finishes, ETX included, before the
// next one starts.
package gea3

import (
	"context"
	"sync"

	"github.com/geabus/bus-server/internal/geaevent"
	"github.com/geabus/bus-server/internal/geaqueue"
	"github.com/geabus/bus-server/internal/geawire"
	"github.com/geabus/bus-server/internal/georecv"
	"github.com/geabus/bus-server/internal/uartio"
)

// DefaultMaxPayload bounds the payload this Framer can send or receive.
// The cap keeps the wire payload_length field, which counts the whole
// frame, within one byte.
const DefaultMaxPayload = 255 - geawire.TransmissionOverhead

// Packet is the application-visible view of a successfully received frame.
type Packet struct {
	Destination byte
	Source      byte
	Payload     []byte
}

// DiagnosticKind enumerates the link-health events a full-duplex link can
// produce: no reflections or collisions here, only send completions and
// receive-side drops.
type DiagnosticKind int

const (
	DiagPacketSent DiagnosticKind = iota
	DiagMalformedFrameDropped
	DiagByteDroppedPendingPublication
)

// DiagnosticEvent is published on every send completion and receive-side
// drop.
type DiagnosticEvent struct {
	Kind        DiagnosticKind
	Destination byte
}

// Framer implements the GEA3 full-duplex link layer.
type Framer struct {
	mu sync.Mutex

	addr           byte
	ignoreDestAddr bool

	port  uartio.Port
	recv  *georecv.Receiver
	queue *geaqueue.Queue

	scratch   []byte
	activeBuf []byte

	packetReady bool
	readyPacket georecv.Packet

	onReceive     geaevent.Source[Packet]
	onDiagnostics geaevent.Source[DiagnosticEvent]

	sendSignal chan struct{}
}

// Option configures a Framer at construction time.
type Option func(*Framer)

// WithIgnoreDestinationAddress puts the framer in promiscuous mode: every
// received frame is accepted regardless of destination.
func WithIgnoreDestinationAddress() Option {
	return func(f *Framer) { f.ignoreDestAddr = true }
}

// New constructs a Framer for the given bus address, transmitting and
// receiving through port. maxQueued bounds the send queue depth;
// maxPayload bounds both sent and received payload size (0 selects
// DefaultMaxPayload).
func New(port uartio.Port, addr byte, maxQueued, maxPayload int, opts ...Option) *Framer {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	f := &Framer{
		addr:       addr,
		port:       port,
		queue:      geaqueue.New(maxQueued, geawire.HeaderSize+maxPayload),
		scratch:    make([]byte, geawire.HeaderSize+maxPayload),
		activeBuf:  make([]byte, geawire.HeaderSize+maxPayload),
		recv:       georecv.New(make([]byte, geawire.HeaderSize+maxPayload+geawire.CRCSize)),
		sendSignal: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// OnReceive registers fn to be called, from Run, once per successfully
// decoded frame.
func (f *Framer) OnReceive(fn func(Packet)) { f.onReceive.Subscribe(fn) }

// OnDiagnostics registers fn to be called on every send completion and
// receive-side drop.
func (f *Framer) OnDiagnostics(fn func(DiagnosticEvent)) { f.onDiagnostics.Subscribe(fn) }

// Send enqueues a packet addressed to dest with our own address as source.
// build fills the payload region of the supplied slice (len == payloadLen).
// Returns false if the send queue is full or payloadLen exceeds capacity.
func (f *Framer) Send(dest byte, payloadLen int, build func(payload []byte)) bool {
	return f.enqueue(dest, f.addr, payloadLen, build)
}

// Forward enqueues a packet addressed to dest while preserving source.
func (f *Framer) Forward(dest, source byte, payloadLen int, build func(payload []byte)) bool {
	return f.enqueue(dest, source, payloadLen, build)
}

func (f *Framer) enqueue(dest, source byte, payloadLen int, build func([]byte)) bool {
	if payloadLen < 0 || geawire.HeaderSize+payloadLen > len(f.scratch) {
		return false
	}
	f.mu.Lock()
	frame := f.scratch[:geawire.HeaderSize+payloadLen]
	frame[0] = dest
	frame[1] = byte(payloadLen)
	frame[2] = source
	if build != nil {
		build(frame[geawire.HeaderSize:])
	}
	ok := f.queue.Enqueue(frame)
	f.mu.Unlock()
	if ok {
		select {
		case f.sendSignal <- struct{}{}:
		default:
		}
	}
	return ok
}

// HandleByte processes one byte received from the UART. A byte arriving
// while a decoded packet is still waiting for Run to publish it is
// dropped.
func (f *Framer) HandleByte(b byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.packetReady {
		f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagByteDroppedPendingPublication})
		return
	}
	switch f.recv.Feed(b, f.acceptDestination) {
	case georecv.EventPacketReady:
		f.readyPacket = f.recv.Take()
		f.packetReady = true
	case georecv.EventFrameDropped:
		f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagMalformedFrameDropped})
	}
}

func (f *Framer) acceptDestination(dest byte) bool {
	if f.ignoreDestAddr {
		return true
	}
	if dest == f.addr {
		return true
	}
	return geawire.IsGEA3Broadcast(dest)
}

// Run publishes one decoded packet to OnReceive subscribers if one is
// waiting. It never blocks.
func (f *Framer) Run() {
	f.mu.Lock()
	if !f.packetReady {
		f.mu.Unlock()
		return
	}
	pkt := Packet{
		Destination: f.readyPacket.Destination,
		Source:      f.readyPacket.Source,
		Payload:     append([]byte(nil), f.readyPacket.Payload...),
	}
	f.packetReady = false
	f.mu.Unlock()

	f.onReceive.Publish(pkt)
}

// Serve runs both the receive loop and the send-queue drain loop until ctx
// is cancelled or the port returns a read error.
func (f *Framer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go f.receiveLoop(ctx, errCh)
	go f.sendLoop(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Framer) receiveLoop(ctx context.Context, errCh chan<- error) {
	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := f.port.Read(buf)
		if n > 0 {
			f.HandleByte(buf[0])
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

// sendLoop drains the send queue to completion whenever Send/Forward
// signal new work.
func (f *Framer) sendLoop(ctx context.Context) {
	for {
		select {
		case <-f.sendSignal:
			f.drainQueue()
		case <-ctx.Done():
			return
		}
	}
}

// drainQueue transmits queued packets in order. The head stays queued
// while its bytes are on the wire; it is only discarded once the full
// frame, ETX included, has been written.
func (f *Framer) drainQueue() {
	for {
		f.mu.Lock()
		if f.queue.Count() == 0 {
			f.mu.Unlock()
			return
		}
		n, _ := f.queue.Peek(f.activeBuf, 0)
		rec := f.activeBuf[:n]
		pkt := geawire.Packet{
			Destination: rec[0],
			Source:      rec[2],
			Payload:     append([]byte(nil), rec[geawire.HeaderSize:]...),
		}
		f.mu.Unlock()

		emitter := geawire.NewEmitter(pkt)
		ok := true
		for !emitter.Done() {
			if _, err := f.port.Write([]byte{emitter.Next()}); err != nil {
				ok = false
				break
			}
		}

		f.mu.Lock()
		f.queue.Discard()
		f.mu.Unlock()
		if ok {
			f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagPacketSent, Destination: pkt.Destination})
		}
	}
}
