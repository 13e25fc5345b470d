// Package gea2 implements the GEA2 single-wire link layer. A single
// transceiver drives and listens on the same wire, so every transmitted
// byte is read back and compared against what was driven: a mismatch or a
// missing reflection means another node is transmitting and the packet is
// retried after a pseudo-random back-off. Delivery to a non-broadcast
// destination is confirmed by a single unframed ACK byte.
//
// Serve owns the interrupt-like half of the state machine: one goroutine
// reads the byte stream and drives the millisecond ticker, feeding both
// through HandleByte and Tick. Send, Forward and Run are the background
// operations any caller goroutine may invoke. A mutex serializes the two
// sides; the receive buffer belongs to the byte-handling side until a
// packet is ready, and the send-queue head stays immutable while a send
// is in flight.
package gea2

import (
	"context"
	"sync"
	"time"

	"github.com/geabus/bus-server/internal/geaevent"
	"github.com/geabus/bus-server/internal/geaqueue"
	"github.com/geabus/bus-server/internal/geatimer"
	"github.com/geabus/bus-server/internal/geawire"
	"github.com/geabus/bus-server/internal/georecv"
	"github.com/geabus/bus-server/internal/uartio"
)

type state int

const (
	stateIdle state = iota
	stateReceive
	stateIdleCooldown
	stateSend
	stateWaitForAck
	stateCollisionCooldown
)

// Bus timing. The idle cooldown and collision back-off are keyed on the
// node's own address so nodes sharing a bus decorrelate their access.
const (
	interbyteTimeoutMs   uint32 = 6
	reflectionTimeoutMs  uint32 = 6
	ackTimeoutMs         uint32 = 8
	idleCooldownBaseMs   uint32 = 10
	collisionCooldownAdd uint32 = 43
	addrMask             uint32 = 0x1F
)

// Timer slot names declared once at construction.
const (
	timerInterbyte    = "interbyte"
	timerIdleCooldown = "idle_cooldown"
	timerReflection   = "reflection"
	timerAck          = "ack"
	timerCollision    = "collision_cooldown"
)

// DefaultMaxPayload bounds the payload this Framer can send or receive; it
// sizes the fixed scratch buffers allocated at construction. Nothing is
// allocated after New. The cap keeps the wire payload_length field, which
// counts the whole frame, within one byte.
const DefaultMaxPayload = 255 - geawire.TransmissionOverhead

// Packet is the application-visible view of a successfully received frame,
// handed to OnReceive subscribers. Payload is a private copy, safe to
// retain past the callback.
type Packet struct {
	Destination byte
	Source      byte
	Payload     []byte
}

// DiagnosticKind enumerates the link-health event stream, distinct from
// the packet-received stream.
type DiagnosticKind int

const (
	// DiagPacketSent: every byte of a frame, ETX included, was reflected
	// back intact. For non-broadcast destinations the ACK may still be
	// outstanding at this point.
	DiagPacketSent DiagnosticKind = iota
	// DiagCollisionDetected: a reflected byte did not match what was
	// driven, or a foreign byte arrived instead of an ACK.
	DiagCollisionDetected
	// DiagReflectionTimedOut: no reflection arrived for an outbound byte.
	DiagReflectionTimedOut
	// DiagRetriesExhausted: the active packet was discarded after its
	// final retry failed.
	DiagRetriesExhausted
	// DiagMalformedFrameDropped: an inbound frame failed length, CRC or
	// addressing checks and was silently discarded.
	DiagMalformedFrameDropped
	// DiagByteDroppedPendingPublication: a byte arrived while a decoded
	// packet was still waiting for Run to publish it.
	DiagByteDroppedPendingPublication
)

// DiagnosticEvent is published synchronously from the byte-handling
// context on every send, collision, timeout and drop.
type DiagnosticEvent struct {
	Kind        DiagnosticKind
	Destination byte
}

// Framer implements the GEA2 single-wire link layer.
type Framer struct {
	mu sync.Mutex

	addr           byte
	ignoreDestAddr bool
	retries        uint8

	port   uartio.Port
	recv   *georecv.Receiver
	queue  *geaqueue.Queue
	timers *geatimer.Group
	ticks  geatimer.Ticks

	state state

	scratch   []byte
	activeBuf []byte

	emitter            *geawire.Emitter
	expectedReflection byte
	activeDestination  byte
	activeRetries      uint8
	headActive         bool

	packetReady bool
	readyPacket georecv.Packet

	onReceive     geaevent.Source[Packet]
	onDiagnostics geaevent.Source[DiagnosticEvent]
}

// Option configures a Framer at construction time.
type Option func(*Framer)

// WithIgnoreDestinationAddress puts the framer in promiscuous mode: every
// received frame is accepted regardless of destination.
func WithIgnoreDestinationAddress() Option {
	return func(f *Framer) { f.ignoreDestAddr = true }
}

// WithTicks overrides the tick source. Tests install a manually advanced
// clock; production callers omit this and get wall time.
func WithTicks(t geatimer.Ticks) Option {
	return func(f *Framer) { f.ticks = t }
}

// New constructs a Framer for the given bus address, transmitting and
// receiving through port. retries is the per-packet retry budget beyond
// the first attempt; maxQueued bounds the send queue depth; maxPayload
// bounds both sent and received payload size (0 selects DefaultMaxPayload).
func New(port uartio.Port, addr byte, retries uint8, maxQueued, maxPayload int, opts ...Option) *Framer {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	f := &Framer{
		addr:      addr,
		retries:   retries,
		port:      port,
		queue:     geaqueue.New(maxQueued, geawire.HeaderSize+maxPayload),
		scratch:   make([]byte, geawire.HeaderSize+maxPayload),
		activeBuf: make([]byte, geawire.HeaderSize+maxPayload),
		ticks:     geatimer.NewWallClock(),
	}
	for _, o := range opts {
		o(f)
	}
	f.timers = geatimer.NewGroup(f.ticks)
	for _, name := range []string{timerInterbyte, timerIdleCooldown, timerReflection, timerAck, timerCollision} {
		f.timers.Declare(name)
	}
	f.recv = georecv.New(make([]byte, geawire.HeaderSize+maxPayload+geawire.CRCSize))
	return f
}

// SetRetries reconfigures the per-packet retry budget. Takes effect from
// the next packet; the active packet keeps the budget it started with.
func (f *Framer) SetRetries(n uint8) {
	f.mu.Lock()
	f.retries = n
	f.mu.Unlock()
}

// OnReceive registers fn to be called, from Run, once per successfully
// decoded frame.
func (f *Framer) OnReceive(fn func(Packet)) { f.onReceive.Subscribe(fn) }

// OnDiagnostics registers fn to be called synchronously, from the
// byte-handling context, on every send/collision/drop event.
func (f *Framer) OnDiagnostics(fn func(DiagnosticEvent)) { f.onDiagnostics.Subscribe(fn) }

// Send enqueues a packet addressed to dest with our own address as source.
// build fills the payload region of the supplied slice (len == payloadLen).
// Returns false if the send queue is full or payloadLen exceeds capacity.
func (f *Framer) Send(dest byte, payloadLen int, build func(payload []byte)) bool {
	return f.enqueue(dest, f.addr, payloadLen, build)
}

// Forward enqueues a packet addressed to dest while preserving source as
// the original sender's address, for relaying an overheard frame.
func (f *Framer) Forward(dest, source byte, payloadLen int, build func(payload []byte)) bool {
	return f.enqueue(dest, source, payloadLen, build)
}

func (f *Framer) enqueue(dest, source byte, payloadLen int, build func([]byte)) bool {
	if payloadLen < 0 || geawire.HeaderSize+payloadLen > len(f.scratch) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := f.scratch[:geawire.HeaderSize+payloadLen]
	frame[0] = dest
	frame[1] = byte(payloadLen)
	frame[2] = source
	if build != nil {
		build(frame[geawire.HeaderSize:])
	}
	ok := f.queue.Enqueue(frame)
	if ok && f.state == stateIdle {
		f.enterSend()
	}
	return ok
}

// Run publishes one decoded packet to OnReceive subscribers if one is
// waiting. The packet is copied out under the lock first, so subscribers
// run without blocking byte handling.
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

// HandleByte processes one byte observed on the bus -- a received byte, a
// reflection of our own transmission, or an ACK. Serve calls this for
// every byte read from the port.
func (f *Framer) HandleByte(b byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case stateIdle:
		f.handleIdleByte(b)
	case stateReceive:
		f.handleReceiveByte(b)
	case stateIdleCooldown:
		f.handleIdleCooldownByte(b)
	case stateSend:
		f.handleSendByte(b)
	case stateWaitForAck:
		f.handleWaitForAckByte(b)
	case stateCollisionCooldown:
		f.handleCollisionCooldownByte(b)
	}
}

// Tick advances the millisecond timer group by one tick, firing any timer
// whose deadline has passed.
func (f *Framer) Tick() {
	f.mu.Lock()
	f.timers.Tick()
	f.mu.Unlock()
}

func (f *Framer) handleIdleByte(b byte) {
	if f.packetReady {
		f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagByteDroppedPendingPublication})
	}
	if b == geawire.Stx && !f.packetReady {
		f.enterReceive(b)
		return
	}
	f.enterIdleCooldown()
}

func (f *Framer) handleReceiveByte(b byte) {
	f.timers.Start(timerInterbyte, interbyteTimeoutMs, f.onInterbyteTimeout)
	f.feedReceiver(b)
}

func (f *Framer) handleIdleCooldownByte(b byte) {
	if b == geawire.Stx && !f.packetReady {
		f.enterReceive(b)
		return
	}
	f.enterIdleCooldown()
}

func (f *Framer) handleSendByte(b byte) {
	if b != f.expectedReflection {
		f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagCollisionDetected, Destination: f.activeDestination})
		f.onSendFailure()
		return
	}
	f.timers.Stop(timerReflection)
	if f.emitter.Done() {
		f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagPacketSent, Destination: f.activeDestination})
		if geawire.IsGEA2Broadcast(f.activeDestination) {
			f.onSendSuccess()
		} else {
			f.enterWaitForAck()
		}
		return
	}
	f.writeNext()
}

func (f *Framer) handleWaitForAckByte(b byte) {
	if b == geawire.Ack {
		f.timers.Stop(timerAck)
		f.onSendSuccess()
		return
	}
	f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagCollisionDetected, Destination: f.activeDestination})
	f.onSendFailure()
}

func (f *Framer) handleCollisionCooldownByte(b byte) {
	if b == geawire.Stx && !f.packetReady {
		f.enterReceive(b)
	}
}

func (f *Framer) acceptDestination(dest byte) bool {
	if f.ignoreDestAddr {
		return true
	}
	if dest == f.addr {
		return true
	}
	return geawire.IsGEA2Broadcast(dest)
}

func (f *Framer) enterReceive(b byte) {
	f.state = stateReceive
	f.timers.Start(timerInterbyte, interbyteTimeoutMs, f.onInterbyteTimeout)
	f.feedReceiver(b)
}

func (f *Framer) feedReceiver(b byte) {
	switch f.recv.Feed(b, f.acceptDestination) {
	case georecv.EventPacketReady:
		f.completeReceive()
	case georecv.EventFrameDropped:
		f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagMalformedFrameDropped})
	}
}

func (f *Framer) onInterbyteTimeout() {
	f.enterIdleCooldown()
}

func (f *Framer) completeReceive() {
	f.timers.Stop(timerInterbyte)
	pkt := f.recv.Take()
	f.packetReady = true
	f.readyPacket = pkt
	if !geawire.IsGEA2Broadcast(pkt.Destination) && f.port != nil {
		_, _ = f.port.Write([]byte{geawire.Ack})
	}
	f.enterIdleCooldown()
}

func (f *Framer) enterIdleCooldown() {
	f.state = stateIdleCooldown
	dur := idleCooldownBaseMs + (uint32(f.addr) & addrMask)
	f.timers.Start(timerIdleCooldown, dur, f.onIdleCooldownTimeout)
}

func (f *Framer) onIdleCooldownTimeout() {
	f.enterIdle()
}

func (f *Framer) enterIdle() {
	f.state = stateIdle
	if f.queue.Count() > 0 {
		f.enterSend()
	}
}

func (f *Framer) enterSend() {
	if !f.headActive {
		f.activeRetries = f.retries
		f.headActive = true
	}
	n, ok := f.queue.Peek(f.activeBuf, 0)
	if !ok {
		f.state = stateIdle
		return
	}
	rec := f.activeBuf[:n]
	pkt := geawire.Packet{
		Destination: rec[0],
		Source:      rec[2],
		Payload:     append([]byte(nil), rec[geawire.HeaderSize:]...),
	}
	f.state = stateSend
	f.activeDestination = pkt.Destination
	f.emitter = geawire.NewEmitter(pkt)
	f.writeNext()
}

func (f *Framer) writeNext() {
	b := f.emitter.Next()
	f.expectedReflection = b
	f.timers.Start(timerReflection, reflectionTimeoutMs, f.onReflectionTimeout)
	if f.port != nil {
		_, _ = f.port.Write([]byte{b})
	}
}

// onReflectionTimeout is the one failure that skips the collision
// back-off: a missing reflection means the bus went quiet, not that
// another node is mid-transmission, so only the short idle cooldown
// applies before the retry.
func (f *Framer) onReflectionTimeout() {
	f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagReflectionTimedOut, Destination: f.activeDestination})
	f.failSend()
	f.enterIdleCooldown()
}

func (f *Framer) enterWaitForAck() {
	f.state = stateWaitForAck
	f.timers.Start(timerAck, ackTimeoutMs, f.onAckTimeout)
}

func (f *Framer) onAckTimeout() {
	f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagCollisionDetected, Destination: f.activeDestination})
	f.onSendFailure()
}

func (f *Framer) onSendSuccess() {
	f.queue.Discard()
	f.headActive = false
	f.enterIdleCooldown()
}

// failSend burns one retry, or discards the packet once the budget is
// spent. The budget counts retries beyond the first attempt: retries=2
// means up to three attempts. The caller picks the cooldown that follows.
func (f *Framer) failSend() {
	f.timers.Stop(timerReflection)
	f.timers.Stop(timerAck)
	if f.activeRetries > 0 {
		f.activeRetries--
	} else {
		f.queue.Discard()
		f.headActive = false
		f.onDiagnostics.Publish(DiagnosticEvent{Kind: DiagRetriesExhausted, Destination: f.activeDestination})
	}
}

// onSendFailure handles a detected collision (reflection mismatch or a
// missing/foreign ACK): retry bookkeeping plus the long pseudo-random
// back-off, since another node is actively using the bus.
func (f *Framer) onSendFailure() {
	f.failSend()
	f.state = stateCollisionCooldown
	now := f.ticks.Now()
	backoff := collisionCooldownAdd + (uint32(f.addr) & addrMask) + ((now ^ uint32(f.addr)) & addrMask)
	f.timers.Start(timerCollision, backoff, f.onCollisionCooldownTimeout)
}

func (f *Framer) onCollisionCooldownTimeout() {
	f.enterIdle()
}

// Serve reads bytes from the port one at a time, drives a millisecond
// ticker, and feeds both into HandleByte and Tick until ctx is cancelled
// or the port returns a read error. It blocks the calling goroutine.
func (f *Framer) Serve(ctx context.Context) error {
	bytesCh := make(chan byte, 64)
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := f.port.Read(buf)
			if n > 0 {
				select {
				case bytesCh <- buf[0]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case b := <-bytesCh:
			f.HandleByte(b)
		case <-ticker.C:
			f.Tick()
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
