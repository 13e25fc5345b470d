package gea3

import (
	"bytes"
	"io"
	"testing"

	"github.com/geabus/bus-server/internal/geawire"
)

const testAddr = 0x23

type fakePort struct {
	writes []byte
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.writes = append(p.writes, b...)
	return len(b), nil
}

func (p *fakePort) Read([]byte) (int, error) { return 0, io.EOF }
func (p *fakePort) Close() error             { return nil }

type harness struct {
	f     *Framer
	port  *fakePort
	diags []DiagnosticEvent
	pkts  []Packet
}

func newHarness(maxQueued int, opts ...Option) *harness {
	h := &harness{port: &fakePort{}}
	h.f = New(h.port, testAddr, maxQueued, 0, opts...)
	h.f.OnDiagnostics(func(ev DiagnosticEvent) { h.diags = append(h.diags, ev) })
	h.f.OnReceive(func(p Packet) { h.pkts = append(h.pkts, p) })
	return h
}

func (h *harness) diagCount(kind DiagnosticKind) int {
	n := 0
	for _, d := range h.diags {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

func TestSendEncodesFrame(t *testing.T) {
	h := newHarness(8)
	payload := []byte{0x01, 0xE0, 0xFF}
	if !h.f.Send(0x45, len(payload), func(p []byte) { copy(p, payload) }) {
		t.Fatal("send rejected")
	}
	h.f.drainQueue()

	want := geawire.EncodeTo(nil, geawire.Packet{Destination: 0x45, Source: testAddr, Payload: payload})
	if !bytes.Equal(h.port.writes, want) {
		t.Fatalf("wire = % X, want % X", h.port.writes, want)
	}
	if h.diagCount(DiagPacketSent) != 1 {
		t.Fatalf("diags = %+v", h.diags)
	}
}

func TestSendDrainsQueueInOrder(t *testing.T) {
	h := newHarness(8)
	h.f.Send(0x45, 1, func(p []byte) { p[0] = 0x01 })
	h.f.Send(0x46, 1, func(p []byte) { p[0] = 0x02 })
	h.f.drainQueue()

	want := geawire.EncodeTo(nil, geawire.Packet{Destination: 0x45, Source: testAddr, Payload: []byte{0x01}})
	want = geawire.EncodeTo(want, geawire.Packet{Destination: 0x46, Source: testAddr, Payload: []byte{0x02}})
	if !bytes.Equal(h.port.writes, want) {
		t.Fatalf("wire = % X, want % X", h.port.writes, want)
	}
	if h.diagCount(DiagPacketSent) != 2 {
		t.Fatalf("diags = %+v", h.diags)
	}
}

func TestSendQueueFull(t *testing.T) {
	h := newHarness(2)
	if !h.f.Send(0x45, 0, nil) || !h.f.Send(0x45, 1, func(p []byte) { p[0] = 1 }) {
		t.Fatal("setup sends rejected")
	}
	if h.f.Send(0x45, 2, func(p []byte) {}) {
		t.Fatal("send into a full queue must fail")
	}
}

func TestSendPayloadAtMaximum(t *testing.T) {
	h := newHarness(2)
	if !h.f.Send(0x45, DefaultMaxPayload, func(p []byte) {
		for i := range p {
			p[i] = byte(i)
		}
	}) {
		t.Fatal("maximum payload must be accepted")
	}
	if h.f.Send(0x45, DefaultMaxPayload+1, nil) {
		t.Fatal("oversized payload must be rejected")
	}
	h.f.drainQueue()
	// The declared wire length for a maximum frame is exactly 0xFF.
	if h.port.writes[0] != 0xE2 || h.port.writes[2] != 0xFF {
		t.Fatalf("wire prefix = % X", h.port.writes[:4])
	}
}

func TestForwardPreservesSource(t *testing.T) {
	h := newHarness(8)
	h.f.Forward(0x45, 0x99, 1, func(p []byte) { p[0] = 0x55 })
	h.f.drainQueue()

	want := geawire.EncodeTo(nil, geawire.Packet{Destination: 0x45, Source: 0x99, Payload: []byte{0x55}})
	if !bytes.Equal(h.port.writes, want) {
		t.Fatalf("wire = % X, want % X", h.port.writes, want)
	}
}

func TestReceivePublishesOnRun(t *testing.T) {
	h := newHarness(8)
	frame := geawire.EncodeTo(nil, geawire.Packet{Destination: testAddr, Source: 0x45, Payload: []byte{0xBF}})
	for _, b := range frame {
		h.f.HandleByte(b)
	}
	h.f.Run()
	if len(h.pkts) != 1 || !bytes.Equal(h.pkts[0].Payload, []byte{0xBF}) {
		t.Fatalf("packets = %+v", h.pkts)
	}
}

func TestReceiveBroadcastAddress(t *testing.T) {
	h := newHarness(8)
	frame := geawire.EncodeTo(nil, geawire.Packet{Destination: 0xFF, Source: 0x45, Payload: nil})
	for _, b := range frame {
		h.f.HandleByte(b)
	}
	h.f.Run()
	if len(h.pkts) != 1 || h.pkts[0].Destination != 0xFF {
		t.Fatalf("packets = %+v", h.pkts)
	}
}

func TestReceiveGEA2StyleBroadcastRejected(t *testing.T) {
	// Only 0xFF is broadcast on this link; 0xF5 is just another node.
	h := newHarness(8)
	frame := geawire.EncodeTo(nil, geawire.Packet{Destination: 0xF5, Source: 0x45, Payload: nil})
	for _, b := range frame {
		h.f.HandleByte(b)
	}
	h.f.Run()
	if len(h.pkts) != 0 {
		t.Fatalf("packets = %+v", h.pkts)
	}
	if h.diagCount(DiagMalformedFrameDropped) != 1 {
		t.Fatalf("diags = %+v", h.diags)
	}
}

func TestOverrunBytesDropped(t *testing.T) {
	h := newHarness(8)
	frame := geawire.EncodeTo(nil, geawire.Packet{Destination: testAddr, Source: 0x45, Payload: []byte{0x01}})
	for _, b := range frame {
		h.f.HandleByte(b)
	}
	// A second frame arrives before Run drains the first.
	for _, b := range frame {
		h.f.HandleByte(b)
	}
	if h.diagCount(DiagByteDroppedPendingPublication) != len(frame) {
		t.Fatalf("dropped %d bytes, want %d", h.diagCount(DiagByteDroppedPendingPublication), len(frame))
	}
	h.f.Run()
	h.f.Run()
	if len(h.pkts) != 1 {
		t.Fatalf("packets = %+v", h.pkts)
	}
}

func TestRoundTripThroughOwnReceiver(t *testing.T) {
	// Everything the sender emits decodes back to the original packet.
	sender := newHarness(8)
	payload := []byte{0xE0, 0xE1, 0xE2, 0xE3, 0x00, 0x7F}
	sender.f.Send(0x23, len(payload), func(p []byte) { copy(p, payload) })
	sender.f.drainQueue()

	receiver := newHarness(8)
	for _, b := range sender.port.writes {
		receiver.f.HandleByte(b)
	}
	receiver.f.Run()
	if len(receiver.pkts) != 1 || !bytes.Equal(receiver.pkts[0].Payload, payload) {
		t.Fatalf("packets = %+v", receiver.pkts)
	}
}
