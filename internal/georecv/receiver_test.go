package georecv

import (
	"bytes"
	"testing"

	"github.com/geabus/bus-server/internal/geawire"
)

const nodeAddr = 0xAD

func acceptFor(addr byte) AddressFilter {
	return func(dest byte) bool {
		return dest == addr || geawire.IsGEA2Broadcast(dest)
	}
}

// feed pushes a full byte stream and returns the last non-None event plus
// how many packets became ready.
func feed(t *testing.T, r *Receiver, stream []byte, accept AddressFilter) (Event, int) {
	t.Helper()
	last := EventNone
	ready := 0
	for _, b := range stream {
		ev := r.Feed(b, accept)
		if ev != EventNone {
			last = ev
		}
		if ev == EventPacketReady {
			ready++
			r.Take()
		}
	}
	return last, ready
}

func TestReceiveEmptyPayload(t *testing.T) {
	r := New(make([]byte, 64))
	stream := []byte{0xE2, 0xAD, 0x07, 0x45, 0x08, 0x8F, 0xE3}
	var got Packet
	for i, b := range stream {
		ev := r.Feed(b, acceptFor(nodeAddr))
		if i < len(stream)-1 && ev != EventNone {
			t.Fatalf("byte %d: unexpected event %v", i, ev)
		}
		if i == len(stream)-1 {
			if ev != EventPacketReady {
				t.Fatalf("expected EventPacketReady on ETX, got %v", ev)
			}
			got = r.Take()
		}
	}
	if got.Destination != 0xAD || got.Source != 0x45 || len(got.Payload) != 0 {
		t.Fatalf("got {dst=0x%X src=0x%X payload=% X}", got.Destination, got.Source, got.Payload)
	}
}

func TestReceiveSingleBytePayload(t *testing.T) {
	r := New(make([]byte, 64))
	stream := []byte{0xE2, 0xAD, 0x08, 0x45, 0xBF, 0x74, 0x0D, 0xE3}
	for i, b := range stream {
		ev := r.Feed(b, acceptFor(nodeAddr))
		if i == len(stream)-1 && ev != EventPacketReady {
			t.Fatalf("expected EventPacketReady, got %v", ev)
		}
	}
	got := r.Take()
	if got.Destination != 0xAD || got.Source != 0x45 || !bytes.Equal(got.Payload, []byte{0xBF}) {
		t.Fatalf("got {dst=0x%X src=0x%X payload=% X}", got.Destination, got.Source, got.Payload)
	}
}

func TestReceiveEscapedPayload(t *testing.T) {
	r := New(make([]byte, 64))
	stream := []byte{0xE2, 0xAD, 0x0B, 0x45, 0xE0, 0xE0, 0xE0, 0xE1, 0xE0, 0xE2, 0xE0, 0xE3, 0x31, 0x3D, 0xE3}
	var ready bool
	for _, b := range stream {
		if r.Feed(b, acceptFor(nodeAddr)) == EventPacketReady {
			ready = true
		}
	}
	if !ready {
		t.Fatal("expected a decoded packet")
	}
	got := r.Take()
	want := []byte{0xE0, 0xE1, 0xE2, 0xE3}
	if !bytes.Equal(got.Payload, want) {
		t.Fatalf("payload = % X, want % X", got.Payload, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x00},
		{0xE0, 0xE1, 0xE2, 0xE3},
		{0x01, 0x02, 0x03, 0xFF, 0xE0},
		bytes.Repeat([]byte{0xE2}, 32),
	}
	for _, payload := range payloads {
		p := geawire.Packet{Destination: nodeAddr, Source: 0x45, Payload: payload}
		wire := geawire.EncodeTo(nil, p)

		r := New(make([]byte, 256))
		var ready bool
		for _, b := range wire {
			if r.Feed(b, acceptFor(nodeAddr)) == EventPacketReady {
				ready = true
			}
		}
		if !ready {
			t.Fatalf("payload % X: frame not accepted", payload)
		}
		got := r.Take()
		if got.Destination != p.Destination || got.Source != p.Source || !bytes.Equal(got.Payload, payload) {
			t.Fatalf("payload % X: round trip mismatch: got % X", payload, got.Payload)
		}
	}
}

func TestBroadcastDestinationAccepted(t *testing.T) {
	wire := geawire.EncodeTo(nil, geawire.Packet{Destination: 0xF5, Source: 0x45, Payload: []byte{0x01}})
	r := New(make([]byte, 64))
	_, ready := feed(t, r, wire, acceptFor(nodeAddr))
	if ready != 1 {
		t.Fatal("expected broadcast frame to be accepted")
	}
}

func TestWrongDestinationDropped(t *testing.T) {
	wire := geawire.EncodeTo(nil, geawire.Packet{Destination: 0x22, Source: 0x45, Payload: []byte{0x01}})
	r := New(make([]byte, 64))
	last, ready := feed(t, r, wire, acceptFor(nodeAddr))
	if ready != 0 || last != EventFrameDropped {
		t.Fatalf("expected drop, got ready=%d last=%v", ready, last)
	}
}

func TestBadCRCDropped(t *testing.T) {
	wire := geawire.EncodeTo(nil, geawire.Packet{Destination: nodeAddr, Source: 0x45, Payload: []byte{0x01}})
	wire[4] ^= 0x10 // corrupt the payload byte without touching delimiters
	r := New(make([]byte, 64))
	last, ready := feed(t, r, wire, acceptFor(nodeAddr))
	if ready != 0 || last != EventFrameDropped {
		t.Fatalf("expected CRC drop, got ready=%d last=%v", ready, last)
	}
}

func TestBadLengthDropped(t *testing.T) {
	// Declared wire length says one payload byte, frame carries two.
	wire := geawire.EncodeTo(nil, geawire.Packet{Destination: nodeAddr, Source: 0x45, Payload: []byte{0x01}})
	r := New(make([]byte, 64))
	stream := append([]byte{}, wire[:len(wire)-1]...)
	stream = append(stream, 0x55, 0xE3)
	last, ready := feed(t, r, stream, acceptFor(nodeAddr))
	if ready != 0 || last != EventFrameDropped {
		t.Fatalf("expected length drop, got ready=%d last=%v", ready, last)
	}
}

func TestRuntFrameDropped(t *testing.T) {
	r := New(make([]byte, 64))
	last, ready := feed(t, r, []byte{0xE2, 0xAD, 0xE3}, acceptFor(nodeAddr))
	if ready != 0 || last != EventFrameDropped {
		t.Fatalf("expected runt drop, got ready=%d last=%v", ready, last)
	}
}

func TestEtxWithoutStxIgnored(t *testing.T) {
	r := New(make([]byte, 64))
	if ev := r.Feed(0xE3, acceptFor(nodeAddr)); ev != EventNone {
		t.Fatalf("stray ETX should be ignored, got %v", ev)
	}
}

func TestStxMidFrameRestartsAccumulator(t *testing.T) {
	good := geawire.EncodeTo(nil, geawire.Packet{Destination: nodeAddr, Source: 0x45, Payload: []byte{0xBF}})
	// A partial frame interrupted by the start of a complete one.
	stream := append([]byte{0xE2, 0xAD, 0x0A, 0x11, 0x22}, good...)
	r := New(make([]byte, 64))
	_, ready := feed(t, r, stream, acceptFor(nodeAddr))
	if ready != 1 {
		t.Fatalf("expected exactly the restarted frame, got %d", ready)
	}
}

func TestOversizedFrameDropped(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 32)
	wire := geawire.EncodeTo(nil, geawire.Packet{Destination: nodeAddr, Source: 0x45, Payload: payload})
	r := New(make([]byte, 16))
	_, ready := feed(t, r, wire, acceptFor(nodeAddr))
	if ready != 0 {
		t.Fatal("frame larger than the receive buffer must be dropped")
	}
}

func TestNilFilterAcceptsAnyDestination(t *testing.T) {
	wire := geawire.EncodeTo(nil, geawire.Packet{Destination: 0x22, Source: 0x45, Payload: nil})
	r := New(make([]byte, 64))
	_, ready := feed(t, r, wire, nil)
	if ready != 1 {
		t.Fatal("nil filter should accept any destination")
	}
}
