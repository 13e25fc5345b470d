// Package geawire implements the GEA2/GEA3 framing rules shared by both
// link-layer variants: the escape set, the CRC-16 routine, the STX/ETX
// delimiters and broadcast-address semantics.
package geawire

// Special bytes. Any of these appearing as a data byte must be escaped on
// the wire (see NeedsEscape).
const (
	Esc byte = 0xE0
	Ack byte = 0xE1
	Stx byte = 0xE2
	Etx byte = 0xE3
)

// CRCSeed is the initial value fed into the CRC-16 routine for every frame.
const CRCSeed uint16 = 0x1021

// GEA3BroadcastAddress is the single broadcast address recognized by GEA3.
const GEA3BroadcastAddress byte = 0xFF

// GEA2BroadcastMask matches any address whose top nibble is 0xF, the GEA2
// single-wire broadcast range.
const GEA2BroadcastMask byte = 0xF0

// TransmissionOverhead is the difference between a packet's on-the-wire
// payload_length field and the size of its in-memory payload. The wire
// field counts the whole unescaped frame: header, payload, CRC and both
// delimiters, so an empty-payload frame carries a payload_length of 7.
const TransmissionOverhead = 7

// CRCSize is the width, in bytes, of the trailing CRC field.
const CRCSize = 2

// HeaderSize is the number of buffered header bytes preceding the payload:
// destination, payload_length, source.
const HeaderSize = 3

// MinPayload is the smallest legal payload length (empty payload allowed).
const MinPayload = 0

// NeedsEscape reports whether b must be preceded by Esc when transmitted as
// frame data. STX/ETX/ACK are only special when they appear as the
// delimiter/handshake byte itself, never as escaped data: a byte destined
// for the payload that happens to collide with one of these values still
// goes through NeedsEscape like any other 0xE0-0xE3 byte.
func NeedsEscape(b byte) bool {
	return b&0xFC == Esc
}

// IsGEA2Broadcast reports whether addr is a GEA2 single-wire broadcast
// destination (top nibble 0xF).
func IsGEA2Broadcast(addr byte) bool {
	return addr&GEA2BroadcastMask == GEA2BroadcastMask
}

// IsGEA3Broadcast reports whether addr is the GEA3 broadcast destination.
func IsGEA3Broadcast(addr byte) bool {
	return addr == GEA3BroadcastAddress
}

// CRC16Byte folds one unescaped byte into a running CRC-16 accumulator
// (CCITT polynomial 0x1021, MSB first). A receiver that folds in the two
// CRC bytes of a valid frame ends with an accumulator of zero.
func CRC16Byte(crc uint16, b byte) uint16 {
	crc ^= uint16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = crc<<1 ^ 0x1021
		} else {
			crc <<= 1
		}
	}
	return crc
}

// CRC16Block folds a run of unescaped bytes into crc.
func CRC16Block(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = CRC16Byte(crc, b)
	}
	return crc
}

// Packet is the in-memory, unescaped representation of a decoded or
// to-be-encoded GEA packet. PayloadLength in this representation always
// equals len(Payload) -- the wire's transmission-overhead adjustment is
// applied only at encode/decode time.
type Packet struct {
	Destination byte
	Source      byte
	Payload     []byte
}

// EncodeTo appends the full escaped wire representation of p (STX through
// ETX inclusive) to dst and returns the extended slice.
func EncodeTo(dst []byte, p Packet) []byte {
	wireLen := byte(len(p.Payload) + TransmissionOverhead)
	crc := CRCSeed

	dst = append(dst, Stx)
	dst, crc = appendEscaped(dst, p.Destination, crc)
	dst, crc = appendEscaped(dst, wireLen, crc)
	dst, crc = appendEscaped(dst, p.Source, crc)
	for _, b := range p.Payload {
		dst, crc = appendEscaped(dst, b, crc)
	}
	msb, lsb := byte(crc>>8), byte(crc)
	dst, _ = appendEscaped(dst, msb, crc)
	dst, _ = appendEscaped(dst, lsb, crc)
	dst = append(dst, Etx)
	return dst
}

func appendEscaped(dst []byte, b byte, crc uint16) ([]byte, uint16) {
	if NeedsEscape(b) {
		dst = append(dst, Esc)
	}
	dst = append(dst, b)
	return dst, CRC16Byte(crc, b)
}
