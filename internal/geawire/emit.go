package geawire

// emitStage enumerates the outbound byte stream of a frame:
// STX -> Destination -> PayloadLength -> Source -> Data* -> CRC_MSB ->
// CRC_LSB -> ETX -> Done.
type emitStage int

const (
	emitStageSTX emitStage = iota
	emitStageDestination
	emitStagePayloadLength
	emitStageSource
	emitStageData
	emitStageCRCMSB
	emitStageCRCLSB
	emitStageETX
	emitStageDone
)

// Emitter drives the shared byte-output stream used by both the GEA2
// single-wire sender (driven one byte per reflected byte) and the GEA3
// queued sender (driven byte after byte by its drain loop). It owns the
// escape redrive rule: when a field byte needs escaping, Next first
// returns Esc, then returns the original byte unchanged on the following
// call without advancing past that field. The escaped value is folded
// into the CRC exactly once.
type Emitter struct {
	packet  Packet
	stage   emitStage
	dataIdx int
	crc     uint16

	pending     bool
	pendingByte byte
	pendingFold bool
}

// NewEmitter constructs an Emitter that will stream the escaped wire
// representation of p, STX through ETX inclusive.
func NewEmitter(p Packet) *Emitter {
	return &Emitter{packet: p, crc: CRCSeed}
}

// Done reports whether every byte of the frame, including ETX, has been
// returned by Next.
func (e *Emitter) Done() bool { return e.stage == emitStageDone }

// Next returns the next byte to place on the wire. It must be called
// exactly once per outbound byte tick until Done reports true.
func (e *Emitter) Next() byte {
	if e.pending {
		b := e.pendingByte
		e.pending = false
		if e.pendingFold {
			e.crc = CRC16Byte(e.crc, b)
		}
		e.advance()
		return b
	}
	switch e.stage {
	case emitStageSTX:
		e.stage = emitStageDestination
		return Stx
	case emitStageDestination:
		return e.field(e.packet.Destination, true)
	case emitStagePayloadLength:
		return e.field(byte(len(e.packet.Payload)+TransmissionOverhead), true)
	case emitStageSource:
		return e.field(e.packet.Source, true)
	case emitStageData:
		return e.field(e.packet.Payload[e.dataIdx], true)
	case emitStageCRCMSB:
		return e.field(byte(e.crc>>8), false)
	case emitStageCRCLSB:
		return e.field(byte(e.crc), false)
	case emitStageETX:
		e.stage = emitStageDone
		return Etx
	default:
		return 0
	}
}

// field emits b, escaping it first if needed. fold selects whether b
// contributes to the running CRC (header and payload bytes do; the two CRC
// bytes themselves do not, since nothing downstream needs to see them
// folded in on the send side).
func (e *Emitter) field(b byte, fold bool) byte {
	if NeedsEscape(b) {
		e.pending = true
		e.pendingByte = b
		e.pendingFold = fold
		return Esc
	}
	if fold {
		e.crc = CRC16Byte(e.crc, b)
	}
	e.advance()
	return b
}

// advance moves past the field named by the current stage. Called once the
// field's real (unescaped) value has been committed to the wire.
func (e *Emitter) advance() {
	switch e.stage {
	case emitStageDestination:
		e.stage = emitStagePayloadLength
	case emitStagePayloadLength:
		e.stage = emitStageSource
	case emitStageSource:
		if len(e.packet.Payload) == 0 {
			e.stage = emitStageCRCMSB
		} else {
			e.stage = emitStageData
		}
	case emitStageData:
		e.dataIdx++
		if e.dataIdx >= len(e.packet.Payload) {
			e.stage = emitStageCRCMSB
		}
	case emitStageCRCMSB:
		e.stage = emitStageCRCLSB
	case emitStageCRCLSB:
		e.stage = emitStageETX
	}
}
