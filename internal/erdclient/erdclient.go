// Package erdclient layers a request/response engine over a GEA framer.
// Callers submit ERD read and write requests; the client queues them,
// transmits one at a time, matches bus traffic against the in-flight
// request, retries on timeout, and reports each terminal outcome through
// an activity event.
//
// It depends only on a minimal Sender interface, so the same Client works
// unmodified against a single-wire or full-duplex framer: callers wire the
// framer's OnReceive callback to HandleReceived themselves (see
// cmd/gea-bus-server), keeping this package free of an import cycle or a
// lowest-common-denominator framer interface spanning two otherwise
// unrelated packet types.
package erdclient

import (
	"bytes"
	"sync"
	"time"

	"github.com/geabus/bus-server/internal/geaevent"
	"github.com/geabus/bus-server/internal/geaqueue"
	"github.com/geabus/bus-server/internal/metrics"
)

// ERD-API command bytes. Responses reuse the request command byte.
const (
	cmdRead  = 0xF0
	cmdWrite = 0xF1
)

// BroadcastPeer, used as a request's peer address, accepts a response from
// any source.
const BroadcastPeer = 0xFF

// Kind distinguishes a Read request from a Write request.
type Kind int

const (
	Read Kind = iota
	Write
)

// Packet is the minimal view of a received frame this package needs;
// callers adapt their framer's own packet type to this shape.
type Packet struct {
	Destination byte
	Source      byte
	Payload     []byte
}

// Sender is the subset of the framer the request engine needs to transmit
// a built request payload.
type Sender interface {
	Send(dest byte, payloadLen int, build func(payload []byte)) bool
}

// ActivityKind enumerates the terminal events published per request.
type ActivityKind int

const (
	ReadCompleted ActivityKind = iota
	ReadFailed
	WriteCompleted
	WriteFailed
)

// FailureReason names why a request failed.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonRetriesExhausted
)

// ActivityEvent reports the outcome of a previously submitted Read or
// Write. For completed reads Data carries the response payload; for
// writes it carries the data that was (or was not) written.
type ActivityEvent struct {
	Kind      ActivityKind
	Peer      byte
	RequestID byte
	ERD       uint16
	Data      []byte
	Reason    FailureReason
}

// Client is the ERD request engine.
type Client struct {
	mu sync.Mutex

	sender Sender
	queue  *geaqueue.Queue

	requestTimeout time.Duration
	requestRetries uint8

	busy             bool
	remainingRetries uint8
	idBase           uint8
	timer            *time.Timer
	timerGen         uint64

	peekBuf []byte
	headBuf [recordOverhead]byte

	onActivity geaevent.Source[ActivityEvent]
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithRequestTimeout overrides the default 500ms wait for a response
// before retrying.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithRequestRetries overrides the default retry budget of 2. The budget
// counts retries beyond the first attempt.
func WithRequestRetries(n uint8) Option {
	return func(c *Client) { c.requestRetries = n }
}

// New constructs a Client that transmits through sender. maxQueued bounds
// the number of in-flight requests; maxPayload bounds write payload size.
func New(sender Sender, maxQueued, maxPayload int, opts ...Option) *Client {
	c := &Client{
		sender:         sender,
		queue:          geaqueue.New(maxQueued, recordOverhead+maxPayload),
		requestTimeout: 500 * time.Millisecond,
		requestRetries: 2,
		peekBuf:        make([]byte, recordOverhead+maxPayload),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnActivity registers fn to be called once per terminal request outcome.
// Subscribers may submit further reads and writes from inside the
// callback; those are appended behind whatever is already queued.
func (c *Client) OnActivity(fn func(ActivityEvent)) { c.onActivity.Subscribe(fn) }

// Queue records are the dedup unit: two requests are duplicates iff their
// serialized records are byte-identical. recordOverhead is the fixed
// prefix: kind, peer, erd_msb, erd_lsb, payload_len.
const recordOverhead = 5

func encodeRecord(dst []byte, kind Kind, peer byte, erd uint16, payload []byte) []byte {
	dst = append(dst[:0], byte(kind), peer, byte(erd>>8), byte(erd))
	dst = append(dst, byte(len(payload)))
	dst = append(dst, payload...)
	return dst
}

func decodeRecord(rec []byte) (kind Kind, peer byte, erd uint16, payload []byte) {
	kind = Kind(rec[0])
	peer = rec[1]
	erd = uint16(rec[2])<<8 | uint16(rec[3])
	n := int(rec[4])
	payload = rec[5 : 5+n]
	return
}

// decodeHeader reads only the fixed prefix, for callers that peeked a
// record partially and have no payload bytes in hand.
func decodeHeader(rec []byte) (kind Kind, peer byte, erd uint16) {
	return Kind(rec[0]), rec[1], uint16(rec[2])<<8 | uint16(rec[3])
}

// conflicts stops the dedup scan at queue entries the new request must not
// be merged across: a new Write conflicts with anything queued; a new Read
// only conflicts with a queued Write. Duplicate reads therefore merge
// across unrelated reads, but never across a write that could change the
// value in between. The asymmetry is deliberate.
func conflicts(newKind, queuedKind Kind) bool {
	if newKind == Write {
		return true
	}
	return queuedKind == Write
}

// Read submits a read request for erd from peer. The returned ID is
// reported on the matching ReadCompleted/ReadFailed event. A read
// identical to one already queued (and not separated from it by a write)
// is not queued again; the existing request's ID is returned. ok is false
// if the request queue is full.
func (c *Client) Read(peer byte, erd uint16) (id byte, ok bool) {
	return c.submit(Read, peer, erd, nil)
}

// Write submits a write request for erd to peer with the given payload.
// Dedup and ID semantics match Read.
func (c *Client) Write(peer byte, erd uint16, data []byte) (id byte, ok bool) {
	return c.submit(Write, peer, erd, data)
}

func (c *Client) submit(kind Kind, peer byte, erd uint16, data []byte) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := encodeRecord(nil, kind, peer, erd, data)

	// Scan tail toward head for an identical pending request, stopping
	// at the first conflicting entry.
	for i := c.queue.Count() - 1; i >= 0; i-- {
		m, _ := c.queue.Peek(c.peekBuf, i)
		qrec := c.peekBuf[:m]
		if bytes.Equal(qrec, rec) {
			metrics.IncERDDeduped()
			return c.idBase + uint8(i), true
		}
		qKind, _, _, _ := decodeRecord(qrec)
		if conflicts(kind, qKind) {
			break
		}
	}

	offset := c.queue.Count()
	ok := c.queue.Enqueue(rec)
	id := c.idBase + uint8(offset)
	if ok && !c.busy {
		c.emitHead()
	}
	return id, ok
}

// emitHead starts processing the head request. Must be called with mu
// held, only when not busy.
func (c *Client) emitHead() {
	if c.queue.Count() == 0 {
		return
	}
	c.busy = true
	c.remainingRetries = c.requestRetries
	c.sendHead()
}

// sendHead builds and transmits the head request's wire payload, then arms
// the request timeout. Must be called with mu held.
func (c *Client) sendHead() {
	n, ok := c.queue.Peek(c.peekBuf, 0)
	if !ok {
		c.busy = false
		return
	}
	kind, peer, erd, payload := decodeRecord(c.peekBuf[:n])

	switch kind {
	case Read:
		c.sender.Send(peer, 4, func(frame []byte) {
			frame[0] = cmdRead
			frame[1] = 1
			frame[2] = byte(erd >> 8)
			frame[3] = byte(erd)
		})
	case Write:
		c.sender.Send(peer, 5+len(payload), func(frame []byte) {
			frame[0] = cmdWrite
			frame[1] = 1
			frame[2] = byte(erd >> 8)
			frame[3] = byte(erd)
			frame[4] = byte(len(payload))
			copy(frame[5:], payload)
		})
	}

	c.armTimer()
}

func (c *Client) armTimer() {
	c.timerGen++
	gen := c.timerGen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.requestTimeout, func() { c.onTimeout(gen) })
}

func (c *Client) stopTimer() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) onTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || !c.busy {
		c.mu.Unlock()
		return
	}
	if c.remainingRetries > 0 {
		c.remainingRetries--
		c.sendHead()
		c.mu.Unlock()
		return
	}
	evt := c.failedEventLocked()
	c.finishHeadLocked()
	c.mu.Unlock()
	c.onActivity.Publish(evt)
}

// failedEventLocked builds the RetriesExhausted event for the head
// request. Must be called with mu held, before the head is popped.
func (c *Client) failedEventLocked() ActivityEvent {
	n, _ := c.queue.Peek(c.peekBuf, 0)
	kind, peer, erd, payload := decodeRecord(c.peekBuf[:n])

	evt := ActivityEvent{
		Kind:      ReadFailed,
		Peer:      peer,
		RequestID: c.idBase,
		ERD:       erd,
		Reason:    ReasonRetriesExhausted,
	}
	if kind == Write {
		evt.Kind = WriteFailed
		evt.Data = append([]byte(nil), payload...)
	}
	return evt
}

// finishHeadLocked pops the head request, advances the ID base, and starts
// the next queued request if any. The caller publishes the terminal event
// after releasing mu, so activity subscribers can submit new requests
// without deadlocking; those land behind whatever is already queued.
func (c *Client) finishHeadLocked() {
	c.stopTimer()
	c.queue.Discard()
	c.idBase++
	c.busy = false
	c.emitHead()
}

// HandleReceived treats pkt as a candidate response to the in-flight
// request. Malformed or mismatched packets are silently ignored, leaving
// the request pending. Matching needs only the record's fixed header, so
// the queued request is peeked partially; the write payload is only
// materialized once a write response has actually matched.
func (c *Client) HandleReceived(pkt Packet) {
	c.mu.Lock()
	if !c.busy || c.queue.Count() == 0 {
		c.mu.Unlock()
		return
	}

	n, ok := c.queue.PeekPartial(c.headBuf[:], 0, 0)
	if !ok || n < recordOverhead {
		c.mu.Unlock()
		return
	}
	kind, peer, erd := decodeHeader(c.headBuf[:])

	if pkt.Source != peer && peer != BroadcastPeer {
		c.mu.Unlock()
		return
	}
	matchedKind, respData, valid := matchResponse(pkt.Payload)
	if !valid || matchedKind != kind || responseERD(pkt.Payload) != erd {
		c.mu.Unlock()
		return
	}

	evt := ActivityEvent{
		Kind:      ReadCompleted,
		Peer:      pkt.Source,
		RequestID: c.idBase,
		ERD:       erd,
		Data:      respData,
	}
	if kind == Write {
		evt.Kind = WriteCompleted
		m, _ := c.queue.Peek(c.peekBuf, 0)
		_, _, _, reqData := decodeRecord(c.peekBuf[:m])
		evt.Data = append([]byte(nil), reqData...)
	}
	c.finishHeadLocked()
	c.mu.Unlock()
	c.onActivity.Publish(evt)
}

func responseERD(payload []byte) uint16 {
	if len(payload) < 4 {
		return 0xFFFF // never matches a real request
	}
	return uint16(payload[2])<<8 | uint16(payload[3])
}

// matchResponse parses payload as a read or write ERD response, returning
// the request kind it answers and, for reads, the returned data.
func matchResponse(payload []byte) (kind Kind, data []byte, ok bool) {
	if len(payload) < 4 || payload[1] != 1 {
		return 0, nil, false
	}
	switch payload[0] {
	case cmdRead:
		if len(payload) < 5 {
			return 0, nil, false
		}
		size := int(payload[4])
		if len(payload) != 5+size {
			return 0, nil, false
		}
		return Read, payload[5 : 5+size], true
	case cmdWrite:
		if len(payload) != 4 {
			return 0, nil, false
		}
		return Write, nil, true
	default:
		return 0, nil, false
	}
}
