package wire

import "bytes"

// decodeState mirrors the four-state machine from the original
// message factory: WaitHeader -> HeaderDone -> WaitPayload -> PayloadDone,
// with PayloadDone looping back to WaitHeader for the next frame.
type decodeState int

const (
	stateWaitHeader decodeState = iota
	stateHeaderDone
	stateWaitPayload
	statePayloadDone
)

// Decoder assembles frames out of an arbitrarily chunked byte stream.
// It owns a fixed-capacity buffer (HeaderSize+MaxPayload) and never
// lets its write cursor exceed that capacity; exceeding it is a
// framing error. Decoder is not safe for concurrent use — it belongs
// to exactly one connection's read loop.
type Decoder struct {
	buf   [MaxPacketSize]byte
	pos   int // write cursor: bytes currently buffered
	state decodeState

	msgNumber int
	payloadLn int
}

// NewDecoder returns a ready-to-use Decoder in the WaitHeader state.
func NewDecoder() *Decoder {
	return &Decoder{state: stateWaitHeader}
}

// Feed appends p to the internal buffer and decodes as many complete
// frames as are available, returning them in arrival order. A framing
// error aborts decoding and is fatal for the owning connection; the
// Decoder must not be reused afterward.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	var frames []Frame
	for len(p) > 0 {
		if d.pos == len(d.buf) {
			// The buffer is full and step() still needs more: a single
			// frame can never exceed MaxPacketSize, so for well-formed
			// input this is unreachable, but guard the invariant
			// explicitly rather than copying past capacity.
			return frames, ErrBadPayloadLength
		}
		n := copy(d.buf[d.pos:], p)
		d.pos += n
		p = p[n:]

		for {
			fr, ok, err := d.step()
			if err != nil {
				return frames, err
			}
			if !ok {
				break
			}
			frames = append(frames, fr)
		}
	}
	return frames, nil
}

// step attempts to advance the state machine by exactly one frame.
// It returns ok=true with a decoded Frame once a full frame is
// available, or ok=false when more bytes are needed ("need more").
func (d *Decoder) step() (Frame, bool, error) {
	switch d.state {
	case stateWaitHeader, statePayloadDone:
		if d.pos < HeaderSize {
			return Frame{}, false, nil
		}
		if !bytes.Equal(d.buf[magicOffset:magicOffset+magicLen], magic[:]) {
			return Frame{}, false, ErrBadMagic
		}
		msgNum, err := parseDecimalPadded(d.buf[msgNumOffset : msgNumOffset+msgNumLen])
		if err != nil {
			return Frame{}, false, err
		}
		payloadLn, err := parseDecimalPadded(d.buf[payloadLenOff : payloadLenOff+payloadLenLen])
		if err != nil {
			return Frame{}, false, err
		}
		if payloadLn == 0 || payloadLn > MaxPayload {
			return Frame{}, false, ErrBadPayloadLength
		}
		d.msgNumber = msgNum
		d.payloadLn = payloadLn
		d.state = stateHeaderDone
		return d.step()

	case stateHeaderDone, stateWaitPayload:
		total := HeaderSize + d.payloadLn
		if d.pos < total {
			d.state = stateWaitPayload
			return Frame{}, false, nil
		}
		payload := make([]byte, d.payloadLn)
		copy(payload, d.buf[HeaderSize:total])
		// Compact: move the suffix after this frame to offset 0.
		remaining := d.pos - total
		copy(d.buf[:remaining], d.buf[total:d.pos])
		d.pos = remaining
		d.state = statePayloadDone
		return Frame{MessageNumber: d.msgNumber, Payload: payload}, true, nil
	}
	return Frame{}, false, nil
}
