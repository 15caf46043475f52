package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	app_errors "relaychat/internal/errors"
)

// MaxRecordSize bounds a single buffered record. Longer records are dropped
// as malformed.
const MaxRecordSize = 1 << 20

// Decoder turns arbitrary chunks of a record stream into frames. Partial
// records are held until their newline arrives, so the frames produced do
// not depend on where the chunk boundaries fall. A Decoder serves exactly one
// stream.
type Decoder struct {
	pending    []byte
	discarding bool
	terminated bool
	closed     bool
	skipped    int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the next chunk and returns every frame completed by it, in
// arrival order. Malformed or unrecognized records are skipped.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.closed || len(chunk) == 0 {
		return nil
	}

	var frames []Frame
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.buffer(chunk)
			break
		}

		switch {
		case d.discarding:
			d.discarding = false
		case len(d.pending)+i > MaxRecordSize:
			d.skip("record exceeds maximum size", nil)
		default:
			var line []byte
			if len(d.pending) > 0 {
				line = append(d.pending, chunk[:i]...)
			} else {
				line = chunk[:i]
			}
			if f, ok := d.record(line); ok {
				frames = append(frames, f)
			}
		}
		d.pending = d.pending[:0]
		chunk = chunk[i+1:]
	}
	return frames
}

// Close signals end of input. A non-empty partial record left in the buffer
// yields a terminal error frame wrapping ErrStreamTruncated.
func (d *Decoder) Close() []Frame {
	if d.closed {
		return nil
	}
	d.closed = true

	rest := bytes.TrimSpace(d.pending)
	d.pending = nil
	if d.terminated || (len(rest) == 0 && !d.discarding) {
		return nil
	}
	d.terminated = true
	return []Frame{{
		Kind: KindError,
		Err:  fmt.Errorf("%w: %d bytes after the last complete record", app_errors.ErrStreamTruncated, len(rest)),
	}}
}

// Skipped returns how many malformed or unrecognized records were dropped.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) buffer(part []byte) {
	if d.discarding {
		return
	}
	if len(d.pending)+len(part) > MaxRecordSize {
		d.skip("record exceeds maximum size", nil)
		d.pending = d.pending[:0]
		d.discarding = true
		return
	}
	d.pending = append(d.pending, part...)
}

// record decodes one complete line. ok is false for blank lines, skipped
// records and anything after a terminal frame.
func (d *Decoder) record(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 || d.terminated {
		return Frame{}, false
	}
	if len(line) < 2 || line[1] != ':' {
		d.skip("record has no type tag", line)
		return Frame{}, false
	}

	tag, payload := line[0], line[2:]
	if !json.Valid(payload) {
		d.skip("record payload is not valid JSON", line)
		return Frame{}, false
	}

	var (
		f   Frame
		err error
	)
	switch tag {
	case TagTextDelta:
		f, err = decodeTextDelta(payload)
	case TagFinish:
		f, err = decodeFinish(payload)
	case TagError:
		f, err = decodeError(payload)
	default:
		d.skip("unrecognized record tag", line)
		return Frame{}, false
	}
	if err != nil {
		d.skip(err.Error(), line)
		return Frame{}, false
	}
	if f.Terminal() {
		d.terminated = true
	}
	return f, true
}

func (d *Decoder) skip(reason string, line []byte) {
	d.skipped++
	if len(line) > 120 {
		line = line[:120]
	}
	slog.Debug("Skipping stream record", "reason", reason, "record", string(line))
}

var errUnsupportedPayload = errors.New("unsupported payload type")

func decodeTextDelta(payload []byte) (Frame, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return Frame{Kind: KindTextDelta, Text: s}, nil
	}
	var p textDeltaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Frame{}, fmt.Errorf("text delta: %w", err)
	}
	if p.Type != "text-delta" {
		return Frame{}, fmt.Errorf("text delta %q: %w", p.Type, errUnsupportedPayload)
	}
	return Frame{Kind: KindTextDelta, Text: p.TextDelta}, nil
}

func decodeFinish(payload []byte) (Frame, error) {
	var p finishPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Frame{}, fmt.Errorf("finish: %w", err)
	}
	if p.Type != "" && p.Type != "finish" {
		return Frame{}, fmt.Errorf("finish %q: %w", p.Type, errUnsupportedPayload)
	}
	reason := p.FinishReason
	if reason == "" {
		reason = FinishReasonStop
	}
	return Frame{Kind: KindFinish, FinishReason: reason}, nil
}

func decodeError(payload []byte) (Frame, error) {
	var msg string
	if err := json.Unmarshal(payload, &msg); err != nil {
		var p errorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Frame{}, fmt.Errorf("error record: %w", err)
		}
		if p.Type != "" && p.Type != "error" {
			return Frame{}, fmt.Errorf("error record %q: %w", p.Type, errUnsupportedPayload)
		}
		msg = p.Error
	}
	if msg == "" {
		msg = "upstream reported an error"
	}
	return Frame{Kind: KindError, Err: &app_errors.GatewayError{Err: errors.New(msg)}}, nil
}
