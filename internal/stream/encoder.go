package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// FinishReasonStop is reported when the model completed normally.
const FinishReasonStop = "stop"

// Encoder writes records to w. If w is an http.Flusher it is flushed after
// every record so clients see tokens as they arrive.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// TextDelta writes a `0:` record. Empty deltas are not written.
func (e *Encoder) TextDelta(text string) error {
	if text == "" {
		return nil
	}
	return e.write(TagTextDelta, textDeltaPayload{Type: "text-delta", TextDelta: text})
}

// Finish writes the `d:` completion record.
func (e *Encoder) Finish(reason string) error {
	if reason == "" {
		reason = FinishReasonStop
	}
	return e.write(TagFinish, finishPayload{Type: "finish", FinishReason: reason})
}

// Error writes the `3:` terminal error record.
func (e *Encoder) Error(message string) error {
	return e.write(TagError, errorPayload{Type: "error", Error: message})
}

func (e *Encoder) write(tag byte, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal %c record: %w", tag, err)
	}
	record := make([]byte, 0, len(data)+3)
	record = append(record, tag, ':')
	record = append(record, data...)
	record = append(record, '\n')
	if _, err := e.w.Write(record); err != nil {
		return fmt.Errorf("stream: write %c record: %w", tag, err)
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
