// Package stream implements the line-oriented record format used to relay
// model output: every record is `<tag>:<json payload>\n`.
package stream

// Record tags understood by the decoder. Any other tag is ignored.
const (
	TagTextDelta = '0'
	TagError     = '3'
	TagFinish    = 'd'
)

// FrameKind identifies what a decoded record means to a consumer.
type FrameKind int

const (
	KindTextDelta FrameKind = iota + 1
	KindFinish
	KindError
)

func (k FrameKind) String() string {
	switch k {
	case KindTextDelta:
		return "text-delta"
	case KindFinish:
		return "finish"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is one decoded record.
type Frame struct {
	Kind         FrameKind
	Text         string
	FinishReason string
	Err          error
}

// Terminal reports whether no more frames follow this one.
func (f Frame) Terminal() bool {
	return f.Kind == KindFinish || f.Kind == KindError
}

type textDeltaPayload struct {
	Type      string `json:"type"`
	TextDelta string `json:"textDelta"`
}

type finishPayload struct {
	Type         string `json:"type"`
	FinishReason string `json:"finishReason"`
}

type errorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
