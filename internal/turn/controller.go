// Package turn drives one request/response exchange at a time for a
// conversation: it records the user message, relays the model reply as it
// streams and settles the reply as finalized or failed.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"relaychat/internal/conversation"
	app_errors "relaychat/internal/errors"
	"relaychat/internal/gateway"
	"relaychat/internal/model"
	"relaychat/internal/stream"
)

// FailureNotice is the text shown in place of a reply that could not be
// produced.
const FailureNotice = "Sorry, I encountered an error. Please try again."

type Status int

const (
	Idle Status = iota
	Sending
	Streaming
	Finalizing
	Failed
	// Recording is held while a message is appended outside a turn.
	Recording
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	case Failed:
		return "failed"
	case Recording:
		return "recording"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Sender forwards a conversation to the model.
type Sender interface {
	Send(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventAssistantStarted EventType = "assistant_started"
	EventDelta            EventType = "delta"
	EventFinalized        EventType = "finalized"
	EventFailed           EventType = "failed"
)

// Event is pushed to the sink as the turn progresses. Message is a snapshot
// taken when the event was raised.
type Event struct {
	Type    EventType
	Message model.Message
	Delta   string
	Err     error
}

// Sink receives events synchronously from the turn goroutine. It must not
// block on rendering.
type Sink func(Event)

type Input struct {
	Text              string
	SystemInstruction string
	Model             string
}

// Result describes a completed turn. Err holds the cause when the reply
// failed; the reply itself then carries FailureNotice.
type Result struct {
	User      model.Message
	Assistant model.Message
	Err       error
}

// Failed reports whether the reply could not be produced.
func (r Result) Failed() bool {
	return r.Assistant.Status == model.StatusFailed
}

type Controller struct {
	mu      sync.Mutex
	status  Status
	retired bool
	state   *conversation.State
	sender  Sender
}

func NewController(state *conversation.State, sender Sender) *Controller {
	return &Controller{state: state, sender: sender}
}

// State returns the conversation log driven by this controller.
func (c *Controller) State() *conversation.State {
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// retire stops the controller from accepting turns. It fails while a turn is
// running.
func (c *Controller) retire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != Idle {
		return app_errors.ErrConcurrentTurn
	}
	c.retired = true
	return nil
}

// begin moves an idle controller to s.
func (c *Controller) begin(s Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.retired:
		return fmt.Errorf("%w: conversation %s was deleted", app_errors.ErrNotFound, c.state.ID())
	case c.status != Idle:
		return app_errors.ErrConcurrentTurn
	}
	c.status = s
	return nil
}

// Record appends a finalized assistant message and hands it to persist
// before another turn can start. It is refused while a turn is running.
func (c *Controller) Record(content string, attachments []model.Attachment, persist func(model.Message) error) (model.Message, error) {
	if err := c.begin(Recording); err != nil {
		return model.Message{}, err
	}
	defer c.setStatus(Idle)

	msg, err := c.state.AppendAssistantMessage(content, attachments...)
	if err != nil {
		return model.Message{}, err
	}
	if persist != nil {
		if err := persist(msg); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// Submit runs one turn to completion. It returns an error only when the turn
// was refused before anything was recorded; model failures end the turn with
// a failed reply and are reported in Result.Err. The controller is Idle again
// when Submit returns.
func (c *Controller) Submit(ctx context.Context, in Input, sink Sink) (Result, error) {
	if sink == nil {
		sink = func(Event) {}
	}
	if strings.TrimSpace(in.Text) == "" {
		return Result{}, fmt.Errorf("%w: message text must not be empty", app_errors.ErrValidation)
	}

	if err := c.begin(Sending); err != nil {
		return Result{}, err
	}
	defer c.setStatus(Idle)

	user, err := c.state.AppendUserMessage(in.Text)
	if err != nil {
		return Result{}, err
	}
	sink(Event{Type: EventUserMessage, Message: user})
	res := Result{User: user}

	resp, err := c.sender.Send(ctx, gateway.Request{
		Messages:          c.state.History(),
		SystemInstruction: in.SystemInstruction,
		Model:             in.Model,
		Mode:              gateway.Streaming,
	})
	if err != nil {
		c.setStatus(Failed)
		reply, berr := c.state.BeginAssistantMessage()
		if berr != nil {
			return res, berr
		}
		sink(Event{Type: EventAssistantStarted, Message: reply})
		return c.fail(res, reply.ID, err, sink), nil
	}
	defer func() { _ = resp.Stream.Close() }()

	c.setStatus(Streaming)
	reply, err := c.state.BeginAssistantMessage()
	if err != nil {
		return res, err
	}
	sink(Event{Type: EventAssistantStarted, Message: reply})

	reader := stream.NewReader(resp.Stream)
	for {
		f, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return c.finalize(res, reply.ID, sink), nil
		}
		if err != nil {
			return c.fail(res, reply.ID, err, sink), nil
		}

		switch f.Kind {
		case stream.KindTextDelta:
			if err := c.state.AppendDelta(reply.ID, f.Text); err != nil {
				return c.fail(res, reply.ID, err, sink), nil
			}
			if f.Text != "" {
				sink(Event{Type: EventDelta, Message: model.Message{ID: reply.ID, Role: model.RoleAssistant, Status: model.StatusStreaming}, Delta: f.Text})
			}
		case stream.KindFinish:
			return c.finalize(res, reply.ID, sink), nil
		case stream.KindError:
			return c.fail(res, reply.ID, f.Err, sink), nil
		}
	}
}

func (c *Controller) finalize(res Result, replyID string, sink Sink) Result {
	c.setStatus(Finalizing)
	msg, err := c.state.Finalize(replyID)
	if err != nil {
		return c.fail(res, replyID, err, sink)
	}
	res.Assistant = msg
	sink(Event{Type: EventFinalized, Message: msg})
	return res
}

func (c *Controller) fail(res Result, replyID string, cause error, sink Sink) Result {
	c.setStatus(Failed)
	slog.Warn("Turn failed", "conversation_id", c.state.ID(), "message_id", replyID, "error", cause)

	msg, err := c.state.Fail(replyID, FailureNotice)
	if err != nil {
		// The slot was already settled; report what the log holds.
		msg, _ = c.state.Message(replyID)
	}
	res.Assistant = msg
	res.Err = cause
	sink(Event{Type: EventFailed, Message: msg, Err: cause})
	return res
}
