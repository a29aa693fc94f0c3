package streamconv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"claude-bridge/internal/apierr"
	"claude-bridge/internal/convert"
	anthropicproto "claude-bridge/internal/proto/anthropic"
	openaiproto "claude-bridge/internal/proto/openai"
	"claude-bridge/internal/sse"
)

// Responses stream event names.
const (
	EvResponseCreated       = "response.created"
	EvResponseInProgress    = "response.in_progress"
	EvResponseCompleted     = "response.completed"
	EvResponseDone          = "response.done"
	EvResponseFailed        = "response.failed"
	EvResponseIncomplete    = "response.incomplete"
	EvOutputItemAdded       = "response.output_item.added"
	EvOutputItemDone        = "response.output_item.done"
	EvContentPartAdded      = "response.content_part.added"
	EvOutputTextDelta       = "response.output_text.delta"
	EvFunctionCallDelta     = "response.function_call.delta"
	EvFunctionCallArgsDelta = "response.function_call_arguments.delta"
	EvFunctionCallArgsDone  = "response.function_call_arguments.done"
	EvReasoningSummaryDelta = "response.reasoning_summary_text.delta"
	EvReasoningTextDelta    = "response.reasoning_text.delta"
	EvReasoningDelta        = "response.reasoning.delta"
	EvError                 = "error"
)

// ResponsesStream translates Responses stream events into Messages events.
type ResponsesStream struct {
	src    sse.Source
	em     *emitter
	frames int
	err    error
	done   bool

	sawReasoning bool
}

func NewResponsesStream(src sse.Source, model string, opts ...Option) *ResponsesStream {
	return &ResponsesStream{src: src, em: newEmitter(model, buildOptions(opts))}
}

func (s *ResponsesStream) State() BlockStreamState { return s.em.st }

func (s *ResponsesStream) Next(ctx context.Context) (anthropicproto.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return anthropicproto.Event{}, err
		}
		if ev, ok := s.em.pop(); ok {
			return ev, nil
		}
		if s.err != nil {
			return anthropicproto.Event{}, s.err
		}
		if s.done {
			return anthropicproto.Event{}, io.EOF
		}

		frame, err := s.src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			s.done = true
			s.em.fallback()
			continue
		case err != nil:
			s.err = err
			continue
		}
		s.frames++
		if err := s.handle(frame); err != nil {
			s.err = err
		}
	}
}

// EventName returns the frame's event name, falling back to the payload type.
func EventName(frame sse.Frame) string {
	if frame.Event != "" {
		return frame.Event
	}
	return gjson.GetBytes(frame.Data, "type").String()
}

func (s *ResponsesStream) handle(frame sse.Frame) error {
	p := gjson.ParseBytes(frame.Data)
	if !p.IsObject() {
		if s.frames == 1 {
			return &apierr.FrameDecodeError{Frame: 0, Payload: string(frame.Data), Err: errors.New("payload is not an object")}
		}
		s.skip("responses event payload is not an object")
		return nil
	}

	name := EventName(frame)
	if name == EvError || (name == "" && p.Get("error").IsObject()) {
		return streamError(p, frame.Data)
	}

	s.mergeUsage(p.Get("response.usage"))

	switch name {
	case EvResponseCreated, EvResponseInProgress:
		s.em.start()

	case EvOutputItemAdded:
		item := p.Get("item")
		switch item.Get("type").String() {
		case "function_call":
			s.em.tool(ToolKey(p, item), item.Get("call_id").String(), item.Get("name").String(), item.Get("arguments").String())
		case "message":
			s.em.start()
		}

	case EvContentPartAdded:
		if p.Get("part.type").String() == "output_text" {
			s.em.text(p.Get("part.text").String())
		}

	case EvOutputTextDelta:
		s.em.start()
		s.em.text(DeltaText(p))

	case EvFunctionCallDelta, EvFunctionCallArgsDelta:
		s.em.tool(ToolKey(p, gjson.Result{}), p.Get("call_id").String(), p.Get("name").String(), DeltaText(p))

	case EvFunctionCallArgsDone:
		s.em.toolDone(ToolKey(p, gjson.Result{}), p.Get("call_id").String(), p.Get("name").String(), p.Get("arguments").String())

	case EvOutputItemDone:
		item := p.Get("item")
		switch item.Get("type").String() {
		case "function_call":
			s.em.toolDone(ToolKey(p, item), item.Get("call_id").String(), item.Get("name").String(), item.Get("arguments").String())
		case "reasoning":
			if !s.sawReasoning {
				item.Get("summary").ForEach(func(_, part gjson.Result) bool {
					s.reason(part.Get("text").String())
					return true
				})
			}
			s.em.signature(item.Get("encrypted_content").String())
		}

	case EvReasoningSummaryDelta, EvReasoningTextDelta, EvReasoningDelta:
		s.reason(DeltaText(p))
	}

	status := p.Get("response.status").String()
	if name == EvResponseDone || name == EvResponseCompleted || name == EvResponseFailed || name == EvResponseIncomplete ||
		status == "completed" || status == "failed" || status == "incomplete" {
		if !s.sawReasoning {
			s.reason(convert.ReasoningSummaryText(p.Get("response.reasoning.summary").String()))
		}
		s.complete(p, name, status)
	}
	return nil
}

func (s *ResponsesStream) reason(text string) {
	if text == "" {
		return
	}
	s.sawReasoning = true
	s.em.thinking(text)
}

func (s *ResponsesStream) complete(p gjson.Result, name, status string) {
	var details *openaiproto.IncompleteDetails
	if r := p.Get("response.incomplete_details.reason"); r.Exists() {
		details = &openaiproto.IncompleteDetails{Reason: r.String()}
	}
	if status == "" && name == EvResponseIncomplete {
		status = "incomplete"
	}
	if status == "failed" || name == EvResponseFailed {
		s.em.opts.log.WithField("error", p.Get("response.error.message").String()).Warn("upstream response failed")
	}
	stop := convert.StopReason(convert.ResponsesFinishReason(status, details), s.em.st.LastBlock)
	s.done = true
	s.em.finish(stop)
}

func (s *ResponsesStream) mergeUsage(u gjson.Result) {
	if !u.IsObject() {
		return
	}
	var usage openaiproto.ResponsesUsage
	if err := json.Unmarshal([]byte(u.Raw), &usage); err != nil {
		s.em.opts.log.WithError(err).Debug("ignoring malformed usage")
		return
	}
	s.em.st.Usage.Merge(convert.ResponsesUsage(&usage))
}

func (s *ResponsesStream) skip(msg string) {
	s.em.opts.log.WithFields(logrus.Fields{"frame": s.frames - 1}).Debug(msg)
	if s.em.opts.onSkip != nil {
		s.em.opts.onSkip()
	}
}

// ToolKey identifies a function call by item id, falling back to a key
// synthesized from the output index when the upstream omits the id.
func ToolKey(p, item gjson.Result) string {
	if id := item.Get("id").String(); id != "" {
		return id
	}
	if id := p.Get("item_id").String(); id != "" {
		return id
	}
	return "fc_" + strconv.FormatInt(p.Get("output_index").Int(), 10)
}

// DeltaText accepts both a plain string delta and the nested part forms.
func DeltaText(p gjson.Result) string {
	if d := p.Get("delta"); d.Type == gjson.String {
		return d.String()
	}
	for _, path := range []string{"delta.text", "delta.content", "part.text"} {
		if v := p.Get(path); v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func streamError(p gjson.Result, raw []byte) error {
	e := p
	if inner := p.Get("error"); inner.IsObject() {
		e = inner
	}
	typ := e.Get("code").String()
	if typ == "" {
		typ = e.Get("type").String()
	}
	if typ == EvError {
		typ = ""
	}
	return &apierr.StreamError{Type: typ, Message: e.Get("message").String(), Raw: raw}
}
