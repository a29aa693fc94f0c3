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

// ChatStream translates Chat Completions chunks into Messages events. It
// reads one upstream frame at a time, only when the caller asks for an event
// and the previous frame's events have been drained.
type ChatStream struct {
	src    sse.Source
	em     *emitter
	frames int
	err    error
	done   bool

	// stopping is set between the first finish_reason and the closing
	// sequence, which waits for at most one trailing usage chunk.
	stopping bool
	finish   string

	// positional maps a call's position within an index-less chunk to the
	// tool key it was last given.
	positional map[int]string
}

func NewChatStream(src sse.Source, model string, opts ...Option) *ChatStream {
	return &ChatStream{src: src, em: newEmitter(model, buildOptions(opts)), positional: map[int]string{}}
}

// State exposes the translation state, mostly for usage accounting once the
// stream is drained.
func (s *ChatStream) State() BlockStreamState { return s.em.st }

func (s *ChatStream) Next(ctx context.Context) (anthropicproto.Event, error) {
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
			if s.stopping {
				s.em.finish(s.stopReason())
			} else {
				s.em.fallback()
			}
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

func (s *ChatStream) handle(frame sse.Frame) error {
	if errObj := gjson.GetBytes(frame.Data, "error"); errObj.IsObject() {
		return &apierr.StreamError{
			Type:    errObj.Get("type").String(),
			Message: errObj.Get("message").String(),
			Raw:     frame.Data,
		}
	}

	var chunk openaiproto.ChatCompletionChunk
	if err := json.Unmarshal(frame.Data, &chunk); err != nil {
		if s.frames == 1 {
			return &apierr.FrameDecodeError{Frame: 0, Payload: string(frame.Data), Err: err}
		}
		s.em.opts.log.WithError(err).Debug("skipping undecodable chat chunk")
		if s.em.opts.onSkip != nil {
			s.em.opts.onSkip()
		}
		return nil
	}

	if chunk.Usage != nil {
		s.em.st.Usage.Merge(convert.ChatUsage(chunk.Usage))
	}

	if s.stopping {
		s.done = true
		s.em.finish(s.stopReason())
		return nil
	}
	if len(chunk.Choices) == 0 {
		return nil
	}

	choice := chunk.Choices[0]
	d := choice.Delta
	reasoning := d.ReasoningContent
	if reasoning == "" {
		reasoning = d.Reasoning
	}
	hasText := d.Content != nil && *d.Content != ""

	if d.Role != "" || hasText || reasoning != "" {
		s.em.start()
	}
	s.em.thinking(reasoning)
	if hasText {
		s.em.text(*d.Content)
	}
	for i, tc := range d.ToolCalls {
		s.em.tool(s.toolKey(i, tc), tc.ID, tc.Function.Name, tc.Function.Arguments)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		s.finish = *choice.FinishReason
		s.stopping = true
		s.em.closeBlock()
		if chunk.Usage != nil {
			s.done = true
			s.em.finish(s.stopReason())
		}
	}
	return nil
}

// toolKey keys a call by its upstream index. Without one, a call with a new
// id gets a fresh key and an id-less call continues the call last seen at
// the same position.
func (s *ChatStream) toolKey(pos int, tc openaiproto.ChatToolCall) string {
	if tc.Index != nil {
		return strconv.Itoa(*tc.Index)
	}
	if tc.ID == "" {
		if key, ok := s.positional[pos]; ok {
			return key
		}
		key := strconv.Itoa(pos)
		s.positional[pos] = key
		return key
	}
	for key, id := range s.em.st.ToolIDs {
		if id == tc.ID {
			s.positional[pos] = key
			return key
		}
	}
	key := strconv.Itoa(pos)
	for n := len(s.em.st.ToolBlocks); ; n++ {
		if _, taken := s.em.st.ToolBlocks[key]; !taken {
			break
		}
		key = strconv.Itoa(n)
	}
	s.positional[pos] = key
	return key
}

func (s *ChatStream) stopReason() string {
	stop := convert.StopReason(s.finish, s.em.st.LastBlock)
	s.em.opts.log.WithFields(logrus.Fields{
		"finish_reason": s.finish,
		"stop_reason":   stop,
	}).Debug("chat stream finished")
	return stop
}
