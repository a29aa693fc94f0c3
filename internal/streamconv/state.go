package streamconv

import (
	"context"

	"github.com/sirupsen/logrus"

	"claude-bridge/internal/convert"
	anthropicproto "claude-bridge/internal/proto/anthropic"
)

// EventSource is the pull side of a translated stream. Next returns io.EOF
// after message_stop has been delivered.
type EventSource interface {
	Next(ctx context.Context) (anthropicproto.Event, error)
}

// BlockStreamState is the per-request state of a stream translation. It is
// owned by exactly one stream and never shared.
type BlockStreamState struct {
	Started bool
	// Current is the type of the open block, empty when none is open.
	Current string
	// NextIndex is the index the next opened block receives; the open block,
	// if any, is NextIndex-1.
	NextIndex int
	// ToolBlocks and ToolIDs are keyed by the upstream's own tool identity:
	// the per-call index for Chat, the item id for Responses.
	ToolBlocks map[string]int
	ToolIDs    map[string]string
	// ToolArgs counts the argument bytes streamed per tool key.
	ToolArgs   map[string]int
	Usage      anthropicproto.Usage
	LastBlock  string
	StopReason string
	Finished   bool
	// Fallback is set when the stream was closed without an upstream
	// terminal signal.
	Fallback bool
}

type Option func(*options)

type options struct {
	log        logrus.FieldLogger
	onEvent    func(eventType string)
	onFallback func()
	onSkip     func()
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithEventHook is called once per emitted event.
func WithEventHook(fn func(eventType string)) Option {
	return func(o *options) { o.onEvent = fn }
}

// WithFallbackHook is called when the upstream ended without a terminal signal.
func WithFallbackHook(fn func()) Option {
	return func(o *options) { o.onFallback = fn }
}

// WithSkipHook is called for every well-formed frame whose shape could not be
// decoded and was dropped.
func WithSkipHook(fn func()) Option {
	return func(o *options) { o.onSkip = fn }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.log = l
	}
	return o
}

// emitter turns block-level operations into Messages events while keeping
// the block-index discipline: indices only grow, one block is open at a
// time, and every opened block is closed before message_stop.
type emitter struct {
	st    BlockStreamState
	id    string
	model string
	queue []anthropicproto.Event
	opts  options
}

func newEmitter(model string, o options) *emitter {
	return &emitter{
		st: BlockStreamState{
			ToolBlocks: map[string]int{},
			ToolIDs:    map[string]string{},
			ToolArgs:   map[string]int{},
		},
		id:    convert.NewMessageID(),
		model: model,
		opts:  o,
	}
}

func (e *emitter) push(ev anthropicproto.Event) {
	e.queue = append(e.queue, ev)
}

func (e *emitter) pop() (anthropicproto.Event, bool) {
	if len(e.queue) == 0 {
		return anthropicproto.Event{}, false
	}
	ev := e.queue[0]
	e.queue = e.queue[1:]
	if e.opts.onEvent != nil {
		e.opts.onEvent(ev.Type)
	}
	return ev, true
}

func (e *emitter) start() {
	if e.st.Started {
		return
	}
	e.st.Started = true
	e.push(anthropicproto.MessageStart(e.id, e.model, e.st.Usage))
}

func (e *emitter) closeBlock() {
	if e.st.Current == "" {
		return
	}
	e.push(anthropicproto.BlockStop(e.st.NextIndex - 1))
	e.st.Current = ""
}

func (e *emitter) openBlock(block anthropicproto.ContentBlock) int {
	e.start()
	e.closeBlock()
	idx := e.st.NextIndex
	e.st.NextIndex++
	e.st.Current = block.Type
	e.st.LastBlock = block.Type
	e.push(anthropicproto.BlockStart(idx, block))
	return idx
}

func (e *emitter) text(s string) {
	if s == "" {
		return
	}
	if e.st.Current != anthropicproto.BlockText {
		e.openBlock(anthropicproto.ContentBlock{Type: anthropicproto.BlockText})
	}
	e.push(anthropicproto.TextDelta(e.st.NextIndex-1, s))
}

func (e *emitter) thinking(s string) {
	if s == "" {
		return
	}
	if e.st.Current != anthropicproto.BlockThinking {
		e.openBlock(anthropicproto.ContentBlock{Type: anthropicproto.BlockThinking})
	}
	e.push(anthropicproto.ThinkingDelta(e.st.NextIndex-1, s))
}

func (e *emitter) signature(sig string) {
	if sig == "" || e.st.Current != anthropicproto.BlockThinking {
		return
	}
	e.push(anthropicproto.SignatureDelta(e.st.NextIndex-1, sig))
}

// tool opens a tool_use block the first time key is seen and emits args
// against the block recorded for key, which is not necessarily the open one.
func (e *emitter) tool(key, id, name, args string) {
	idx, ok := e.st.ToolBlocks[key]
	if !ok {
		if id == "" {
			id = convert.NewToolID()
		}
		idx = e.openBlock(anthropicproto.ContentBlock{Type: anthropicproto.BlockToolUse, ID: id, Name: name})
		e.st.ToolBlocks[key] = idx
		e.st.ToolIDs[key] = id
	}
	if args != "" {
		e.st.ToolArgs[key] += len(args)
		e.push(anthropicproto.InputJSONDelta(idx, args))
	}
}

// toolDone handles the complete arguments carried by a closing event. They
// are emitted only when nothing was streamed for key yet.
func (e *emitter) toolDone(key, id, name, args string) {
	if e.st.ToolArgs[key] > 0 {
		return
	}
	e.tool(key, id, name, args)
}

// finish runs the closing sequence once.
func (e *emitter) finish(stopReason string) {
	if e.st.Finished {
		return
	}
	e.start()
	e.closeBlock()
	e.st.StopReason = stopReason
	e.st.Finished = true
	e.push(anthropicproto.MessageDelta(stopReason, e.st.Usage))
	e.push(anthropicproto.MessageStop())
}

func (e *emitter) fallback() {
	if e.st.Finished {
		return
	}
	e.st.Fallback = true
	e.opts.log.WithFields(logrus.Fields{
		"message_id": e.id,
		"blocks":     e.st.NextIndex,
	}).Warn("upstream stream ended without a terminal signal")
	if e.opts.onFallback != nil {
		e.opts.onFallback()
	}
	e.finish(convert.StopReason("", e.st.LastBlock))
}
