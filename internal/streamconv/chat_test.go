package streamconv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-bridge/internal/apierr"
	anthropicproto "claude-bridge/internal/proto/anthropic"
	"claude-bridge/internal/sse"
)

func drain(t *testing.T, src EventSource) ([]anthropicproto.Event, error) {
	t.Helper()
	var out []anthropicproto.Event
	for i := 0; i < 10000; i++ {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	t.Fatal("stream did not terminate")
	return nil, nil
}

func types(events []anthropicproto.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

// requireBlockDiscipline checks that block starts are strictly increasing,
// at most one block is open at a time, and all blocks close before message_stop.
func requireBlockDiscipline(t *testing.T, events []anthropicproto.Event) {
	t.Helper()
	require.NotEmpty(t, events)
	require.Equal(t, anthropicproto.EventMessageStart, events[0].Type)

	last := -1
	open := -1
	started := map[int]bool{}
	stopped := map[int]bool{}
	for i, ev := range events {
		switch ev.Type {
		case anthropicproto.EventMessageStart:
			require.Zero(t, i, "message_start must come first")
		case anthropicproto.EventContentBlockStart:
			require.Greater(t, ev.Index, last, "event %d", i)
			require.Equal(t, -1, open, "block %d opened while %d is open", ev.Index, open)
			last, open = ev.Index, ev.Index
			started[ev.Index] = true
		case anthropicproto.EventContentBlockStop:
			require.Equal(t, open, ev.Index, "event %d", i)
			require.False(t, stopped[ev.Index])
			stopped[ev.Index] = true
			open = -1
		case anthropicproto.EventContentBlockDelta:
			require.True(t, started[ev.Index], "delta for unknown block %d", ev.Index)
		case anthropicproto.EventMessageStop:
			require.Equal(t, -1, open)
			require.Equal(t, len(events)-1, i, "message_stop must come last")
		}
	}
	assert.Equal(t, started, stopped)
	assert.Equal(t, anthropicproto.EventMessageStop, events[len(events)-1].Type)
	assert.Equal(t, anthropicproto.EventMessageDelta, events[len(events)-2].Type)
}

func chunk(delta string) sse.Frame {
	return sse.Data("", `{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":`+delta+`,"finish_reason":null}]}`)
}

func finishChunk(reason string) sse.Frame {
	return sse.Data("", `{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"`+reason+`"}]}`)
}

func usageChunk(in, out int) sse.Frame {
	return sse.Data("", fmt.Sprintf(`{"id":"c","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}}`, in, out, in+out))
}

func TestChatStreamText(t *testing.T) {
	s := NewChatStream(sse.Frames(
		chunk(`{"role":"assistant","content":""}`),
		chunk(`{"content":"Hello"}`),
		chunk(`{"content":" world"}`),
		finishChunk("stop"),
		usageChunk(12, 2),
	), "claude-sonnet-4-5")

	events, err := drain(t, s)
	require.NoError(t, err)
	requireBlockDiscipline(t, events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, types(events))

	assert.Equal(t, "claude-sonnet-4-5", events[0].Message.Model)
	assert.Equal(t, anthropicproto.BlockText, events[1].Block.Type)
	assert.Equal(t, "Hello", events[2].Delta.Text)
	assert.Equal(t, " world", events[3].Delta.Text)
	assert.Equal(t, anthropicproto.StopEndTurn, events[5].Delta.StopReason)
	assert.Equal(t, anthropicproto.Usage{InputTokens: 12, OutputTokens: 2}, *events[5].Usage)
	assert.False(t, s.State().Fallback)
}

func TestChatStreamThinkingTextAndTool(t *testing.T) {
	s := NewChatStream(sse.Frames(
		chunk(`{"role":"assistant","reasoning_content":"let me think"}`),
		chunk(`{"reasoning_content":" more"}`),
		chunk(`{"content":"I'll call it"}`),
		chunk(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":""}}]}`),
		chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}`),
		chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}`),
		finishChunk("stop"),
	), "m")

	events, err := drain(t, s)
	require.NoError(t, err)
	requireBlockDiscipline(t, events)

	var starts []anthropicproto.ContentBlock
	for _, ev := range events {
		if ev.Type == anthropicproto.EventContentBlockStart {
			starts = append(starts, *ev.Block)
		}
	}
	require.Len(t, starts, 3)
	assert.Equal(t, anthropicproto.BlockThinking, starts[0].Type)
	assert.Equal(t, anthropicproto.BlockText, starts[1].Type)
	assert.Equal(t, anthropicproto.BlockToolUse, starts[2].Type)
	assert.Equal(t, "call_1", starts[2].ID)
	assert.Equal(t, "lookup", starts[2].Name)

	var args strings.Builder
	for _, ev := range events {
		if ev.Delta.Type == anthropicproto.DeltaInputJSON {
			assert.Equal(t, 2, ev.Index)
			args.WriteString(ev.Delta.PartialJSON)
		}
	}
	assert.JSONEq(t, `{"q":"x"}`, args.String())

	// upstream said "stop" but the last block was a tool call
	assert.Equal(t, anthropicproto.StopToolUse, s.State().StopReason)
}

func TestChatStreamToolInterleaving(t *testing.T) {
	s := NewChatStream(sse.Frames(
		chunk(`{"role":"assistant","content":null}`),
		chunk(`{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"a","arguments":"{\"x\""}}]}`),
		chunk(`{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"b","arguments":"{\"y\""}}]}`),
		chunk(`{"tool_calls":[{"index":0,"function":{"arguments":":1}"}}]}`),
		chunk(`{"tool_calls":[{"index":1,"function":{"arguments":":2}"}}]}`),
		finishChunk("tool_calls"),
	), "m")

	events, err := drain(t, s)
	require.NoError(t, err)
	requireBlockDiscipline(t, events)

	args := map[int]string{}
	for _, ev := range events {
		if ev.Delta.Type == anthropicproto.DeltaInputJSON {
			args[ev.Index] += ev.Delta.PartialJSON
		}
	}
	assert.Equal(t, map[int]string{0: `{"x":1}`, 1: `{"y":2}`}, args)
	assert.Equal(t, map[string]int{"0": 0, "1": 1}, s.State().ToolBlocks)
	assert.Equal(t, map[string]string{"0": "call_a", "1": "call_b"}, s.State().ToolIDs)
}

func TestChatStreamToolCallsWithoutIndex(t *testing.T) {
	s := NewChatStream(sse.Frames(
		chunk(`{"role":"assistant","content":null}`),
		chunk(`{"tool_calls":[{"id":"call_a","function":{"name":"a","arguments":"{\"x\""}}]}`),
		chunk(`{"tool_calls":[{"function":{"arguments":":1}"}}]}`),
		chunk(`{"tool_calls":[{"id":"call_b","function":{"name":"b","arguments":"{\"y\":2}"}}]}`),
		finishChunk("tool_calls"),
	), "m")

	events, err := drain(t, s)
	require.NoError(t, err)
	requireBlockDiscipline(t, events)

	args := map[int]string{}
	for _, ev := range events {
		if ev.Delta.Type == anthropicproto.DeltaInputJSON {
			args[ev.Index] += ev.Delta.PartialJSON
		}
	}
	assert.Equal(t, map[int]string{0: `{"x":1}`, 1: `{"y":2}`}, args)
	assert.Equal(t, map[string]string{"0": "call_a", "1": "call_b"}, s.State().ToolIDs)
}

func TestChatStreamSynthesizesToolID(t *testing.T) {
	s := NewChatStream(sse.Frames(
		chunk(`{"tool_calls":[{"index":0,"function":{"name":"f","arguments":"{}"}}]}`),
		finishChunk("tool_calls"),
	), "m")

	events, err := drain(t, s)
	require.NoError(t, err)
	requireBlockDiscipline(t, events)
	require.Equal(t, anthropicproto.EventContentBlockStart, events[1].Type)
	assert.True(t, strings.HasPrefix(events[1].Block.ID, "toolu_"))
	assert.Equal(t, events[1].Block.ID, s.State().ToolIDs["0"])
}

func TestChatStreamFallbackWithoutFinishReason(t *testing.T) {
	fallbacks := 0
	s := NewChatStream(sse.Frames(
		chunk(`{"content":"partial"}`),
	), "m", WithFallbackHook(func() { fallbacks++ }))

	events, err := drain(t, s)
	require.NoError(t, err)
	requireBlockDiscipline(t, events)
	assert.Equal(t, anthropicproto.StopEndTurn, events[len(events)-2].Delta.StopReason)
	assert.True(t, s.State().Fallback)
	assert.Equal(t, 1, fallbacks)
}

func TestChatStreamFinishWaitsForOneUsageChunk(t *testing.T) {
	s := NewChatStream(sse.Frames(
		chunk(`{"content":"a"}`),
		finishChunk("length"),
		usageChunk(5, 7),
		chunk(`{"content":"ignored"}`),
	), "m")

	events, err := drain(t, s)
	require.NoError(t, err)
	requireBlockDiscipline(t, events)
	md := events[len(events)-2]
	assert.Equal(t, anthropicproto.StopMaxTokens, md.Delta.StopReason)
	assert.Equal(t, 7, md.Usage.OutputTokens)
	for _, ev := range events {
		assert.NotEqual(t, "ignored", ev.Delta.Text)
	}
}

func TestChatStreamFatalFirstFrame(t *testing.T) {
	body := "data: {not json\n\ndata: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n"
	s := NewChatStream(sse.NewReader(strings.NewReader(body)), "m")

	events, err := drain(t, s)
	var fde *apierr.FrameDecodeError
	require.ErrorAs(t, err, &fde)
	assert.Empty(t, events)
}

func TestChatStreamSkipsBadMidStreamFrame(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"index":0,"delta":{"content":"a"}}]}`,
		`data: {broken`,
		`data: {"choices":[{"index":0,"delta":{"content":"b"}}]}`,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")
	rd := sse.NewReader(strings.NewReader(body))
	s := NewChatStream(rd, "m")

	events, err := drain(t, s)
	require.NoError(t, err)
	requireBlockDiscipline(t, events)

	var text strings.Builder
	for _, ev := range events {
		text.WriteString(ev.Delta.Text)
	}
	assert.Equal(t, "ab", text.String())
	assert.Equal(t, 1, rd.Skipped())
}

func TestChatStreamInlineError(t *testing.T) {
	body := `{"error":{"message":"quota exceeded","type":"insufficient_quota"}}` + "\n"
	s := NewChatStream(sse.NewReader(strings.NewReader(body)), "m")

	events, err := drain(t, s)
	var inline *apierr.InlineError
	require.ErrorAs(t, err, &inline)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Empty(t, events)
}

func TestChatStreamErrorChunk(t *testing.T) {
	s := NewChatStream(sse.Frames(
		chunk(`{"content":"a"}`),
		sse.Data("", `{"error":{"type":"server_error","message":"boom"}}`),
	), "m")

	events, err := drain(t, s)
	var se *apierr.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "boom", se.Message)
	for _, ev := range events {
		assert.NotEqual(t, anthropicproto.EventMessageStop, ev.Type)
	}
}

func TestChatStreamCancellation(t *testing.T) {
	s := NewChatStream(sse.Frames(
		chunk(`{"content":"a"}`),
		chunk(`{"content":"b"}`),
		finishChunk("stop"),
	), "m")

	ctx, cancel := context.WithCancel(context.Background())
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, anthropicproto.EventMessageStart, ev.Type)

	cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.State().Finished)
}

func TestChatStreamRandomSequencesKeepDiscipline(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		var frames []sse.Frame
		for i := 0; i < 1+rng.Intn(12); i++ {
			switch rng.Intn(4) {
			case 0:
				frames = append(frames, chunk(`{"content":"t"}`))
			case 1:
				frames = append(frames, chunk(`{"reasoning_content":"r"}`))
			case 2:
				idx := rng.Intn(3)
				frames = append(frames, chunk(fmt.Sprintf(`{"tool_calls":[{"index":%d,"function":{"name":"f%d","arguments":"{}"}}]}`, idx, idx)))
			case 3:
				frames = append(frames, usageChunk(rng.Intn(50), rng.Intn(50)))
			}
		}
		if rng.Intn(2) == 0 {
			frames = append(frames, finishChunk("stop"))
		}

		s := NewChatStream(sse.Frames(frames...), "m")
		events, err := drain(t, s)
		require.NoError(t, err)
		requireBlockDiscipline(t, events)
		if s.State().LastBlock == anthropicproto.BlockToolUse {
			assert.Equal(t, anthropicproto.StopToolUse, s.State().StopReason)
		}
	}
}
