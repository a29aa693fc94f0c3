package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"claude-bridge/internal/apierr"
	"claude-bridge/internal/sse"
)

func TestAggregateBuildsDocumentFromDeltas(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.created", `{"type":"response.created","response":{"id":"resp_1","object":"response","status":"in_progress","model":"gpt-x"}}`),
		sse.Data("response.output_item.added", `{"output_index":0,"item":{"id":"msg_1","type":"message","role":"assistant","content":[]}}`),
		sse.Data("response.content_part.added", `{"output_index":0,"content_index":0,"part":{"type":"output_text","text":"","annotations":[]}}`),
		sse.Data("response.output_text.delta", `{"output_index":0,"content_index":0,"delta":"Hel"}`),
		sse.Data("response.output_text.delta", `{"output_index":0,"content_index":0,"delta":"lo"}`),
		sse.Data("response.completed", `{"response":{"id":"resp_1","object":"response","status":"completed","output":[],"usage":{"input_tokens":5,"output_tokens":2,"total_tokens":0}}}`),
	), nil)
	require.NoError(t, err)

	d := gjson.ParseBytes(doc)
	assert.Equal(t, "resp_1", d.Get("id").String())
	assert.Equal(t, "completed", d.Get("status").String())
	assert.Equal(t, int64(1), d.Get("output.#").Int())
	assert.Equal(t, "msg_1", d.Get("output.0.id").String())
	assert.Equal(t, "Hello", d.Get("output.0.content.0.text").String())
	assert.Equal(t, "output_text", d.Get("output.0.content.0.type").String())
	assert.Equal(t, int64(7), d.Get("usage.total_tokens").Int())
}

func TestAggregateReturnsAuthoritativeDocument(t *testing.T) {
	final := `{"id":"resp_9","object":"response","status":"completed","output":[{"type":"message","id":"m","role":"assistant","content":[{"type":"output_text","text":"full","annotations":[]}]}],"usage":{"input_tokens":1,"output_tokens":1,"total_tokens":2}}`
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.output_text.delta", `{"output_index":0,"delta":"partial"}`),
		sse.Data("response.completed", `{"type":"response.completed","response":`+final+`}`),
	), nil)
	require.NoError(t, err)
	assert.JSONEq(t, final, string(doc))

	// feeding the result back in as a single completion event is stable
	again, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.completed", `{"type":"response.completed","response":`+string(doc)+`}`),
	), nil)
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(again))
}

func TestAggregateFillsMissingUsage(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.in_progress", `{"response":{"status":"in_progress","usage":{"input_tokens":3,"output_tokens":4,"total_tokens":7}}}`),
		sse.Data("response.completed", `{"response":{"status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"x"}]}]}}`),
	), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), gjson.GetBytes(doc, "usage.total_tokens").Int())
}

func TestAggregateFunctionCallsClaimSlots(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.output_item.added", `{"output_index":0,"item":{"id":"ws_1","type":"web_search_call","status":"in_progress"}}`),
		sse.Data("response.output_item.added", `{"output_index":0,"item":{"id":"fc_1","type":"function_call","call_id":"call_1","name":"lookup","arguments":""}}`),
		sse.Data("response.function_call_arguments.delta", `{"item_id":"fc_1","output_index":0,"delta":"{\"q\":"}`),
		sse.Data("response.function_call_arguments.delta", `{"item_id":"fc_1","output_index":0,"delta":"1}"}`),
		sse.Data("response.output_item.done", `{"output_index":0,"item":{"id":"ws_1","type":"web_search_call","status":"completed","queries":["go sse"]}}`),
		sse.Data("response.completed", `{"response":{"status":"completed","output":[]}}`),
	), nil)
	require.NoError(t, err)

	d := gjson.ParseBytes(doc)
	require.Equal(t, int64(2), d.Get("output.#").Int())
	assert.Equal(t, "function_call", d.Get("output.0.type").String())
	assert.Equal(t, "call_1", d.Get("output.0.call_id").String())
	assert.Equal(t, `{"q":1}`, d.Get("output.0.arguments").String())
	assert.Equal(t, "web_search_call", d.Get("output.1.type").String())
	assert.Equal(t, "go sse", d.Get("output.1.queries.0").String())
}

func TestAggregateRecoversWrappedArguments(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.function_call.delta", `{"output_index":1,"delta":"{\"name\":\"calc\",\"arguments\":\"{\\\"x\\\":2}\"}"}`),
		sse.Data("response.function_call.delta", `{"output_index":2,"name":"raw","delta":"not json"}`),
		sse.Data("response.completed", `{"response":{"status":"completed"}}`),
	), nil)
	require.NoError(t, err)

	d := gjson.ParseBytes(doc)
	require.Equal(t, int64(2), d.Get("output.#").Int())
	assert.Equal(t, "calc", d.Get("output.0.name").String())
	assert.Equal(t, `{"x":2}`, d.Get("output.0.arguments").String())
	assert.Equal(t, "fc_1", d.Get("output.0.call_id").String())
	assert.Equal(t, "raw", d.Get("output.1.name").String())
	assert.Equal(t, "not json", d.Get("output.1.arguments").String())
}

func TestAggregateFailedCarriesError(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.output_text.delta", `{"output_index":0,"delta":"so far"}`),
		sse.Data("response.failed", `{"response":{"status":"failed","error":{"code":"server_error","message":"boom"}}}`),
	), nil)
	require.NoError(t, err)

	d := gjson.ParseBytes(doc)
	assert.Equal(t, "failed", d.Get("status").String())
	assert.Equal(t, "boom", d.Get("error.message").String())
	assert.Equal(t, "so far", d.Get("output.0.content.0.text").String())
}

func TestAggregateKeepsIncompleteStatus(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.output_text.delta", `{"output_index":0,"delta":"cut"}`),
		sse.Data("response.incomplete", `{"response":{"status":"incomplete","incomplete_details":{"reason":"max_output_tokens"}}}`),
	), nil)
	require.NoError(t, err)
	assert.Equal(t, "incomplete", gjson.GetBytes(doc, "status").String())
	assert.Equal(t, "max_output_tokens", gjson.GetBytes(doc, "incomplete_details.reason").String())
}

func TestAggregateIncompleteFromEventName(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.output_text.delta", `{"output_index":0,"delta":"cut"}`),
		sse.Data("response.incomplete", `{"response":{"incomplete_details":{"reason":"max_output_tokens"}}}`),
	), nil)
	require.NoError(t, err)
	assert.Equal(t, "incomplete", gjson.GetBytes(doc, "status").String())
	assert.Equal(t, "cut", gjson.GetBytes(doc, "output.0.content.0.text").String())

	doc, err = Aggregate(context.Background(), sse.Frames(
		sse.Data("response.incomplete", `{"response":{"output":[{"type":"message","content":[{"type":"output_text","text":"cut"}]}]}}`),
	), nil)
	require.NoError(t, err)
	assert.Equal(t, "incomplete", gjson.GetBytes(doc, "status").String())
}

func TestAggregateErrorEventAborts(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.created", `{"response":{"status":"in_progress"}}`),
		sse.Data("error", `{"type":"error","code":"rate_limit_exceeded","message":"slow down"}`),
		sse.Data("response.completed", `{"response":{"status":"completed"}}`),
	), nil)
	assert.Nil(t, doc)
	var se *apierr.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "rate_limit_exceeded", se.Type)
}

func TestAggregateTruncatedStream(t *testing.T) {
	doc, err := Aggregate(context.Background(), sse.Frames(
		sse.Data("response.output_text.delta", `{"output_index":0,"delta":"dangling"}`),
	), nil)
	assert.Nil(t, doc)
	assert.ErrorIs(t, err, apierr.ErrTruncatedStream)
}

func TestAggregateFirstFrameMustBeObject(t *testing.T) {
	_, err := Aggregate(context.Background(), sse.Frames(sse.Data("", `"text"`)), nil)
	var fde *apierr.FrameDecodeError
	require.ErrorAs(t, err, &fde)
}

func TestAggregateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Aggregate(ctx, sse.Frames(sse.Data("response.completed", `{"response":{"status":"completed"}}`)), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
