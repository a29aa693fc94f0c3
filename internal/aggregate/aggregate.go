// Package aggregate rebuilds one Responses document from a Responses event
// stream, for callers that want a synchronous answer from a stream-only
// upstream.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"claude-bridge/internal/apierr"
	"claude-bridge/internal/sse"
	"claude-bridge/internal/streamconv"
)

type contentKey struct {
	output  int
	content int
}

type contentBuffer struct {
	kind        string
	text        strings.Builder
	part        json.RawMessage
	annotations json.RawMessage
}

type functionCall struct {
	itemID string
	output int
	callID string
	name   string
	args   strings.Builder
}

type state struct {
	base      []byte
	final     []byte
	outputs   map[int]gjson.Result
	done      map[int]bool
	content   map[contentKey]*contentBuffer
	calls     map[string]*functionCall
	callOrder []string
	queries   map[int]json.RawMessage
	results   map[int]json.RawMessage
	lastUsage json.RawMessage
	lastError json.RawMessage
	status    string
	completed bool
}

func newState() *state {
	return &state{
		outputs: map[int]gjson.Result{},
		done:    map[int]bool{},
		content: map[contentKey]*contentBuffer{},
		calls:   map[string]*functionCall{},
		queries: map[int]json.RawMessage{},
		results: map[int]json.RawMessage{},
	}
}

// Aggregate consumes src until a terminal event and returns the response
// document. A complete document sent by the upstream is returned as-is; only
// missing usage is filled in. If the stream ends before any terminal event
// the result is apierr.ErrTruncatedStream and no document.
func Aggregate(ctx context.Context, src sse.Source, log logrus.FieldLogger) (json.RawMessage, error) {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	st := newState()
	for frames := 0; !st.completed; frames++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil, apierr.ErrTruncatedStream
		}
		if err != nil {
			return nil, err
		}
		p := gjson.ParseBytes(frame.Data)
		if !p.IsObject() {
			if frames == 0 {
				return nil, &apierr.FrameDecodeError{Frame: 0, Payload: string(frame.Data), Err: errors.New("payload is not an object")}
			}
			log.WithField("frame", frames).Debug("aggregate: skipping non-object frame")
			continue
		}
		if err := st.apply(streamconv.EventName(frame), p, frame.Data); err != nil {
			return nil, err
		}
	}
	doc, err := st.finalize()
	if err != nil {
		return nil, fmt.Errorf("aggregate responses stream: %w", err)
	}
	log.WithFields(logrus.Fields{
		"status":        gjson.GetBytes(doc, "status").String(),
		"outputs":       gjson.GetBytes(doc, "output.#").Int(),
		"authoritative": st.final != nil,
	}).Debug("aggregated responses stream")
	return doc, nil
}

func (st *state) apply(name string, p gjson.Result, raw []byte) error {
	if name == streamconv.EvError || (name == "" && p.Get("error").IsObject()) {
		e := p
		if inner := p.Get("error"); inner.IsObject() {
			e = inner
		}
		typ := e.Get("code").String()
		if typ == "" && e.Get("type").String() != streamconv.EvError {
			typ = e.Get("type").String()
		}
		return &apierr.StreamError{Type: typ, Message: e.Get("message").String(), Raw: raw}
	}

	resp := p.Get("response")
	if u := resp.Get("usage"); u.IsObject() {
		st.lastUsage = json.RawMessage(u.Raw)
	} else if u := p.Get("usage"); u.IsObject() {
		st.lastUsage = json.RawMessage(u.Raw)
	}
	if e := resp.Get("error"); e.IsObject() {
		st.lastError = json.RawMessage(e.Raw)
	}
	if resp.IsObject() && st.base == nil {
		st.base = []byte(resp.Raw)
	}

	idx := int(p.Get("output_index").Int())
	ck := contentKey{output: idx, content: int(p.Get("content_index").Int())}

	switch name {
	case streamconv.EvOutputItemAdded, streamconv.EvOutputItemDone:
		item := p.Get("item")
		if !item.IsObject() {
			return nil
		}
		st.outputs[idx] = item
		if name == streamconv.EvOutputItemDone {
			st.done[idx] = true
		}
		if q := item.Get("queries"); q.IsArray() {
			st.queries[idx] = json.RawMessage(q.Raw)
		}
		if r := item.Get("results"); r.IsArray() {
			st.results[idx] = json.RawMessage(r.Raw)
		}
		if item.Get("type").String() == "function_call" {
			fc := st.call(streamconv.ToolKey(p, item), idx)
			if v := item.Get("call_id").String(); v != "" {
				fc.callID = v
			}
			if v := item.Get("name").String(); v != "" {
				fc.name = v
			}
			if args := item.Get("arguments").String(); args != "" && (name == streamconv.EvOutputItemDone || fc.args.Len() == 0) {
				fc.args.Reset()
				fc.args.WriteString(args)
			}
		}

	case streamconv.EvContentPartAdded, "response.content_part.done":
		part := p.Get("part")
		b := st.buffer(ck, part.Get("type").String())
		if b.part == nil {
			b.part = json.RawMessage(part.Raw)
		}
		if b.text.Len() == 0 {
			b.text.WriteString(part.Get("text").String())
		}
		if a := part.Get("annotations"); b.annotations == nil && a.IsArray() && len(a.Array()) > 0 {
			b.annotations = json.RawMessage(a.Raw)
		}

	case streamconv.EvOutputTextDelta:
		st.buffer(ck, "output_text").text.WriteString(streamconv.DeltaText(p))

	case "response.output_text.done":
		if b := st.buffer(ck, "output_text"); b.text.Len() == 0 {
			b.text.WriteString(p.Get("text").String())
		}

	case "response.refusal.delta":
		st.buffer(ck, "refusal").text.WriteString(streamconv.DeltaText(p))

	case "response.output_text.annotation.added":
		if b := st.buffer(ck, "output_text"); b.annotations == nil {
			if a := p.Get("annotation"); a.IsObject() {
				b.annotations = json.RawMessage("[" + a.Raw + "]")
			}
		}

	case streamconv.EvFunctionCallDelta, streamconv.EvFunctionCallArgsDelta:
		fc := st.call(streamconv.ToolKey(p, gjson.Result{}), idx)
		if v := p.Get("call_id").String(); v != "" && fc.callID == "" {
			fc.callID = v
		}
		if v := p.Get("name").String(); v != "" && fc.name == "" {
			fc.name = v
		}
		fc.args.WriteString(streamconv.DeltaText(p))

	case streamconv.EvFunctionCallArgsDone:
		fc := st.call(streamconv.ToolKey(p, gjson.Result{}), idx)
		if args := p.Get("arguments").String(); args != "" {
			fc.args.Reset()
			fc.args.WriteString(args)
		}
	}

	status := resp.Get("status").String()
	terminal := name == streamconv.EvResponseCompleted || name == streamconv.EvResponseDone ||
		name == streamconv.EvResponseFailed || name == streamconv.EvResponseIncomplete ||
		status == "completed" || status == "failed" || status == "incomplete"
	if !terminal {
		return nil
	}
	st.completed = true
	st.status = status
	if resp.IsObject() {
		st.base = []byte(resp.Raw)
	}
	switch name {
	case streamconv.EvResponseFailed:
		st.status = "failed"
	case streamconv.EvResponseIncomplete:
		if st.status == "" {
			st.status = "incomplete"
		}
	}
	if out := resp.Get("output"); out.IsArray() && (len(out.Array()) > 0 || st.empty()) {
		st.final = []byte(resp.Raw)
	}
	return nil
}

func (st *state) empty() bool {
	return len(st.content) == 0 && len(st.calls) == 0 && len(st.outputs) == 0
}

func (st *state) buffer(k contentKey, kind string) *contentBuffer {
	b, ok := st.content[k]
	if !ok {
		b = &contentBuffer{kind: kind}
		st.content[k] = b
	}
	if b.kind == "" {
		b.kind = kind
	}
	return b
}

func (st *state) call(key string, output int) *functionCall {
	fc, ok := st.calls[key]
	if !ok {
		fc = &functionCall{itemID: key, output: output}
		st.calls[key] = fc
		st.callOrder = append(st.callOrder, key)
	}
	return fc
}

// finalize assembles the document. Function calls claim their output slots
// first; every other item goes to its own index or, when that slot is taken,
// the next free one, carrying its queries and results along.
func (st *state) finalize() ([]byte, error) {
	if st.final != nil {
		doc := st.final
		if st.status != "" && !gjson.GetBytes(doc, "status").Exists() {
			var err error
			if doc, err = sjson.SetBytes(doc, "status", st.status); err != nil {
				return nil, err
			}
		}
		return st.fillUsage(doc)
	}

	slots := map[int][]byte{}
	for _, key := range st.callOrder {
		fc := st.calls[key]
		item, err := fc.item()
		if err != nil {
			return nil, err
		}
		st.place(slots, fc.output, item)
	}

	pending := map[int]bool{}
	for k := range st.content {
		pending[k.output] = true
	}
	for idx, item := range st.outputs {
		if item.Get("type").String() != "function_call" {
			pending[idx] = true
		}
	}
	for _, idx := range sortedKeys(pending) {
		item, err := st.item(idx)
		if err != nil {
			return nil, err
		}
		if item != nil {
			st.place(slots, idx, item)
		}
	}

	output := []byte("[]")
	for i, slot := range sortedKeys(slots) {
		item := slots[slot]
		var err error
		if q, ok := st.queries[slot]; ok && !gjson.GetBytes(item, "queries").Exists() {
			if item, err = sjson.SetRawBytes(item, "queries", q); err != nil {
				return nil, err
			}
		}
		if r, ok := st.results[slot]; ok && !gjson.GetBytes(item, "results").Exists() {
			if item, err = sjson.SetRawBytes(item, "results", r); err != nil {
				return nil, err
			}
		}
		if output, err = sjson.SetRawBytes(output, fmt.Sprintf("%d", i), item); err != nil {
			return nil, err
		}
	}

	doc := st.base
	if doc == nil {
		doc = []byte(`{"object":"response"}`)
	}
	doc, err := sjson.SetRawBytes(doc, "output", output)
	if err != nil {
		return nil, err
	}

	status := "completed"
	if st.status == "incomplete" {
		status = "incomplete"
	}
	if st.lastError != nil || st.status == "failed" {
		status = "failed"
	}
	if doc, err = sjson.SetBytes(doc, "status", status); err != nil {
		return nil, err
	}
	if st.lastError != nil {
		if doc, err = sjson.SetRawBytes(doc, "error", st.lastError); err != nil {
			return nil, err
		}
	}
	return st.fillUsage(doc)
}

func (st *state) place(slots map[int][]byte, idx int, item []byte) {
	target := idx
	for {
		if _, taken := slots[target]; !taken {
			break
		}
		target++
	}
	if target != idx {
		if q, ok := st.queries[idx]; ok {
			st.queries[target] = q
			delete(st.queries, idx)
		}
		if r, ok := st.results[idx]; ok {
			st.results[target] = r
			delete(st.results, idx)
		}
	}
	slots[target] = item
}

// item builds the non-function item for an output index: the completed item
// when the upstream sent one with content, otherwise a message assembled from
// the content buffers.
func (st *state) item(idx int) ([]byte, error) {
	skeleton, known := st.outputs[idx]
	if known && st.done[idx] && skeleton.Get("type").String() != "message" {
		return []byte(skeleton.Raw), nil
	}
	if known && st.done[idx] && len(skeleton.Get("content").Array()) > 0 {
		return []byte(skeleton.Raw), nil
	}

	var keys []contentKey
	for k := range st.content {
		if k.output == idx {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		if known {
			return []byte(skeleton.Raw), nil
		}
		return nil, nil
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].content < keys[j].content })

	msg := []byte(`{"type":"message","status":"completed","role":"assistant","content":[]}`)
	var err error
	if known {
		if id := skeleton.Get("id").String(); id != "" {
			if msg, err = sjson.SetBytes(msg, "id", id); err != nil {
				return nil, err
			}
		}
		if role := skeleton.Get("role").String(); role != "" {
			if msg, err = sjson.SetBytes(msg, "role", role); err != nil {
				return nil, err
			}
		}
	}
	for i, k := range keys {
		part, err := st.content[k].render()
		if err != nil {
			return nil, err
		}
		if msg, err = sjson.SetRawBytes(msg, fmt.Sprintf("content.%d", i), part); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (b *contentBuffer) render() ([]byte, error) {
	switch b.kind {
	case "output_text", "text", "":
		ann := b.annotations
		if ann == nil {
			ann = json.RawMessage("[]")
		}
		return json.Marshal(struct {
			Type        string          `json:"type"`
			Text        string          `json:"text"`
			Annotations json.RawMessage `json:"annotations"`
		}{"output_text", b.text.String(), ann})
	case "refusal":
		return json.Marshal(map[string]string{"type": "refusal", "refusal": b.text.String()})
	default:
		if b.part != nil {
			out := []byte(b.part)
			if b.text.Len() > 0 {
				return sjson.SetBytes(out, "text", b.text.String())
			}
			return out, nil
		}
		return json.Marshal(map[string]string{"type": b.kind, "text": b.text.String()})
	}
}

// item recovers name and arguments from the buffer when it holds a whole
// function object, and otherwise keeps the buffer as the raw arguments.
func (fc *functionCall) item() ([]byte, error) {
	name, args := fc.name, fc.args.String()
	if parsed := gjson.Parse(args); gjson.Valid(args) && parsed.IsObject() &&
		parsed.Get("name").Type == gjson.String && parsed.Get("arguments").Exists() {
		name = parsed.Get("name").String()
		if a := parsed.Get("arguments"); a.Type == gjson.String {
			args = a.String()
		} else {
			args = a.Raw
		}
	}
	callID := fc.callID
	if callID == "" {
		callID = fc.itemID
	}
	return json.Marshal(struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
		Status    string `json:"status"`
	}{"function_call", fc.itemID, callID, name, args, "completed"})
}

// fillUsage supplies the last usage seen when doc has none and repairs a zero
// total_tokens.
func (st *state) fillUsage(doc []byte) ([]byte, error) {
	var err error
	if u := gjson.GetBytes(doc, "usage"); !u.IsObject() && st.lastUsage != nil {
		if doc, err = sjson.SetRawBytes(doc, "usage", st.lastUsage); err != nil {
			return nil, err
		}
	}
	u := gjson.GetBytes(doc, "usage")
	if u.IsObject() && u.Get("total_tokens").Int() == 0 {
		total := u.Get("input_tokens").Int() + u.Get("output_tokens").Int()
		if total > 0 {
			if doc, err = sjson.SetBytes(doc, "usage.total_tokens", total); err != nil {
				return nil, err
			}
		}
	}
	return doc, nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
