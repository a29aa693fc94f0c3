package anthropic

import (
	"encoding/json"
	"fmt"
)

const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaSignature = "signature_delta"
)

// Event is one streaming event of the Messages protocol. Which fields are
// meaningful depends on Type; MarshalJSON writes exactly the wire shape.
type Event struct {
	Type    string
	Index   int
	Message *MessageResponse
	Block   *ContentBlock
	Delta   Delta
	Usage   *Usage
}

type Delta struct {
	Type        string
	Text        string
	Thinking    string
	PartialJSON string
	Signature   string
	StopReason  string
}

func MessageStart(id, model string, usage Usage) Event {
	return Event{Type: EventMessageStart, Message: &MessageResponse{
		ID:    id,
		Type:  "message",
		Role:  "assistant",
		Model: model,
		Usage: usage,
	}}
}

func BlockStart(index int, block ContentBlock) Event {
	return Event{Type: EventContentBlockStart, Index: index, Block: &block}
}

func TextDelta(index int, text string) Event {
	return Event{Type: EventContentBlockDelta, Index: index, Delta: Delta{Type: DeltaText, Text: text}}
}

func ThinkingDelta(index int, thinking string) Event {
	return Event{Type: EventContentBlockDelta, Index: index, Delta: Delta{Type: DeltaThinking, Thinking: thinking}}
}

func SignatureDelta(index int, sig string) Event {
	return Event{Type: EventContentBlockDelta, Index: index, Delta: Delta{Type: DeltaSignature, Signature: sig}}
}

func InputJSONDelta(index int, partial string) Event {
	return Event{Type: EventContentBlockDelta, Index: index, Delta: Delta{Type: DeltaInputJSON, PartialJSON: partial}}
}

func BlockStop(index int) Event {
	return Event{Type: EventContentBlockStop, Index: index}
}

func MessageDelta(stopReason string, usage Usage) Event {
	return Event{Type: EventMessageDelta, Delta: Delta{StopReason: stopReason}, Usage: &usage}
}

func MessageStop() Event {
	return Event{Type: EventMessageStop}
}

type messageStartWire struct {
	Type    string           `json:"type"`
	Message messageStartBody `json:"message"`
}

type messageStartBody struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Model        string  `json:"model"`
	Content      []any   `json:"content"`
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

type blockStartWire struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

type blockDeltaWire struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta any    `json:"delta"`
}

type indexWire struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaWire struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   string  `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
}

type typeWire struct {
	Type string `json:"type"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventMessageStart:
		if e.Message == nil {
			return nil, fmt.Errorf("message_start without message")
		}
		m := e.Message
		return json.Marshal(messageStartWire{Type: e.Type, Message: messageStartBody{
			ID:      m.ID,
			Type:    "message",
			Role:    "assistant",
			Model:   m.Model,
			Content: []any{},
			Usage:   m.Usage,
		}})
	case EventContentBlockStart:
		if e.Block == nil {
			return nil, fmt.Errorf("content_block_start without block")
		}
		return json.Marshal(blockStartWire{Type: e.Type, Index: e.Index, ContentBlock: *e.Block})
	case EventContentBlockDelta:
		return json.Marshal(blockDeltaWire{Type: e.Type, Index: e.Index, Delta: deltaWire(e.Delta)})
	case EventContentBlockStop:
		return json.Marshal(indexWire{Type: e.Type, Index: e.Index})
	case EventMessageDelta:
		var w messageDeltaWire
		w.Type = e.Type
		w.Delta.StopReason = e.Delta.StopReason
		if e.Usage != nil {
			w.Usage = *e.Usage
		}
		return json.Marshal(w)
	case EventMessageStop:
		return json.Marshal(typeWire{Type: e.Type})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

func deltaWire(d Delta) any {
	switch d.Type {
	case DeltaText:
		return struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{d.Type, d.Text}
	case DeltaThinking:
		return struct {
			Type     string `json:"type"`
			Thinking string `json:"thinking"`
		}{d.Type, d.Thinking}
	case DeltaSignature:
		return struct {
			Type      string `json:"type"`
			Signature string `json:"signature"`
		}{d.Type, d.Signature}
	default:
		return struct {
			Type        string `json:"type"`
			PartialJSON string `json:"partial_json"`
		}{d.Type, d.PartialJSON}
	}
}
