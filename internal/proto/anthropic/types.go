package anthropic

import "encoding/json"

const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Content      []ContentBlock `json:"content"`
	Usage        Usage          `json:"usage"`
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Merge folds a newer report into u. Upstreams report running totals, so each
// counter keeps the largest value seen rather than a sum.
func (u *Usage) Merge(n Usage) {
	u.InputTokens = max(u.InputTokens, n.InputTokens)
	u.OutputTokens = max(u.OutputTokens, n.OutputTokens)
	u.CacheCreationInputTokens = max(u.CacheCreationInputTokens, n.CacheCreationInputTokens)
	u.CacheReadInputTokens = max(u.CacheReadInputTokens, n.CacheReadInputTokens)
}

// ContentBlock is a response content entry. Only the fields of its Type are
// serialized, and text/thinking are always present even when empty.
type ContentBlock struct {
	Type      string
	Text      string
	Thinking  string
	Signature string
	ID        string
	Name      string
	Input     json.RawMessage
}

type textWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thinkingWire struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

type toolUseWire struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type blockWire struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Signature string          `json:"signature"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(textWire{Type: b.Type, Text: b.Text})
	case BlockThinking:
		return json.Marshal(thinkingWire{Type: b.Type, Thinking: b.Thinking, Signature: b.Signature})
	case BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return json.Marshal(toolUseWire{Type: b.Type, ID: b.ID, Name: b.Name, Input: input})
	default:
		return json.Marshal(blockWire(b))
	}
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w blockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = ContentBlock(w)
	return nil
}
