package canonical

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"claude-bridge/internal/apierr"
)

type ContextKey string

const ContextKeyClientKey ContextKey = "client_key"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

type Request struct {
	Model         string
	Stream        bool
	MaxTokens     *int
	Temperature   *float64
	TopP          *float64
	StopSequences []string

	System   Content
	Messages []Message

	Tools      []Tool
	ToolChoice ToolChoice
	Thinking   *Thinking

	Metadata json.RawMessage
}

// UserID is metadata.user_id, or "" when absent.
func (r *Request) UserID() string {
	return strings.TrimSpace(gjson.GetBytes(r.Metadata, "user_id").String())
}

type Message struct {
	Role    string
	Content Content
}

// NewMessage builds a message from exactly one of text or blocks.
func NewMessage(role string, text *string, blocks []ContentBlock) (Message, error) {
	c, err := NewContent("content", text, blocks)
	if err != nil {
		return Message{}, err
	}
	return Message{Role: role, Content: c}, nil
}

type contentKind uint8

const (
	contentNone contentKind = iota
	contentText
	contentBlocks
)

// Content is either plain text or an ordered block list, never both.
type Content struct {
	kind   contentKind
	text   string
	blocks []ContentBlock
}

func Text(s string) Content { return Content{kind: contentText, text: s} }

func Blocks(blocks ...ContentBlock) Content {
	return Content{kind: contentBlocks, blocks: blocks}
}

// NewContent returns a validation error when both shapes are supplied.
func NewContent(field string, text *string, blocks []ContentBlock) (Content, error) {
	switch {
	case text != nil && blocks != nil:
		return Content{}, apierr.Invalid(field, "text and block list are mutually exclusive")
	case text != nil:
		return Text(*text), nil
	case blocks != nil:
		return Blocks(blocks...), nil
	default:
		return Content{}, nil
	}
}

func (c Content) IsText() bool   { return c.kind == contentText }
func (c Content) IsBlocks() bool { return c.kind == contentBlocks }
func (c Content) IsEmpty() bool {
	return c.kind == contentNone || (c.kind == contentText && c.text == "") || (c.kind == contentBlocks && len(c.blocks) == 0)
}

// AsBlocks normalizes text content to a single text block.
func (c Content) AsBlocks() []ContentBlock {
	switch c.kind {
	case contentText:
		if c.text == "" {
			return nil
		}
		return []ContentBlock{{Type: BlockText, Text: c.text}}
	case contentBlocks:
		return c.blocks
	default:
		return nil
	}
}

// PlainText joins every text block with sep; non-text blocks are ignored.
func (c Content) PlainText(sep string) string {
	if c.kind == contentText {
		return c.text
	}
	parts := make([]string, 0, len(c.blocks))
	for _, b := range c.blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, sep)
}

type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// DataURL renders the source as something an OpenAI-style backend accepts.
func (s ImageSource) DataURL() string {
	if s.Type == "url" || s.URL != "" {
		return s.URL
	}
	return "data:" + s.MediaType + ";base64," + s.Data
}

// ResultText flattens tool_result content, which may be a string or a block list.
func (b ContentBlock) ResultText() string {
	raw := strings.TrimSpace(string(b.Content))
	if raw == "" || raw == "null" {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b.Content, &s); err == nil {
			return s
		}
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(b.Content, &blocks); err == nil {
			return Blocks(blocks...).PlainText("\n")
		}
	}
	return raw
}

type Tool struct {
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

const (
	ToolChoiceUnset = ""
	ToolChoiceNone  = "none"
	ToolChoiceAuto  = "auto"
	ToolChoiceAny   = "any"
	ToolChoiceTool  = "tool"
)

type ToolChoice struct {
	Mode string
	Name string
}

func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		*tc = ToolChoice{}
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return tc.set(s, "")
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return apierr.Invalid("tool_choice", "must be a string or an object")
	}
	return tc.set(obj.Type, obj.Name)
}

func (tc *ToolChoice) set(mode, name string) error {
	switch mode {
	case ToolChoiceNone, ToolChoiceAuto, ToolChoiceAny:
		*tc = ToolChoice{Mode: mode}
	case ToolChoiceTool:
		if strings.TrimSpace(name) == "" {
			return apierr.Invalid("tool_choice", "named tool choice requires a name")
		}
		*tc = ToolChoice{Mode: mode, Name: name}
	default:
		return apierr.Invalid("tool_choice", "unsupported type %q", mode)
	}
	return nil
}

type Thinking struct {
	Enabled      bool
	BudgetTokens int
}
