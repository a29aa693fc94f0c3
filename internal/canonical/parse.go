package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"claude-bridge/internal/apierr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type requestWire struct {
	Model         string          `json:"model" validate:"required"`
	MaxTokens     *int            `json:"max_tokens" validate:"omitempty,gt=0"`
	Stream        bool            `json:"stream"`
	Temperature   *float64        `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP          *float64        `json:"top_p" validate:"omitempty,gte=0,lte=1"`
	StopSequences []string        `json:"stop_sequences"`
	System        json.RawMessage `json:"system"`
	Systems       []ContentBlock  `json:"systems"`
	Messages      []messageWire   `json:"messages" validate:"required,min=1,dive"`
	Tools         []Tool          `json:"tools" validate:"dive"`
	ToolChoice    json.RawMessage `json:"tool_choice"`
	Thinking      *thinkingWire   `json:"thinking"`
	Metadata      json.RawMessage `json:"metadata"`
}

type messageWire struct {
	Role     string          `json:"role" validate:"required,oneof=user assistant system"`
	Content  json.RawMessage `json:"content"`
	Contents []ContentBlock  `json:"contents"`
}

type thinkingWire struct {
	Type         string `json:"type" validate:"oneof=enabled disabled"`
	BudgetTokens int    `json:"budget_tokens" validate:"gte=0"`
}

// Parse decodes and validates a Messages request. Every failure is an
// *apierr.ValidationError and is reported before any upstream call.
func Parse(body []byte) (*Request, error) {
	var w requestWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, apierr.Invalid("", "malformed JSON: %v", err)
	}
	if err := validate.Struct(w); err != nil {
		return nil, fromValidator(err)
	}

	req := &Request{
		Model:         w.Model,
		Stream:        w.Stream,
		MaxTokens:     w.MaxTokens,
		Temperature:   w.Temperature,
		TopP:          w.TopP,
		StopSequences: w.StopSequences,
		Tools:         w.Tools,
		Metadata:      w.Metadata,
	}

	system, err := decodeContent("system", "systems", w.System, w.Systems)
	if err != nil {
		return nil, err
	}
	req.System = system

	req.Messages = make([]Message, 0, len(w.Messages))
	for i, mw := range w.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		c, err := decodeContent(field+".content", field+".contents", mw.Content, mw.Contents)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, Message{Role: mw.Role, Content: c})
	}

	for i, t := range req.Tools {
		if err := validateSchema(fmt.Sprintf("tools[%d].input_schema", i), t.InputSchema); err != nil {
			return nil, err
		}
	}

	if len(w.ToolChoice) > 0 {
		if err := req.ToolChoice.UnmarshalJSON(w.ToolChoice); err != nil {
			return nil, err
		}
	}

	if w.Thinking != nil && w.Thinking.Type == "enabled" {
		if w.Thinking.BudgetTokens <= 0 {
			return nil, apierr.Invalid("thinking.budget_tokens", "must be positive when thinking is enabled")
		}
		req.Thinking = &Thinking{Enabled: true, BudgetTokens: w.Thinking.BudgetTokens}
	}
	return req, nil
}

func decodeContent(field, altField string, raw json.RawMessage, alt []ContentBlock) (Content, error) {
	trimmed := strings.TrimSpace(string(raw))
	hasRaw := trimmed != "" && trimmed != "null"
	if hasRaw && alt != nil {
		return Content{}, apierr.Invalid(field, "%s and %s are mutually exclusive", lastSegment(field), lastSegment(altField))
	}

	var (
		text   *string
		blocks []ContentBlock
	)
	switch {
	case !hasRaw:
		blocks = alt
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Content{}, apierr.Invalid(field, "invalid string: %v", err)
		}
		text = &s
	case trimmed[0] == '[':
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return Content{}, apierr.Invalid(field, "invalid block list: %v", err)
		}
		if blocks == nil {
			blocks = []ContentBlock{}
		}
	default:
		return Content{}, apierr.Invalid(field, "must be a string or a block list")
	}

	for i, b := range blocks {
		if err := validateBlock(fmt.Sprintf("%s[%d]", field, i), b); err != nil {
			return Content{}, err
		}
	}
	return NewContent(field, text, blocks)
}

func validateBlock(field string, b ContentBlock) error {
	switch b.Type {
	case BlockText:
		return nil
	case BlockImage:
		if b.Source == nil {
			return apierr.Invalid(field, "image block requires a source")
		}
		if b.Source.Type == "url" {
			if b.Source.URL == "" {
				return apierr.Invalid(field, "url image source requires a url")
			}
			return nil
		}
		if b.Source.Data == "" || b.Source.MediaType == "" {
			return apierr.Invalid(field, "base64 image source requires media_type and data")
		}
		return nil
	case BlockToolUse:
		if strings.TrimSpace(b.ID) == "" || strings.TrimSpace(b.Name) == "" {
			return apierr.Invalid(field, "tool_use block requires id and name")
		}
		if len(b.Input) > 0 && !gjson.ValidBytes(b.Input) {
			return apierr.Invalid(field, "tool_use input is not valid JSON")
		}
		return nil
	case BlockToolResult:
		if strings.TrimSpace(b.ToolUseID) == "" {
			return apierr.Invalid(field, "tool_result block requires tool_use_id")
		}
		return nil
	case BlockThinking:
		return nil
	default:
		return apierr.Invalid(field, "unsupported content block type %q", b.Type)
	}
}

// validateSchema checks the JSON-schema-like shape of a tool's input schema:
// an object whose properties are objects and whose required list names strings.
func validateSchema(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !gjson.ValidBytes(raw) {
		return apierr.Invalid(field, "not valid JSON")
	}
	return checkSchemaNode(field, gjson.ParseBytes(raw))
}

func checkSchemaNode(field string, node gjson.Result) error {
	if !node.IsObject() {
		return apierr.Invalid(field, "schema must be an object")
	}
	if t := node.Get("type"); t.Exists() && t.Type != gjson.String && !t.IsArray() {
		return apierr.Invalid(field+".type", "must be a string or a list of strings")
	}
	if props := node.Get("properties"); props.Exists() {
		if !props.IsObject() {
			return apierr.Invalid(field+".properties", "must be an object")
		}
		var err error
		props.ForEach(func(key, value gjson.Result) bool {
			err = checkSchemaNode(field+".properties."+key.String(), value)
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	if items := node.Get("items"); items.Exists() && items.IsObject() {
		if err := checkSchemaNode(field+".items", items); err != nil {
			return err
		}
	}
	if req := node.Get("required"); req.Exists() {
		if !req.IsArray() {
			return apierr.Invalid(field+".required", "must be a list of property names")
		}
		for _, r := range req.Array() {
			if r.Type != gjson.String {
				return apierr.Invalid(field+".required", "must contain only strings")
			}
		}
	}
	return nil
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apierr.Invalid("", "%v", err)
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "requestWire.")
	if fe.Param() != "" {
		return apierr.Invalid(field, "failed %s=%s", fe.Tag(), fe.Param())
	}
	return apierr.Invalid(field, "failed %s", fe.Tag())
}

func lastSegment(field string) string {
	if i := strings.LastIndex(field, "."); i >= 0 {
		return field[i+1:]
	}
	return field
}
