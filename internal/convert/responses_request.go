package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"claude-bridge/internal/canonical"
	openaiproto "claude-bridge/internal/proto/openai"
)

// DefaultInstructions is sent to Responses backends when the caller supplied
// no system prompt; several of them reject an empty instructions field.
const DefaultInstructions = "You are a helpful assistant. Follow the user's instructions carefully and answer accurately."

// ToResponsesRequest translates a canonical request into the Responses shape.
// model, when non-empty, overrides the requested model.
func ToResponsesRequest(req *canonical.Request, model string) (openaiproto.ResponsesRequest, error) {
	if model == "" {
		model = req.Model
	}
	store := false
	out := openaiproto.ResponsesRequest{
		Model:           model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
		Store:           &store,
		User:            req.UserID(),
	}

	var instructions []string
	if sys := strings.TrimSpace(req.System.PlainText("\n")); sys != "" {
		instructions = append(instructions, sys)
	}

	f := responsesFolder{}
	for i, m := range req.Messages {
		if m.Role == canonical.RoleSystem {
			if s := strings.TrimSpace(m.Content.PlainText("\n")); s != "" {
				instructions = append(instructions, s)
			}
			continue
		}
		if err := f.fold(m); err != nil {
			return openaiproto.ResponsesRequest{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	out.Input = f.out
	if out.Input == nil {
		out.Input = []openaiproto.ResponsesInputItem{}
	}

	out.Instructions = strings.Join(instructions, "\n\n")
	if out.Instructions == "" {
		out.Instructions = DefaultInstructions
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiproto.ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaOrEmpty(t.InputSchema),
		})
	}
	out.ToolChoice = responsesToolChoice(req.ToolChoice)

	if req.Thinking != nil && req.Thinking.Enabled {
		out.Reasoning = &openaiproto.ResponsesReasoning{
			Effort:  reasoningEffort(req.Thinking.BudgetTokens),
			Summary: "auto",
		}
	}
	return out, nil
}

type responsesFolder struct {
	out []openaiproto.ResponsesInputItem

	role  string
	parts []openaiproto.ResponsesInputPart
}

func (f *responsesFolder) fold(m canonical.Message) error {
	f.role = m.Role
	textType := "input_text"
	if m.Role == canonical.RoleAssistant {
		textType = "output_text"
	}

	for _, b := range m.Content.AsBlocks() {
		switch b.Type {
		case canonical.BlockText:
			if b.Text != "" {
				f.parts = append(f.parts, openaiproto.ResponsesInputPart{Type: textType, Text: b.Text})
			}
		case canonical.BlockImage:
			if b.Source == nil {
				return fmt.Errorf("%w: image block missing source", ErrUnsupportedContentPart)
			}
			f.parts = append(f.parts, openaiproto.ResponsesInputPart{Type: "input_image", ImageURL: b.Source.DataURL()})
		case canonical.BlockToolUse:
			f.flush()
			f.out = append(f.out, openaiproto.ResponsesInputItem{
				Type:      "function_call",
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: toolArguments(b.Input),
			})
		case canonical.BlockToolResult:
			f.flush()
			f.out = append(f.out, openaiproto.ResponsesInputItem{
				Type:   "function_call_output",
				CallID: b.ToolUseID,
				Output: b.ResultText(),
			})
		case canonical.BlockThinking:
			// Reasoning items cannot be replayed without their encrypted content.
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedContentPart, b.Type)
		}
	}
	f.flush()
	return nil
}

func (f *responsesFolder) flush() {
	if len(f.parts) == 0 {
		return
	}
	f.out = append(f.out, openaiproto.ResponsesInputItem{Type: "message", Role: f.role, Content: f.parts})
	f.parts = nil
}

func responsesToolChoice(tc canonical.ToolChoice) json.RawMessage {
	switch tc.Mode {
	case canonical.ToolChoiceNone:
		return json.RawMessage(`"none"`)
	case canonical.ToolChoiceAuto:
		return json.RawMessage(`"auto"`)
	case canonical.ToolChoiceAny:
		return json.RawMessage(`"required"`)
	case canonical.ToolChoiceTool:
		b, _ := json.Marshal(map[string]string{"type": "function", "name": tc.Name})
		return b
	default:
		return nil
	}
}

func reasoningEffort(budget int) string {
	switch {
	case budget <= 2048:
		return "low"
	case budget <= 8192:
		return "medium"
	default:
		return "high"
	}
}
