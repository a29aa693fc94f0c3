package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"claude-bridge/internal/canonical"
	openaiproto "claude-bridge/internal/proto/openai"
)

var ErrUnsupportedContentPart = errors.New("unsupported content part")

// ToChatRequest translates a canonical request into the Chat Completions
// shape. model, when non-empty, overrides the requested model.
func ToChatRequest(req *canonical.Request, model string) (openaiproto.ChatCompletionsRequest, error) {
	if model == "" {
		model = req.Model
	}
	out := openaiproto.ChatCompletionsRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
		User:        req.UserID(),
	}
	if req.Stream {
		out.StreamOptions = &openaiproto.StreamOptions{IncludeUsage: true}
	}

	if sys := strings.TrimSpace(req.System.PlainText("\n")); sys != "" {
		out.Messages = append(out.Messages, openaiproto.ChatMessage{
			Role:    canonical.RoleSystem,
			Content: openaiproto.TextContent(sys),
		})
	}

	f := chatFolder{}
	for i, m := range req.Messages {
		if err := f.fold(m); err != nil {
			return openaiproto.ChatCompletionsRequest{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	out.Messages = append(out.Messages, f.out...)

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiproto.ChatTool{
			Type: "function",
			Function: openaiproto.ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaOrEmpty(t.InputSchema),
			},
		})
	}
	out.ToolChoice = chatToolChoice(req.ToolChoice)

	if req.Thinking != nil && req.Thinking.Enabled {
		enabled := true
		budget := req.Thinking.BudgetTokens
		if req.MaxTokens != nil && budget >= *req.MaxTokens {
			budget = *req.MaxTokens - 1
		}
		out.EnableThinking = &enabled
		out.ThinkingBudget = &budget
	}
	return out, nil
}

// chatFolder folds content blocks into the fewest Chat messages that keep
// their order. Text and image blocks share one pending content message,
// consecutive tool_use blocks share one pending tool-call message, and every
// tool_result becomes its own tool message.
type chatFolder struct {
	out []openaiproto.ChatMessage

	role      string
	parts     []openaiproto.ChatContentPart
	calls     []openaiproto.ChatToolCall
	reasoning strings.Builder
}

func (f *chatFolder) fold(m canonical.Message) error {
	f.role = m.Role
	if m.Content.IsText() {
		if m.Content.IsEmpty() {
			return nil
		}
		f.emit(openaiproto.ChatMessage{Role: m.Role, Content: openaiproto.TextContent(m.Content.PlainText(""))})
		return nil
	}

	for _, b := range m.Content.AsBlocks() {
		switch b.Type {
		case canonical.BlockText:
			if b.Text == "" {
				continue
			}
			f.flushCalls()
			f.parts = append(f.parts, openaiproto.ChatContentPart{Type: "text", Text: b.Text})
		case canonical.BlockImage:
			if b.Source == nil {
				return fmt.Errorf("%w: image block missing source", ErrUnsupportedContentPart)
			}
			f.flushCalls()
			f.parts = append(f.parts, openaiproto.ChatContentPart{
				Type:     "image_url",
				ImageURL: &openaiproto.ChatImageURL{URL: b.Source.DataURL()},
			})
		case canonical.BlockToolUse:
			f.flushContent()
			f.calls = append(f.calls, openaiproto.ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: openaiproto.ChatFunctionCall{
					Name:      b.Name,
					Arguments: toolArguments(b.Input),
				},
			})
		case canonical.BlockToolResult:
			f.flushContent()
			f.flushCalls()
			f.emit(openaiproto.ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    openaiproto.TextContent(b.ResultText()),
			})
		case canonical.BlockThinking:
			if m.Role == canonical.RoleAssistant {
				f.reasoning.WriteString(b.Thinking)
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedContentPart, b.Type)
		}
	}
	f.flushContent()
	f.flushCalls()
	// reasoning never outlives its own assistant message
	f.reasoning.Reset()
	return nil
}

func (f *chatFolder) flushContent() {
	if len(f.parts) == 0 {
		return
	}
	content := &openaiproto.ChatContent{Parts: f.parts}
	if len(f.parts) == 1 && f.parts[0].Type == "text" {
		content = openaiproto.TextContent(f.parts[0].Text)
	}
	f.parts = nil
	f.emit(openaiproto.ChatMessage{Role: f.role, Content: content})
}

func (f *chatFolder) flushCalls() {
	if len(f.calls) == 0 {
		return
	}
	calls := f.calls
	f.calls = nil
	f.emit(openaiproto.ChatMessage{Role: canonical.RoleAssistant, ToolCalls: calls})
}

func (f *chatFolder) emit(m openaiproto.ChatMessage) {
	if m.Role == canonical.RoleAssistant && f.reasoning.Len() > 0 {
		m.ReasoningContent = f.reasoning.String()
		f.reasoning.Reset()
	}
	f.out = append(f.out, m)
}

func chatToolChoice(tc canonical.ToolChoice) json.RawMessage {
	switch tc.Mode {
	case canonical.ToolChoiceNone:
		return json.RawMessage(`"none"`)
	case canonical.ToolChoiceAuto:
		return json.RawMessage(`"auto"`)
	case canonical.ToolChoiceAny:
		return json.RawMessage(`"required"`)
	case canonical.ToolChoiceTool:
		b, _ := json.Marshal(map[string]any{"type": "function", "function": map[string]string{"name": tc.Name}})
		return b
	default:
		return nil
	}
}
