package convert

import (
	"strings"

	anthropicproto "claude-bridge/internal/proto/anthropic"
	openaiproto "claude-bridge/internal/proto/openai"
)

// StopReason maps a backend finish reason to the Messages vocabulary. A
// response whose last block is a tool call always stops with tool_use.
func StopReason(finish, lastBlock string) string {
	if lastBlock == anthropicproto.BlockToolUse {
		return anthropicproto.StopToolUse
	}
	switch strings.TrimSpace(finish) {
	case "length", "max_output_tokens", "max_tokens":
		return anthropicproto.StopMaxTokens
	case "tool_calls", "function_call":
		return anthropicproto.StopToolUse
	case "content_filter":
		return anthropicproto.StopStopSequence
	default:
		return anthropicproto.StopEndTurn
	}
}

func ChatUsage(u *openaiproto.ChatUsage) anthropicproto.Usage {
	if u == nil {
		return anthropicproto.Usage{}
	}
	out := anthropicproto.Usage{
		InputTokens:              u.PromptTokens,
		OutputTokens:             u.CompletionTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
	if out.CacheReadInputTokens == 0 && u.PromptTokensDetails != nil {
		out.CacheReadInputTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

func ResponsesUsage(u *openaiproto.ResponsesUsage) anthropicproto.Usage {
	if u == nil {
		return anthropicproto.Usage{}
	}
	out := anthropicproto.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
	if u.InputTokensDetails != nil {
		out.CacheReadInputTokens = u.InputTokensDetails.CachedTokens
	}
	return out
}

// ChatResponseToAnthropic builds a Messages document from the first choice of
// a Chat Completions response.
func ChatResponseToAnthropic(resp openaiproto.ChatCompletionResponse, model string) anthropicproto.MessageResponse {
	var (
		blocks []anthropicproto.ContentBlock
		finish string
	)
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		msg := choice.Message
		if choice.FinishReason != nil {
			finish = *choice.FinishReason
		}

		reasoning := msg.ReasoningContent
		if reasoning == "" {
			reasoning = msg.Reasoning
		}
		if reasoning != "" {
			blocks = append(blocks, anthropicproto.ContentBlock{Type: anthropicproto.BlockThinking, Thinking: reasoning})
		}
		if text := msg.Content.String(); strings.TrimSpace(text) != "" {
			blocks = append(blocks, anthropicproto.ContentBlock{Type: anthropicproto.BlockText, Text: text})
		}
		for _, tc := range msg.ToolCalls {
			id := tc.ID
			if id == "" {
				id = NewToolID()
			}
			blocks = append(blocks, anthropicproto.ContentBlock{
				Type:  anthropicproto.BlockToolUse,
				ID:    id,
				Name:  tc.Function.Name,
				Input: ToolInput(tc.Function.Arguments),
			})
		}
	}
	return document(model, blocks, finish, ChatUsage(resp.Usage))
}

// ResponsesResponseToAnthropic builds a Messages document from a complete
// Responses document.
func ResponsesResponseToAnthropic(resp openaiproto.ResponsesResponse, model string) anthropicproto.MessageResponse {
	var (
		reasoning strings.Builder
		text      strings.Builder
		tools     []anthropicproto.ContentBlock
	)
	for _, item := range resp.Output {
		switch item.Type {
		case "reasoning":
			for _, s := range item.Summary {
				reasoning.WriteString(s.Text)
			}
			for _, c := range item.Content {
				reasoning.WriteString(c.Text)
			}
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" || c.Type == "text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			if id == "" {
				id = NewToolID()
			}
			tools = append(tools, anthropicproto.ContentBlock{
				Type:  anthropicproto.BlockToolUse,
				ID:    id,
				Name:  item.Name,
				Input: ToolInput(item.Arguments),
			})
		}
	}
	if reasoning.Len() == 0 && resp.Reasoning != nil {
		reasoning.WriteString(ReasoningSummaryText(resp.Reasoning.Summary))
	}

	var blocks []anthropicproto.ContentBlock
	if reasoning.Len() > 0 {
		blocks = append(blocks, anthropicproto.ContentBlock{Type: anthropicproto.BlockThinking, Thinking: reasoning.String()})
	}
	if strings.TrimSpace(text.String()) != "" {
		blocks = append(blocks, anthropicproto.ContentBlock{Type: anthropicproto.BlockText, Text: text.String()})
	}
	blocks = append(blocks, tools...)

	return document(model, blocks, ResponsesFinishReason(resp.Status, resp.IncompleteDetails), ResponsesUsage(resp.Usage))
}

// ReasoningSummaryText returns a response-level reasoning summary, or "" when
// the field only echoes the requested summary mode.
func ReasoningSummaryText(summary string) string {
	switch strings.TrimSpace(summary) {
	case "", "auto", "concise", "detailed", "none":
		return ""
	default:
		return summary
	}
}

// ResponsesFinishReason derives a Chat-style finish reason from a Responses
// status so both backends share StopReason.
func ResponsesFinishReason(status string, details *openaiproto.IncompleteDetails) string {
	if status != "incomplete" || details == nil {
		return "stop"
	}
	switch details.Reason {
	case "max_output_tokens":
		return "length"
	case "content_filter":
		return "content_filter"
	default:
		return "stop"
	}
}

func document(model string, blocks []anthropicproto.ContentBlock, finish string, usage anthropicproto.Usage) anthropicproto.MessageResponse {
	last := ""
	if len(blocks) > 0 {
		last = blocks[len(blocks)-1].Type
	}
	if blocks == nil {
		blocks = []anthropicproto.ContentBlock{}
	}
	return anthropicproto.MessageResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		StopReason: StopReason(finish, last),
		Content:    blocks,
		Usage:      usage,
	}
}
