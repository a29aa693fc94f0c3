package convert

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

var emptyObject = json.RawMessage(`{}`)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewToolID synthesizes a tool_use id for upstreams that never send one.
func NewToolID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// ToolInput turns upstream argument text into a tool_use input. Valid JSON is
// kept as-is; anything else is carried as a JSON string so nothing is lost.
func ToolInput(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return emptyObject
	}
	if gjson.Valid(args) {
		return json.RawMessage(args)
	}
	b, _ := json.Marshal(args)
	return b
}

func toolArguments(input json.RawMessage) string {
	if len(bytes.TrimSpace(input)) == 0 || string(bytes.TrimSpace(input)) == "null" {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err != nil {
		return string(input)
	}
	return buf.String()
}

func schemaOrEmpty(schema json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(schema)) == 0 || string(bytes.TrimSpace(schema)) == "null" {
		return emptySchema
	}
	return schema
}
