package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ToolInvocation is a tool call extracted from a backend reply.
type ToolInvocation struct {
	Tool    string `json:"tool"`
	Content string `json:"content"`
}

// ParseToolCall extracts a {"tool": ..., "content": ...} object from a reply.
// The whole trimmed reply is tried first, then the first balanced object
// embedded in surrounding text. ok is false when the reply is plain content.
func ParseToolCall(reply string) (ToolInvocation, bool) {
	text := strings.TrimSpace(reply)
	if text == "" {
		return ToolInvocation{}, false
	}

	if call, ok := decodeToolCall(text); ok {
		return call, true
	}

	start, end := findObjectBounds(text)
	if start < 0 {
		return ToolInvocation{}, false
	}
	return decodeToolCall(text[start : end+1])
}

func decodeToolCall(s string) (ToolInvocation, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return ToolInvocation{}, false
	}

	tool, ok := stringField(raw, "tool")
	if !ok || tool == "" {
		return ToolInvocation{}, false
	}
	content, ok := stringField(raw, "content")
	if !ok {
		return ToolInvocation{}, false
	}
	return ToolInvocation{Tool: tool, Content: content}, true
}

// stringField reports the value of key only when it is a JSON string.
func stringField(raw map[string]json.RawMessage, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// findObjectBounds returns the indices of the first '{' and its matching '}'.
// Braces inside JSON strings are ignored. Returns -1, -1 when unbalanced.
func findObjectBounds(text string) (int, int) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return -1, -1
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i
			}
		}
	}
	return -1, -1
}
