package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Sign-in poll statuses reported by the connector.
const (
	StatusFinished = "FINISHED"
	StatusSuccess  = "SUCCESS"
)

// ErrNoPayload reports a tool result with nothing decodable in it.
var ErrNoPayload = errors.New("tool result carries no decodable payload")

// ErrToolFailed reports an in-band tool execution failure.
var ErrToolFailed = errors.New("tool execution failed")

// DecodeResult extracts the JSON object payload from a tool result.
// Structured content wins when present; otherwise text content blocks
// are tried in order until one parses as an object.
func DecodeResult(result *mcp.CallToolResult) (map[string]any, error) {
	if result == nil {
		return nil, ErrNoPayload
	}
	if result.IsError {
		return nil, fmt.Errorf("%w: %s", ErrToolFailed, resultText(result))
	}

	if m, ok := result.StructuredContent.(map[string]any); ok && len(m) > 0 {
		return m, nil
	}

	for _, content := range result.Content {
		text, ok := content.(*mcp.TextContent)
		if !ok {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(text.Text), &m); err == nil {
			return m, nil
		}
	}
	return nil, ErrNoPayload
}

// resultText concatenates the text blocks of a result, for error
// reporting.
func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Status returns the payload's status field, if any.
func Status(payload map[string]any) string {
	if s, ok := payload["status"].(string); ok {
		return s
	}
	return ""
}

// dataKeys are the envelope fields different connector verticals wrap
// their records in, in unwrap order.
var dataKeys = []string{
	"extract_result",
	"result",
	"purchases",
	"purchase_history",
	"orders",
	"books",
	"activities",
	"content",
	"data",
}

// ExtractContent unwraps the record content from a decoded payload.
// Connector verticals disagree on the envelope: some nest records under
// extract_result or result, some under a collection field, and some
// double-encode the inner value as a JSON string. Unwrapping recurses
// until a bare array or leaf value remains.
func ExtractContent(v any) any {
	switch value := v.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var decoded any
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				return ExtractContent(decoded)
			}
		}
		return value
	case map[string]any:
		// extract_result wraps records one level deeper: an array of
		// extraction items whose content field holds the records.
		if items, ok := value["extract_result"].([]any); ok && len(items) > 0 {
			if item, ok := items[0].(map[string]any); ok {
				if inner, ok := item["content"]; ok {
					return ExtractContent(inner)
				}
			}
		}
		for _, key := range dataKeys {
			if inner, ok := value[key]; ok {
				return ExtractContent(inner)
			}
		}
		return value
	default:
		return v
	}
}
