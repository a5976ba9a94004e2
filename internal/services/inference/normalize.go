package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/j-veylop/agent-dashboard/internal/logger"
)

// NoResponseText is returned when no known response shape matches.
const NoResponseText = "The assistant returned a response in an unrecognized format, so no text could be extracted."

// ExtractText picks the assistant text out of an upstream payload. Shapes are
// tried in a fixed order and the first match wins:
//
//  1. an array of agent items: blocks of the last assistant message
//  2. choices[0].message.content (chat completions)
//  3. output
//  4. content
//  5. response
//  6. predictions[0]
//  7. a bare string
//
// Non-string values found in 3–6 are rendered as JSON. ExtractText never
// panics and falls back to NoResponseText.
func ExtractText(payload any) string {
	switch p := payload.(type) {
	case []any:
		if text, ok := fromAgentItems(p); ok {
			return text
		}
	case map[string]any:
		if text, ok := fromChoices(p); ok {
			return text
		}
		for _, key := range []string{"output", "content", "response"} {
			if v, ok := p[key]; ok && v != nil {
				return stringify(v)
			}
		}
		if preds, ok := p["predictions"].([]any); ok && len(preds) > 0 {
			return stringify(preds[0])
		}
	case string:
		return p
	}

	logger.Debug("no extractable text in upstream response", "type", fmt.Sprintf("%T", payload))
	return NoResponseText
}

// fromAgentItems concatenates the text blocks of the last assistant message.
func fromAgentItems(items []any) (string, bool) {
	var last map[string]any
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if m["type"] == "message" && m["role"] == "assistant" {
			last = m
		}
	}
	if last == nil {
		return "", false
	}

	blocks, _ := last["content"].([]any)
	var parts []string
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if block["type"] != "output_text" && block["type"] != "text" {
			continue
		}
		if text, ok := block["text"].(string); ok {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n\n"), true
}

func fromChoices(p map[string]any) (string, bool) {
	choices, ok := p["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := message["content"]
	if !ok || content == nil {
		return "", false
	}
	return stringify(content), true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
