package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// streamLine is the envelope of one stream-json line.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Message   json.RawMessage `json:"message"`

	// result lines
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CostUSD      float64 `json:"cost_usd"`
	NumTurns     int     `json:"num_turns"`
	DurationMS   float64 `json:"duration_ms"`

	// flattened tool lines emitted by some runtime versions
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	ToolUseID string         `json:"tool_use_id"`
}

type streamMessage struct {
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseLine converts one stream-json line into zero or more events.
// Unknown line types yield nothing.
func ParseLine(data []byte) ([]Event, error) {
	var line streamLine
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, fmt.Errorf("stream parse error: %w", err)
	}

	switch line.Type {
	case "system":
		if line.Subtype == "init" {
			return []Event{{Kind: KindInit, SessionID: line.SessionID, Model: line.Model}}, nil
		}
		return nil, nil
	case "result":
		cost := line.TotalCostUSD
		if cost == 0 {
			cost = line.CostUSD
		}
		ev := Event{
			Kind:       KindResult,
			SessionID:  line.SessionID,
			Text:       line.Result,
			IsError:    line.IsError || strings.HasPrefix(line.Subtype, "error"),
			CostUSD:    cost,
			NumTurns:   line.NumTurns,
			DurationMS: int64(line.DurationMS),
		}
		return []Event{ev}, nil
	case "assistant", "user":
		if line.ToolName != "" {
			return []Event{{Kind: KindToolUse, ToolName: line.ToolName, ToolInput: line.ToolInput, ToolUseID: line.ToolUseID}}, nil
		}
		return parseMessage(line.Message)
	}
	return nil, nil
}

func parseMessage(raw json.RawMessage) ([]Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		var text string
		if json.Unmarshal(raw, &text) == nil && text != "" {
			return []Event{{Kind: KindText, Text: text}}, nil
		}
		return nil, fmt.Errorf("stream parse error: %w", err)
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		var text string
		if json.Unmarshal(msg.Content, &text) == nil && text != "" {
			return []Event{{Kind: KindText, Text: text, Model: msg.Model}}, nil
		}
		return nil, nil
	}

	var out []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				out = append(out, Event{Kind: KindText, Text: b.Text, Model: msg.Model})
			}
		case "tool_use":
			out = append(out, Event{Kind: KindToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolInput: b.Input, Model: msg.Model})
		case "tool_result":
			out = append(out, Event{Kind: KindToolResult, ToolUseID: b.ToolUseID, Output: blockText(b.Content), IsError: b.IsError})
		}
	}
	return out, nil
}

// blockText flattens tool_result content, which is a string or a list of blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
