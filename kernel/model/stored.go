package model

import "encoding/json"

// storedMessage is the persisted wire shape. Content is either a JSON string
// (plain text) or an array of content blocks; both are accepted on load.
type storedMessage struct {
	Role         Role            `json:"role"`
	Content      json.RawMessage `json:"content,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	Result       *ToolResult     `json:"tool_result,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
	ResourceLink string          `json:"resource_link,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	stored := storedMessage{
		Role:         m.Role,
		ToolCalls:    m.ToolCalls,
		Result:       m.Result,
		Seq:          m.Seq,
		ResourceLink: m.ResourceLink,
	}
	if len(m.Blocks) > 0 {
		raw, err := json.Marshal(m.Blocks)
		if err != nil {
			return nil, err
		}
		stored.Content = raw
	} else if m.Text != "" {
		raw, err := json.Marshal(m.Text)
		if err != nil {
			return nil, err
		}
		stored.Content = raw
	}
	return json.Marshal(stored)
}

func (m *Message) UnmarshalJSON(raw []byte) error {
	var stored storedMessage
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}
	*m = Message{
		Role:         stored.Role,
		ToolCalls:    stored.ToolCalls,
		Result:       stored.Result,
		Seq:          stored.Seq,
		ResourceLink: stored.ResourceLink,
	}
	if len(stored.Content) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(stored.Content, &text); err == nil {
		m.Text = text
		return nil
	}
	if blocks := ParseBlocks(stored.Content); blocks != nil {
		m.Blocks = blocks
		return nil
	}
	// Unknown content shape degrades to raw text rather than failing the load.
	m.Text = string(stored.Content)
	return nil
}
