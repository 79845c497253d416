package schema

import "encoding/json"

// Message type discriminators used by the backend.
const (
	MessageTypeHuman     = "human"
	MessageTypeAssistant = "ai"
	MessageTypeTool      = "tool"
)

// ContentBlock is one fragment of a message body. Text-like blocks carry
// Text; anything else keeps its raw payload for structural comparison.
type ContentBlock struct {
	Type string          `json:"type,omitempty"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// IsTextLike reports whether the block contributes user-visible text.
func (b ContentBlock) IsTextLike() bool {
	return b.Type == "text" || b.Type == "output_text"
}

// Message is the client view of one conversation turn.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// IsAssistant reports whether the message is an assistant turn.
func (m Message) IsAssistant() bool {
	return m.Type == MessageTypeAssistant
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make([]ContentBlock, len(m.Content))
		copy(out.Content, m.Content)
		for i, block := range m.Content {
			if block.Raw != nil {
				out.Content[i].Raw = append(json.RawMessage(nil), block.Raw...)
			}
		}
	}
	return out
}
