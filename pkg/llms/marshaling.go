package llms

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// JSON models for the persisted conversation trace.
// Parts are polymorphic, so they are stored with an explicit type tag.

// MessageJSON represents the JSON structure for a Message with a single text part.
type MessageJSON struct {
	Role Role   `json:"role"`
	Text string `json:"text,omitempty"`
}

// ContentPartJSON represents the JSON structure for content parts.
type ContentPartJSON struct {
	Type         string            `json:"type"`
	Text         string            `json:"text,omitempty"`
	ToolCall     *ToolCallJSON     `json:"tool_call,omitempty"`
	ToolResponse *ToolResponseJSON `json:"tool_response,omitempty"`
}

// ToolCallJSON represents the JSON structure for tool call content.
type ToolCallJSON struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	FunctionCall *FunctionCall `json:"function"`
}

// ToolResponseJSON represents the JSON structure for tool response content.
type ToolResponseJSON struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

type messageWithPartsJSON struct {
	Role  Role              `json:"role"`
	Parts []ContentPartJSON `json:"parts"`
}

// MarshalJSON implements json.Marshaler for Message.
func (m Message) MarshalJSON() ([]byte, error) {
	// Special case: single text part can be simplified
	if len(m.Parts) == 1 {
		if tp, hasSingleTextPart := m.Parts[0].(TextContent); hasSingleTextPart {
			return json.Marshal(MessageJSON{
				Role: m.Role,
				Text: tp.Text,
			})
		}
	}

	out := messageWithPartsJSON{
		Role:  m.Role,
		Parts: make([]ContentPartJSON, 0, len(m.Parts)),
	}
	for _, part := range m.Parts {
		switch typ := part.(type) {
		case TextContent:
			out.Parts = append(out.Parts, ContentPartJSON{
				Type: "text",
				Text: typ.Text,
			})
		case ToolCall:
			out.Parts = append(out.Parts, ContentPartJSON{
				Type: "tool_call",
				ToolCall: &ToolCallJSON{
					ID:           typ.ID,
					Type:         typ.Type,
					FunctionCall: typ.FunctionCall,
				},
			})
		case ToolCallResponse:
			out.Parts = append(out.Parts, ContentPartJSON{
				Type: "tool_response",
				ToolResponse: &ToolResponseJSON{
					ToolCallID: typ.ToolCallID,
					Name:       typ.Name,
					Content:    typ.Content,
				},
			})
		default:
			return nil, errors.Newf("unsupported content part type: %T", part)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler for Message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var msgJSON struct {
		Role  Role              `json:"role"`
		Text  string            `json:"text"`
		Parts []ContentPartJSON `json:"parts"`
	}
	if err := json.Unmarshal(data, &msgJSON); err != nil {
		return errors.WithStack(err)
	}

	m.Role = msgJSON.Role
	m.Parts = nil

	// Handle special case: single text field
	if msgJSON.Text != "" {
		m.Parts = []ContentPart{TextContent{Text: msgJSON.Text}}
		return nil
	}

	for _, partJSON := range msgJSON.Parts {
		part, err := unmarshalContentPart(partJSON)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

func unmarshalContentPart(partJSON ContentPartJSON) (ContentPart, error) {
	switch partJSON.Type {
	case "text":
		return TextContent{Text: partJSON.Text}, nil
	case "tool_call":
		if partJSON.ToolCall == nil {
			return nil, errors.New("missing tool_call field in content part")
		}
		return ToolCall{
			ID:           partJSON.ToolCall.ID,
			Type:         partJSON.ToolCall.Type,
			FunctionCall: partJSON.ToolCall.FunctionCall,
		}, nil
	case "tool_response":
		if partJSON.ToolResponse == nil {
			return nil, errors.New("missing tool_response field in content part")
		}
		return ToolCallResponse{
			ToolCallID: partJSON.ToolResponse.ToolCallID,
			Name:       partJSON.ToolResponse.Name,
			Content:    partJSON.ToolResponse.Content,
		}, nil
	}
	return nil, errors.Newf("unsupported content part type: %q", partJSON.Type)
}
