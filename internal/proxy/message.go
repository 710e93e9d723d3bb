package proxy

import "encoding/json"

// rawMessage mirrors Message but with Content typed as json.RawMessage so
// UnmarshalJSON can detect whether the inbound content is a plain string or
// a structured part sequence (spec §4.8: "content that is either a string
// or an ordered sequence of parts").
type rawMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// UnmarshalJSON decodes a Message, disambiguating string vs. structured
// content by attempting a string decode first.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role

	var asString string
	if err := json.Unmarshal(raw.Content, &asString); err == nil {
		m.Content = asString
		m.StructContent = nil
		return nil
	}

	var asParts []ContentPart
	if err := json.Unmarshal(raw.Content, &asParts); err != nil {
		return err
	}
	m.StructContent = asParts
	m.Content = ""
	return nil
}

// MarshalJSON re-encodes a Message, preferring structured content when
// present, falling back to the plain string otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.StructContent != nil {
		return json.Marshal(struct {
			Role    Role          `json:"role"`
			Content []ContentPart `json:"content"`
		}{Role: m.Role, Content: m.StructContent})
	}
	return json.Marshal(struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}{Role: m.Role, Content: m.Content})
}

// IsStructured reports whether the message carries structured content
// parts rather than a plain string.
func (m Message) IsStructured() bool {
	return m.StructContent != nil
}

// Text concatenates every text-type part's content, or returns Content
// directly for a plain-string message.
func (m Message) Text() string {
	if !m.IsStructured() {
		return m.Content
	}
	out := ""
	for _, p := range m.StructContent {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
