package types

// Event is a typed record emitted by the lending engines after a successful
// state mutation. Attributes carry string-encoded details such as loan IDs
// and amounts.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the named attribute or the empty string.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
