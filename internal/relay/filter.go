package relay

import "encoding/json"

// Rejection is the structured error envelope sent back to the client.
// It is never forwarded upstream.
type Rejection struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Received string `json:"received,omitempty"`
}

// Rejection codes.
const (
	CodeUnsupportedEvent   = "unsupported_event"
	CodeUnsupportedContent = "unsupported_content"
	CodeInvalidJSON        = "invalid_json"
)

// allowedKinds is the fixed allow-list of client event kinds.
var allowedKinds = map[string]bool{
	"session.update":             true,
	"conversation.item.create":   true,
	"conversation.item.delete":   true,
	"conversation.item.truncate": true,
	"response.create":            true,
	"response.cancel":            true,
}

type clientEvent struct {
	Type string `json:"type"`
	Item *struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
	} `json:"item"`
}

// Filter classifies inbound client messages against the allow-list.
// A single bad message is dropped with a rejection, the session
// continues; only repeated undecodable input beyond the limit is fatal.
type Filter struct {
	malformedLimit int
	malformedRun   int // consecutive undecodable frames
}

// NewFilter creates a filter. limit bounds consecutive malformed frames
// before the session is closed (<=0 disables the close policy).
func NewFilter(limit int) *Filter {
	return &Filter{malformedLimit: limit}
}

// Check classifies one frame. forward reports whether the frame may go
// upstream; rej is non-nil when the client must receive a rejection;
// fatal reports that the malformed limit was exceeded and the session
// should close.
func (f *Filter) Check(frame []byte) (forward bool, rej *Rejection, fatal bool) {
	var ev clientEvent
	if err := json.Unmarshal(frame, &ev); err != nil || ev.Type == "" {
		f.malformedRun++
		fatal = f.malformedLimit > 0 && f.malformedRun > f.malformedLimit
		return false, &Rejection{Type: "error", Code: CodeInvalidJSON}, fatal
	}
	f.malformedRun = 0

	if !allowedKinds[ev.Type] {
		return false, &Rejection{Type: "error", Code: CodeUnsupportedEvent, Received: ev.Type}, false
	}
	if ev.Type == "conversation.item.create" && !textOnlyItem(ev) {
		return false, &Rejection{Type: "error", Code: CodeUnsupportedContent, Received: ev.Type}, false
	}
	return true, nil, false
}

// textOnlyItem reports whether an item.create carries only text content.
func textOnlyItem(ev clientEvent) bool {
	if ev.Item == nil || ev.Item.Type != "message" {
		return false
	}
	for _, part := range ev.Item.Content {
		if part.Type != "input_text" && part.Type != "text" {
			return false
		}
	}
	return len(ev.Item.Content) > 0
}
