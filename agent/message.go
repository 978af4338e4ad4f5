package agent

// Message types sent to UI peers.
const (
	TypeParams   = "params"   // full parameter snapshot
	TypeParam    = "param"    // one changed parameter
	TypeModal    = "modal"    // dialog state
	TypeResult   = "result"   // outcome of a send or submit
	TypeNavigate = "navigate" // page change
	TypeBack     = "back"
)

// Message types received from UI peers.
const (
	TypeSend   = "send"   // async exchange
	TypeSet    = "set"    // write one parameter
	TypeSubmit = "submit" // form submission
	TypeClose  = "close"  // dialog closed
	TypeCancel = "cancel" // abandon pending exchanges
)

// ModalState is the dialog as peers should draw it.
type ModalState struct {
	Open    bool   `json:"open"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body,omitempty"`
	Buttons string `json:"buttons,omitempty"`
	Depth   int    `json:"depth"`
}

// Field is one form input sent by a peer.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is the JSON frame exchanged with UI peers over the websocket. Only the
// fields relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	Key    string            `json:"key,omitempty"`
	Value  string            `json:"value,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	Command   string         `json:"command,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Fields    []Field        `json:"fields,omitempty"`
	URL       string         `json:"url,omitempty"`
	RequestID string         `json:"requestID,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"errorKind,omitempty"`

	Reason string      `json:"reason,omitempty"`
	Modal  *ModalState `json:"modal,omitempty"`
	Target string      `json:"target,omitempty"`

	// ClientID names the browser tab a message came from, so it is not echoed back.
	ClientID string `json:"clientID,omitempty"`
}
