package types

// Terminal message types exchanged over the workspace terminal WebSocket.
const (
	TerminalMsgIn     = "terminal_in"
	TerminalMsgResize = "terminal_resize"
	TerminalMsgReady  = "terminal_ready"
	TerminalMsgOut    = "terminal_out"
	TerminalMsgClosed = "terminal_closed"
	TerminalMsgError  = "terminal_error"
)

// TerminalMessage is the envelope for all terminal WebSocket traffic.
// Only the fields relevant to the given Type are populated.
type TerminalMessage struct {
	Type   string `json:"type"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Error  string `json:"error,omitempty"`
}
