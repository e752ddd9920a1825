// Package wsbridge exposes exactly one ptysession.Session per WebSocket
// connection (spec Non-goals forbid fanning several children through a
// shared session). Binary frames carry raw session output/input directly;
// there is no pane-multiplexing framing since a connection never serves
// more than one child.
package wsbridge

import (
	"fmt"
)

// resizeMsg is the JSON payload for a client-initiated console resize.
type resizeMsg struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// errorMsg is the JSON payload for server error notifications sent to the
// client. After a session-factory failure the connection is then closed;
// after an invalid or failed resize message it stays open.
type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func validateResize(msg resizeMsg) error {
	if msg.Cols <= 0 || msg.Rows <= 0 {
		return fmt.Errorf("wsbridge: invalid resize %dx%d", msg.Cols, msg.Rows)
	}
	return nil
}
