// Package dispatch wires CONTROL command codes (spec §4.1/§6) to the
// handler methods a connection installs, replacing the reference's giant
// switch-on-command inline in the unpack loop with a small registered
// table, in the spirit of the mq package's inbox/dispatch separation in
// the teacher (internal/mq/manager.go).
package dispatch

import (
	"fmt"

	"github.com/arlojansen/vmux/internal/protocol"
)

// Handler processes one fully-decoded CONTROL command's body.
type Handler func(body []byte) error

// Table maps CONTROL command codes to handlers. Unset entries cause
// Dispatch to return an error the caller should treat as a protocol
// violation (spec §4.1: unknown commands are rejected, not ignored).
type Table struct {
	handlers [256]Handler
}

// NewTable returns an empty dispatch table.
func NewTable() *Table {
	return &Table{}
}

// Register installs the handler for one command code. Registering twice
// for the same code overwrites the previous handler.
func (t *Table) Register(cmd uint8, h Handler) {
	t.handlers[cmd] = h
}

// Dispatch invokes the handler registered for cmd.
func (t *Table) Dispatch(cmd uint8, body []byte) error {
	h := t.handlers[cmd]
	if h == nil {
		return fmt.Errorf("dispatch: no handler registered for command %d", cmd)
	}
	return h(body)
}

// CoreCommands lists the full set of CONTROL command codes spec §6
// defines, for callers that want to assert every one got a handler
// registered before going live.
var CoreCommands = []uint8{
	protocol.CmdHello,
	protocol.CmdShutdown,
	protocol.CmdNewChannel,
	protocol.CmdCancelStream,
	protocol.CmdPing,
	protocol.CmdVideoFrame,
	protocol.CmdAudioFrame,
	protocol.CmdBinaryStream,
	protocol.CmdDirList,
	protocol.CmdDirState,
	protocol.CmdDirDiscover,
	protocol.CmdDirOpen,
	protocol.CmdDirOpened,
	protocol.CmdRekey,
}

// MissingHandlers reports which of CoreCommands have no handler
// registered in t.
func (t *Table) MissingHandlers() []uint8 {
	var missing []uint8
	for _, cmd := range CoreCommands {
		if t.handlers[cmd] == nil {
			missing = append(missing, cmd)
		}
	}
	return missing
}
