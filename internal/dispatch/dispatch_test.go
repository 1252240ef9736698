package dispatch

import (
	"errors"
	"testing"

	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	tbl := NewTable()
	var got []byte
	tbl.Register(protocol.CmdPing, func(body []byte) error {
		got = body
		return nil
	})

	require.NoError(t, tbl.Dispatch(protocol.CmdPing, []byte{1, 2, 3}))
	require.Equal(t, []byte{1, 2, 3}, got)
}

func TestDispatchUnregisteredCommandErrors(t *testing.T) {
	tbl := NewTable()
	err := tbl.Dispatch(protocol.CmdHello, nil)
	require.Error(t, err)
}

func TestRegisterOverwritesPreviousHandler(t *testing.T) {
	tbl := NewTable()
	tbl.Register(protocol.CmdPing, func([]byte) error { return errors.New("first") })
	tbl.Register(protocol.CmdPing, func([]byte) error { return errors.New("second") })

	err := tbl.Dispatch(protocol.CmdPing, nil)
	require.EqualError(t, err, "second")
}

func TestMissingHandlersReportsUnregisteredCoreCommands(t *testing.T) {
	tbl := NewTable()
	missing := tbl.MissingHandlers()
	require.Equal(t, len(CoreCommands), len(missing))

	for _, cmd := range CoreCommands {
		tbl.Register(cmd, func([]byte) error { return nil })
	}
	require.Empty(t, tbl.MissingHandlers())
}

func TestMissingHandlersReportsPartialRegistration(t *testing.T) {
	tbl := NewTable()
	tbl.Register(protocol.CmdPing, func([]byte) error { return nil })

	missing := tbl.MissingHandlers()
	require.Len(t, missing, len(CoreCommands)-1)
	require.NotContains(t, missing, protocol.CmdPing)
}
