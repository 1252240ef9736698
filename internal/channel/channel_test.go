package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTablePreOpensPrimaryChannel(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.IsActive(0))
	require.Equal(t, SegmentPrimary, tbl.Get(0).Segment)
}

func TestOpenActivatesChannel(t *testing.T) {
	tbl := NewTable()
	ch, err := tbl.Open(5, 0, SegmentAux, DirectionInput, 42)
	require.NoError(t, err)
	require.True(t, ch.Active)
	require.Equal(t, uint8(0), ch.Parent)
	require.Equal(t, SegmentAux, ch.Segment)
	require.Equal(t, DirectionInput, ch.Direction)
	require.Equal(t, uint32(42), ch.Cookie)
	require.True(t, tbl.IsActive(5))
}

func TestOpenRejectsAlreadyActiveChannel(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Open(3, 0, SegmentAux, DirectionOutput, 0)
	require.NoError(t, err)
	_, err = tbl.Open(3, 0, SegmentAux, DirectionOutput, 0)
	require.Error(t, err)
}

func TestCloseResetsChannelAndReportsPrimary(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Open(9, 0, SegmentPopup, DirectionOutput, 1)
	require.NoError(t, err)

	wasPrimary := tbl.Close(9)
	require.False(t, wasPrimary)
	require.False(t, tbl.IsActive(9))
	require.Equal(t, SegmentUnknown, tbl.Get(9).Segment)

	wasPrimary = tbl.Close(0)
	require.True(t, wasPrimary)
	require.False(t, tbl.IsActive(0))
}

func TestCloseOnInactiveChannelIsNoop(t *testing.T) {
	tbl := NewTable()
	require.False(t, tbl.Close(7))
}

func TestCloseAllResetsEveryChannel(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Open(1, 0, SegmentAux, DirectionOutput, 0)
	require.NoError(t, err)
	_, err = tbl.Open(2, 0, SegmentAux, DirectionOutput, 0)
	require.NoError(t, err)

	tbl.CloseAll()
	for i := 0; i < 256; i++ {
		require.False(t, tbl.IsActive(uint8(i)))
	}
}

func TestReopenAfterCloseSucceeds(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Open(4, 0, SegmentAux, DirectionOutput, 0)
	require.NoError(t, err)
	tbl.Close(4)
	_, err = tbl.Open(4, 0, SegmentCursor, DirectionInput, 7)
	require.NoError(t, err)
	require.Equal(t, SegmentCursor, tbl.Get(4).Segment)
}
