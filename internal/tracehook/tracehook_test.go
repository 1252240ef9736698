package tracehook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskEnabled(t *testing.T) {
	m := Mask(CatVideo | CatCrypto)
	require.True(t, m.Enabled(CatVideo))
	require.True(t, m.Enabled(CatCrypto))
	require.False(t, m.Enabled(CatAudio))
}

func TestHookEnabledMirrorsMask(t *testing.T) {
	h := New("conn-1", Mask(CatSecurity))
	require.True(t, h.Enabled(CatSecurity))
	require.False(t, h.Enabled(CatDirectory))
}

func TestSetMaskUpdatesLiveHook(t *testing.T) {
	h := New("conn-1", Mask(0))
	require.False(t, h.Enabled(CatDebug))
	h.SetMask(Mask(CatDebug))
	require.True(t, h.Enabled(CatDebug))
}

func TestTraceOnNilHookIsNoop(t *testing.T) {
	var h *Hook
	require.NotPanics(t, func() { h.Trace(CatVideo, "frame %d", 1) })
}

func TestCategoryStringUnknown(t *testing.T) {
	require.Equal(t, "unknown", Category(0).String())
	require.Equal(t, "video", CatVideo.String())
}
