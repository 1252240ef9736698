package applpkg

import (
	"crypto/rand"
	"testing"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"
)

func TestBuildExtractRoundTrip(t *testing.T) {
	files := []FileRecord{
		{Path: "bin", Name: "run", Data: []byte("binary-bytes")},
		{Path: "", Name: "manifest.txt", Data: []byte("hello world")},
	}
	pkg, err := Build("demo", "1.0.0", files)
	require.NoError(t, err)

	manifest, records, err := Extract(pkg)
	require.NoError(t, err)
	require.Equal(t, "demo", manifest.Name)
	require.Equal(t, "1.0.0", manifest.Version)
	require.Equal(t, 2, manifest.Entries)
	require.Len(t, records, 2)

	// deterministic ordering: "" sorts before "bin"
	require.Equal(t, "manifest.txt", records[0].Name)
	require.Equal(t, []byte("hello world"), records[0].Data)
	require.Equal(t, "run", records[1].Name)
	require.Equal(t, []byte("binary-bytes"), records[1].Data)
}

func TestBuildExtractEmptyFileList(t *testing.T) {
	pkg, err := Build("empty", "0.0.1", nil)
	require.NoError(t, err)

	manifest, records, err := Extract(pkg)
	require.NoError(t, err)
	require.Equal(t, 0, manifest.Entries)
	require.Empty(t, records)
}

func TestSignAndVerify(t *testing.T) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	pkg, err := Build("signed", "1.0.0", []FileRecord{{Path: "", Name: "a", Data: []byte("x")}})
	require.NoError(t, err)

	sig, pub, err := Sign(pkg, priv)
	require.NoError(t, err)

	ok, err := Verify(pkg, sig, pub)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsTamperedPackage(t *testing.T) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	pkg, err := Build("signed", "1.0.0", []FileRecord{{Path: "", Name: "a", Data: []byte("x")}})
	require.NoError(t, err)

	sig, pub, err := Sign(pkg, priv)
	require.NoError(t, err)

	tampered := append([]byte(nil), pkg...)
	tampered[len(tampered)-1] ^= 0xFF

	ok, err := Verify(tampered, sig, pub)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChecksumHexIsDeterministic(t *testing.T) {
	data := []byte("some bytes")
	require.Equal(t, ChecksumHex(data), ChecksumHex(data))
	require.NotEqual(t, ChecksumHex(data), ChecksumHex([]byte("other bytes")))
}
