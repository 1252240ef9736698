package directory

import (
	"path/filepath"
	"testing"

	"github.com/arlojansen/vmux/internal/callback"
	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestPutBumpsGeneration(t *testing.T) {
	c := NewCatalog()
	c.Put(Entry{DirEntry: protocol.DirEntry{ID: 1, Name: "files"}})
	c.Put(Entry{DirEntry: protocol.DirEntry{ID: 1, Name: "files-v2"}})

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint16(2), snap[0].Generation)
	require.Equal(t, "files-v2", snap[0].Name)
}

func TestRemoveDeletesEntry(t *testing.T) {
	c := NewCatalog()
	c.Put(Entry{DirEntry: protocol.DirEntry{ID: 1}})
	c.Remove(1)
	require.Empty(t, c.Snapshot())
}

func TestDiffReturnsOnlyNewerEntries(t *testing.T) {
	c := NewCatalog()
	c.Put(Entry{DirEntry: protocol.DirEntry{ID: 1}}) // generation 1
	c.Put(Entry{DirEntry: protocol.DirEntry{ID: 2}}) // generation 1
	c.Put(Entry{DirEntry: protocol.DirEntry{ID: 1}}) // generation 2

	diff := c.Diff(map[uint16]uint16{1: 1, 2: 1})
	require.Len(t, diff, 1)
	require.Equal(t, uint16(1), diff[0].ID)
	require.Equal(t, uint16(2), diff[0].Generation)
}

func TestDiffTreatsUnknownIDAsAlwaysIncluded(t *testing.T) {
	c := NewCatalog()
	c.Put(Entry{DirEntry: protocol.DirEntry{ID: 5}})
	diff := c.Diff(map[uint16]uint16{})
	require.Len(t, diff, 1)
}

func TestPersistentCatalogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	c1, err := OpenPersistentCatalog(path)
	require.NoError(t, err)
	c1.Put(Entry{DirEntry: protocol.DirEntry{ID: 9, Name: "persisted", Size: 123}})
	require.NoError(t, c1.Close())

	c2, err := OpenPersistentCatalog(path)
	require.NoError(t, err)
	defer c2.Close()

	snap := c2.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "persisted", snap[0].Name)
	require.Equal(t, uint64(123), snap[0].Size)
}

type stubOpener struct {
	res callback.DynamicResourceResult
	err error
}

func (s stubOpener) Open(targetPub [32]byte, mode uint8) (callback.DynamicResourceResult, error) {
	return s.res, s.err
}

func TestMediatorHandleOpenSuccess(t *testing.T) {
	m := &Mediator{Opener: stubOpener{res: callback.DynamicResourceResult{
		OK: true, Proto: protocol.DirProtoIPv4, Host: "10.0.0.1", Port: 6000,
	}}}
	req := protocol.DirOpen{Mode: protocol.DirOpenModeDirect}
	req.TargetPubKey[0] = 7

	reply, err := m.HandleOpen(req)
	require.NoError(t, err)
	require.Equal(t, req.TargetPubKey, reply.PubKey)
	require.Equal(t, "10.0.0.1", reply.Host)
	require.Equal(t, uint16(6000), reply.Port)
}

func TestMediatorHandleOpenRejection(t *testing.T) {
	m := &Mediator{Opener: stubOpener{res: callback.DynamicResourceResult{OK: false}}}
	reply, err := m.HandleOpen(protocol.DirOpen{})
	require.NoError(t, err)
	require.Equal(t, uint8(0), reply.Proto)
}

func TestMediatorHandleOpenNoOpener(t *testing.T) {
	m := &Mediator{}
	_, err := m.HandleOpen(protocol.DirOpen{})
	require.Error(t, err)
}

func TestIsTunnelMode(t *testing.T) {
	require.True(t, IsTunnelMode(protocol.DirOpen{Mode: protocol.DirOpenModeTunnel}))
	require.False(t, IsTunnelMode(protocol.DirOpen{Mode: protocol.DirOpenModeDirect}))
}
