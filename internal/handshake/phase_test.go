package handshake

import (
	"testing"

	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestRolesCompatible(t *testing.T) {
	require.True(t, RolesCompatible(protocol.RoleSource, protocol.RoleSink, false))
	require.True(t, RolesCompatible(protocol.RoleSink, protocol.RoleSource, false))
	require.False(t, RolesCompatible(protocol.RoleSource, protocol.RoleSource, false))
	require.True(t, RolesCompatible(protocol.RoleProbe, protocol.RoleSource, false))
	require.True(t, RolesCompatible(protocol.RoleDirectory, protocol.RoleSource, false))
	require.False(t, RolesCompatible(protocol.RoleDirectory, protocol.RoleDirectory, false))
	require.True(t, RolesCompatible(protocol.RoleDirectory, protocol.RoleDirectory, true))
}

func TestTwoRoundHandshakeConverges(t *testing.T) {
	serverLong, err := GenerateKeyPair()
	require.NoError(t, err)
	clientLong, err := GenerateKeyPair()
	require.NoError(t, err)

	client := NewClientState(protocol.RoleSource, clientLong, true)
	server := NewServerState(protocol.RoleSink, serverLong, false)

	firstHello, err := client.ClientHello()
	require.NoError(t, err)
	require.Equal(t, PoliteHelloSent, client.Phase)

	reply, err := server.ServerHandleHello(firstHello.Role, firstHello, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, EphemeralPK, server.Phase)

	secondHello, err := client.ClientHandleServerReply(*reply, clientLong)
	require.NoError(t, err)
	require.Equal(t, RealHelloSent, client.Phase)

	err = server.ServerHandleRealHello(secondHello, nil, nil)
	require.NoError(t, err)
	require.True(t, server.Done())

	client.ClientFinish()
	require.True(t, client.Done())

	require.Equal(t, server.Keys, client.Keys)
	require.Equal(t, clientLong.Public, server.Remote)
	require.Equal(t, server.ephemeral.Public, client.Remote)
}

func TestSingleRoundHandshakeConverges(t *testing.T) {
	serverLong, err := GenerateKeyPair()
	require.NoError(t, err)
	clientLong, err := GenerateKeyPair()
	require.NoError(t, err)

	client := NewClientState(protocol.RoleSource, clientLong, false)
	server := NewServerState(protocol.RoleSink, serverLong, false)

	hello, err := client.ClientHello()
	require.NoError(t, err)
	require.Equal(t, RealHelloSent, client.Phase)

	lookup := func(remotePub [32]byte, tag any) (PKLookupResult, error) {
		ss, err := SharedSecret(serverLong.Private, remotePub)
		require.NoError(t, err)
		keys, err := DeriveSessionKeys(ss, nil)
		require.NoError(t, err)
		return PKLookupResult{Authentic: true, KeyPub: remotePub, KeySession: keys}, nil
	}

	reply, err := server.ServerHandleHello(hello.Role, hello, lookup, nil)
	require.NoError(t, err)
	require.Nil(t, reply)
	require.True(t, server.Done())

	ss, err := SharedSecret(clientLong.Private, serverLong.Public)
	require.NoError(t, err)
	clientKeys, err := DeriveSessionKeys(ss, nil)
	require.NoError(t, err)

	require.Equal(t, server.Keys, clientKeys)
}

func TestServerRejectsIncompatibleRoles(t *testing.T) {
	serverLong, err := GenerateKeyPair()
	require.NoError(t, err)
	clientLong, err := GenerateKeyPair()
	require.NoError(t, err)

	client := NewClientState(protocol.RoleSource, clientLong, true)
	server := NewServerState(protocol.RoleSource, serverLong, false)

	hello, err := client.ClientHello()
	require.NoError(t, err)

	_, err = server.ServerHandleHello(hello.Role, hello, nil, nil)
	require.Error(t, err)
	var brokenErr *ErrBroken
	require.ErrorAs(t, err, &brokenErr)
}

func TestHelloOutsideUnauthenticatedIsBroken(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	client := NewClientState(protocol.RoleSource, kp, false)
	_, err = client.ClientHello()
	require.NoError(t, err)

	_, err = client.ClientHello()
	require.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "FULL_PK", FullPK.String())
	require.Equal(t, "UNKNOWN", Phase(999).String())
}
