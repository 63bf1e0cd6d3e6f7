package chat

import (
	"strconv"
	"sync"
	"testing"

	"github.com/parley-chat/parley/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()
	conn, _ := testConn("alice", domain.RoleUser)

	r.Register(conn)

	require.True(t, r.IsOnline("alice"))
	require.Len(t, r.Connections("alice"), 1)
}

func TestRegistry_MultiTab(t *testing.T) {
	r := NewRegistry()
	tab1, _ := testConn("alice", domain.RoleUser)
	tab2, _ := testConn("alice", domain.RoleUser)

	r.Register(tab1)
	r.Register(tab2)

	require.Len(t, r.Connections("alice"), 2)

	// Dropping one tab keeps the user online.
	offline := r.Unregister(tab1)
	require.False(t, offline)
	require.True(t, r.IsOnline("alice"))

	offline = r.Unregister(tab2)
	require.True(t, offline)
	require.False(t, r.IsOnline("alice"))
}

func TestRegistry_OfflineLookupIsNotAnError(t *testing.T) {
	r := NewRegistry()
	require.Nil(t, r.Connections("nobody"))
	require.False(t, r.IsOnline("nobody"))
}

func TestRegistry_UnregisterStale(t *testing.T) {
	r := NewRegistry()
	conn, _ := testConn("alice", domain.RoleUser)

	// Unregistering a connection that was never registered is harmless.
	require.False(t, r.Unregister(conn))
}

func TestRegistry_BroadcastToAdmins(t *testing.T) {
	r := NewRegistry()
	user, userWire := testConn("alice", domain.RoleUser)
	admin1, admin1Wire := testConn("mod1", domain.RoleAdmin)
	admin2, admin2Wire := testConn("mod2", domain.RoleAdmin)

	r.Register(user)
	r.Register(admin1)
	r.Register(admin2)

	payload, err := Encode(EventApprovalNeeded, ConversationRef{ConversationID: "c1"})
	require.NoError(t, err)

	reached := r.BroadcastToAdmins(payload)
	require.Equal(t, 2, reached)

	require.Eventually(t, func() bool {
		return admin1Wire.countType(EventApprovalNeeded) == 1 &&
			admin2Wire.countType(EventApprovalNeeded) == 1
	}, waitTimeout, waitTick)

	require.Equal(t, 0, userWire.countType(EventApprovalNeeded))
}

func TestRegistry_Counts(t *testing.T) {
	r := NewRegistry()
	a1, _ := testConn("alice", domain.RoleUser)
	a2, _ := testConn("alice", domain.RoleUser)
	b, _ := testConn("bob", domain.RoleUser)

	r.Register(a1)
	r.Register(a2)
	r.Register(b)

	require.Equal(t, 2, r.OnlineUsers())
	require.Equal(t, 3, r.ConnectionCount())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			conn, _ := testConn("user"+strconv.Itoa(i%10), domain.RoleUser)
			r.Register(conn)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Connections("user" + strconv.Itoa(i%10))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.IsOnline("user" + strconv.Itoa(i%10))
		}
	}()

	wg.Wait()
}
