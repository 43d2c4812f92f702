package drshare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistrySession(t *testing.T, addr string) *Session {
	t.Helper()
	s := NewSession(newTestLogger(), newFakeConn(addr))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceRegistry_RegisterLookup(t *testing.T) {
	r := NewDeviceRegistry(newTestLogger())
	s := newRegistrySession(t, "a")

	assert.Nil(t, r.Lookup("A1"))
	assert.Nil(t, r.Register("A1", s))
	assert.Same(t, s, r.Lookup("A1"))
	assert.Equal(t, 1, r.Len())
	// re-registering the same binding is a no-op
	assert.Nil(t, r.Register("A1", s))
	assert.Equal(t, 1, r.Len())
}

func TestDeviceRegistry_ReplaceReturnsOrphan(t *testing.T) {
	r := NewDeviceRegistry(newTestLogger())
	s1 := newRegistrySession(t, "a")
	s2 := newRegistrySession(t, "b")

	require.Nil(t, r.Register("A1", s1))
	assert.Same(t, s1, r.Register("A1", s2))
	assert.Same(t, s2, r.Lookup("A1"))
	assert.False(t, s1.IsStartedShutdown())
}

func TestDeviceRegistry_ReplaceClosingSessionIsNotAnOrphan(t *testing.T) {
	r := NewDeviceRegistry(newTestLogger())
	s1 := newRegistrySession(t, "a")
	s2 := newRegistrySession(t, "b")

	require.Nil(t, r.Register("A1", s1))
	s1.StartShutdown(nil)
	assert.Nil(t, r.Register("A1", s2))
	assert.Same(t, s2, r.Lookup("A1"))
}

func TestDeviceRegistry_UnregisterChecksIdentity(t *testing.T) {
	r := NewDeviceRegistry(newTestLogger())
	s1 := newRegistrySession(t, "a")
	s2 := newRegistrySession(t, "b")

	r.Register("A1", s1)
	r.Register("A1", s2)

	assert.False(t, r.Unregister("A1", s1))
	assert.Same(t, s2, r.Lookup("A1"))
	assert.False(t, r.Unregister("B2", s2))
	assert.True(t, r.Unregister("A1", s2))
	assert.Nil(t, r.Lookup("A1"))
	assert.False(t, r.Unregister("A1", s2))
	assert.False(t, s2.IsStartedShutdown())
}

func TestDeviceRegistry_ListIsSorted(t *testing.T) {
	r := NewDeviceRegistry(newTestLogger())
	assert.Empty(t, r.List())

	for _, id := range []string{"zeta", "A1", "b2", "B2"} {
		r.Register(id, newRegistrySession(t, id))
	}

	assert.Equal(t, []string{"A1", "B2", "b2", "zeta"}, r.List())
	assert.Equal(t, 4, r.Len())
}
