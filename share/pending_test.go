package drshare

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingCommands_CompleteRemoves(t *testing.T) {
	p := NewPendingCommands(time.Minute)
	now := time.Now()
	p.Add(&PendingCommand{CommandID: "c1", DeviceID: "A1", IssuedAt: now})

	cmd := p.Complete("c1")
	require.NotNil(t, cmd)
	assert.Equal(t, "A1", cmd.DeviceID)
	assert.Nil(t, p.Complete("c1"))
	assert.Nil(t, p.Complete("nope"))
	assert.Equal(t, 0, p.Len())
}

func TestPendingCommands_ExpireOldestFirst(t *testing.T) {
	p := NewPendingCommands(time.Minute)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.Add(&PendingCommand{CommandID: "young", IssuedAt: base.Add(90 * time.Second)})
	p.Add(&PendingCommand{CommandID: "old", IssuedAt: base})
	p.Add(&PendingCommand{CommandID: "middle", IssuedAt: base.Add(30 * time.Second)})

	expired := p.Expire(base.Add(2 * time.Minute))

	require.Len(t, expired, 2)
	assert.Equal(t, "old", expired[0].CommandID)
	assert.Equal(t, "middle", expired[1].CommandID)
	assert.Equal(t, 1, p.Len())
	assert.NotNil(t, p.Complete("young"))
}

func TestPendingCommands_ExpireAtBoundaryKeeps(t *testing.T) {
	p := NewPendingCommands(time.Minute)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.Add(&PendingCommand{CommandID: "c1", IssuedAt: base})

	assert.Empty(t, p.Expire(base.Add(time.Minute)))
	assert.Equal(t, 1, p.Len())
}
