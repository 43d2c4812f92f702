package drshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of currently open and total device connection counts
type ConnStats struct {
	count int32
	open  int32
}

// New adds one to the total connection count and returns the new total, which
// doubles as a per-process connection number
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// NumOpen returns the number of currently open connections
func (c *ConnStats) NumOpen() int32 {
	return atomic.LoadInt32(&c.open)
}

// NumTotal returns the number of connections accepted since start
func (c *ConnStats) NumTotal() int32 {
	return atomic.LoadInt32(&c.count)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
