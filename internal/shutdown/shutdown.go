// Package shutdown implements the server's shutdown coordinator: a
// set of shared atomic flags, one per participating goroutine, flipped
// once by an external signal handler and polled once per loop
// iteration by every participant.
package shutdown

import (
	"sync"
	"sync/atomic"
)

// Coordinator owns one flag and one completion signal per registered
// participant (the accept loop, each worker, the bus dispatcher).
type Coordinator struct {
	mu     sync.Mutex
	flags  []*atomic.Bool
	names  []string
	wg     sync.WaitGroup
	stopMu sync.Once
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Register adds a participant and returns its flag (to be polled each
// loop iteration) and a Done func the participant must call exactly
// once on exit.
func (c *Coordinator) Register(name string) (flag *atomic.Bool, done func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &atomic.Bool{}
	c.flags = append(c.flags, f)
	c.names = append(c.names, name)
	c.wg.Add(1)
	var once sync.Once
	return f, func() { once.Do(c.wg.Done) }
}

// Stop sets every registered participant's flag. Calling Stop more
// than once is safe and a no-op after the first call.
func (c *Coordinator) Stop() {
	c.stopMu.Do(func() {
		c.mu.Lock()
		flags := c.flags
		c.mu.Unlock()
		for _, f := range flags {
			f.Store(true)
		}
	})
}

// Join blocks until every registered participant has called its Done
// func.
func (c *Coordinator) Join() {
	c.wg.Wait()
}
