package runner

import "sync"

// taskGroup runs units and waits for quiescence. Unlike a WaitGroup it
// accepts new work while someone waits, until it is closed.
type taskGroup struct {
	mu     sync.Mutex
	idle   *sync.Cond
	n      int
	closed bool
}

func newTaskGroup() *taskGroup {
	g := &taskGroup{}
	g.idle = sync.NewCond(&g.mu)
	return g
}

// Go runs fn in a goroutine. It reports false once the group is closed.
func (g *taskGroup) Go(fn func()) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.n++
	g.mu.Unlock()

	go func() {
		defer g.done()
		fn()
	}()
	return true
}

func (g *taskGroup) done() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n--
	if g.n == 0 {
		g.idle.Broadcast()
	}
}

// Close waits until nothing runs and stops accepting work.
func (g *taskGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.n > 0 {
		g.idle.Wait()
	}
	g.closed = true
}
