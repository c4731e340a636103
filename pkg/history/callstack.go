// Package history records the commands a test issued as a call tree.
package history

import (
	"sync"
	"time"
)

// Node is one recorded command. Field names are kept short because whole
// trees travel with every test result.
type Node struct {
	Name      string  `json:"n"`
	Args      []any   `json:"a,omitempty"`
	TimeStart int64   `json:"ts"`
	TimeEnd   int64   `json:"te"`
	Duration  int64   `json:"d"`
	Children  []*Node `json:"c"`
	Failed    bool    `json:"f,omitempty"`

	handle uint64
}

// Callstack builds a history tree from nested Enter/Leave pairs.
type Callstack struct {
	mu      sync.Mutex
	next    uint64
	stack   []*Node
	history []*Node
	now     func() time.Time
}

// NewCallstack creates an empty call stack.
func NewCallstack() *Callstack {
	return &Callstack{now: time.Now}
}

// Enter opens a node and returns the handle that closes it.
func (c *Callstack) Enter(name string, args ...any) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	c.stack = append(c.stack, &Node{
		Name:      name,
		Args:      args,
		TimeStart: c.now().UnixMilli(),
		Children:  []*Node{},
		handle:    c.next,
	})
	return c.next
}

// Fail marks an open node as failed.
func (c *Callstack) Fail(handle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.find(handle); i >= 0 {
		c.stack[i].Failed = true
	}
}

// Leave closes the node of handle. Nodes opened after it and still open are
// discarded; leaving a node already discarded is a no-op.
func (c *Callstack) Leave(handle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.find(handle)
	if i < 0 {
		return
	}
	node := c.stack[i]
	c.stack = c.stack[:i]

	node.TimeEnd = c.now().UnixMilli()
	node.Duration = node.TimeEnd - node.TimeStart

	if len(c.stack) == 0 {
		c.history = append(c.history, node)
		return
	}
	parent := c.stack[len(c.stack)-1]
	parent.Children = append(parent.Children, node)
}

func (c *Callstack) find(handle uint64) int {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i].handle == handle {
			return i
		}
	}
	return -1
}

// Flush returns the finished root nodes and resets the call stack.
func (c *Callstack) Flush() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.history
	c.history = nil
	c.stack = nil
	return h
}
