package testtree

import "sort"

// Collection holds the parsed trees of every browser.
type Collection struct {
	roots map[string][]*Suite
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{roots: make(map[string][]*Suite)}
}

// Add appends the root suite of one file for browserID.
func (c *Collection) Add(browserID string, root *Suite) {
	c.roots[browserID] = append(c.roots[browserID], root)
}

// Browsers returns the browsers with at least one file, sorted.
func (c *Collection) Browsers() []string {
	out := make([]string, 0, len(c.roots))
	for id := range c.roots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Roots returns the root suites of browserID in read order.
func (c *Collection) Roots(browserID string) []*Suite {
	return c.roots[browserID]
}

// Tests returns the tests of browserID in read order.
func (c *Collection) Tests(browserID string) []*Test {
	var out []*Test
	for _, root := range c.roots[browserID] {
		out = append(out, root.AllTests()...)
	}
	return out
}

// Len counts the tests of every browser.
func (c *Collection) Len() int {
	n := 0
	for id := range c.roots {
		n += len(c.Tests(id))
	}
	return n
}

// Find returns the test of browserID with fullTitle.
func (c *Collection) Find(browserID, fullTitle string) *Test {
	for _, t := range c.Tests(browserID) {
		if t.FullTitle() == fullTitle {
			return t
		}
	}
	return nil
}

// Disable marks every test with fullTitle in browserID as disabled and
// reports whether any matched.
func (c *Collection) Disable(browserID, fullTitle string) bool {
	found := false
	for _, t := range c.Tests(browserID) {
		if t.FullTitle() == fullTitle {
			t.Disabled = true
			found = true
		}
	}
	return found
}

// Each calls fn for every test of every browser.
func (c *Collection) Each(fn func(browserID string, t *Test)) {
	for _, id := range c.Browsers() {
		for _, t := range c.Tests(id) {
			fn(id, t)
		}
	}
}
