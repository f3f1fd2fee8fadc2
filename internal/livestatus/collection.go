package livestatus

import (
	"sync"

	"github.com/flightcheckhq/flightcheck/internal/model"
)

// Collection is an ordered set of test runs for one user. Events mutate the
// matching record in place; order never changes on update.
type Collection struct {
	runs  []model.TestRun
	index map[string]int
}

// NewCollection copies the given runs, preserving their order.
func NewCollection(runs []model.TestRun) *Collection {
	c := &Collection{
		runs:  make([]model.TestRun, len(runs)),
		index: make(map[string]int, len(runs)),
	}
	copy(c.runs, runs)
	for i, r := range c.runs {
		c.index[r.ID] = i
	}
	return c
}

// Apply merges the event into the matching record. It returns false when the
// event was dropped: unknown id, terminal record, or stale version.
func (c *Collection) Apply(e Event) bool {
	i, ok := c.index[e.TestID]
	if !ok {
		// Outside the loaded window
		return false
	}
	current := c.runs[i]
	if current.Status.Terminal() {
		return false
	}
	if e.Version > 0 && e.Version <= current.Version {
		return false
	}
	c.runs[i] = apply(current, e)
	return true
}

// Get returns a copy of the record with the given id.
func (c *Collection) Get(id string) (model.TestRun, bool) {
	i, ok := c.index[id]
	if !ok {
		return model.TestRun{}, false
	}
	return c.runs[i], true
}

// Runs returns a copy of the collection in its original order.
func (c *Collection) Runs() []model.TestRun {
	out := make([]model.TestRun, len(c.runs))
	copy(out, c.runs)
	return out
}

// Cache holds one Collection per user, primed from the full list fetch and
// advanced by push events.
type Cache struct {
	mu    sync.RWMutex
	users map[int64]*Collection
}

func NewCache() *Cache {
	return &Cache{users: make(map[int64]*Collection)}
}

// Prime replaces the user's collection with a fresh full-list snapshot. The
// snapshot is the source of truth; any state applied by events since the
// previous prime is discarded.
func (c *Cache) Prime(userID int64, runs []model.TestRun) {
	c.mu.Lock()
	c.users[userID] = NewCollection(runs)
	c.mu.Unlock()
}

// Apply routes an event to the user's collection. Returns false when the
// user has no primed collection or the collection dropped the event.
func (c *Cache) Apply(userID int64, e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.users[userID]
	if !ok {
		return false
	}
	return col.Apply(e)
}

// Snapshot returns the user's current view, or nil if never primed.
func (c *Cache) Snapshot(userID int64) []model.TestRun {
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.users[userID]
	if !ok {
		return nil
	}
	return col.Runs()
}

// Drop forgets the user's collection, for sign-out.
func (c *Cache) Drop(userID int64) {
	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()
}
