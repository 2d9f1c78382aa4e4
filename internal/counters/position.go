package counters

// Position is a handle to one progress counter. It is only valid while its
// slot is allocated; callers drop it before freeing the slot.
type Position struct {
	store *Store
	id    int32
}

// NewPosition wraps counter id of store.
func NewPosition(store *Store, id int32) Position { return Position{store: store, id: id} }

// ID returns the counter id.
func (p Position) ID() int32 { return p.id }

// Get loads the current value.
func (p Position) Get() int64 { return p.store.Get(p.id) }

// Set publishes v. Only the counter's single writer may call it.
func (p Position) Set(v int64) { p.store.Set(p.id, v) }

// ProposeMax publishes v if it is greater than the current value.
func (p Position) ProposeMax(v int64) bool {
	if v > p.store.Get(p.id) {
		p.store.Set(p.id, v)
		return true
	}
	return false
}

// Add increments the counter and returns the new value.
func (p Position) Add(delta int64) int64 { return p.store.Add(p.id, delta) }

// IsZero reports whether p was never assigned a store.
func (p Position) IsZero() bool { return p.store == nil }
