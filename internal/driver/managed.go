package driver

import "fmt"

// ManagedResource is the reference-counted core of a conductor-owned object.
// It is only touched by the conductor goroutine.
type ManagedResource struct {
	RegistrationID         int64
	TimeOfLastStatusChange int64
	refcnt                 int32
}

// Refcnt returns the current reference count.
func (m *ManagedResource) Refcnt() int32 { return m.refcnt }

// IncRef adds a reference.
func (m *ManagedResource) IncRef() { m.refcnt++ }

// DecRef drops a reference and reports whether it reached zero. Dropping below
// zero means the conductor's bookkeeping is corrupt.
func (m *ManagedResource) DecRef() bool {
	m.refcnt--
	if m.refcnt < 0 {
		panic(fmt.Sprintf("driver: refcnt of registration %d went negative", m.RegistrationID))
	}
	return m.refcnt == 0
}
