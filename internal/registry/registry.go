// Package registry tracks live connection resources so shutdown can
// force-close them.
package registry

import "sync"

// Set is a concurrency-safe set. Insert, remove, and
// iterate-while-removing may run from many goroutines at once; there is
// no set-wide lock serializing unrelated members. Values must be
// comparable at runtime, the same requirement sync.Map places on keys,
// which admits interface values such as net.Conn.
//
// The zero value is ready to use.
type Set[T any] struct {
	members sync.Map
}

// Add inserts v.
func (s *Set[T]) Add(v T) {
	s.members.Store(v, struct{}{})
}

// Remove deletes v. Removing an absent value is a no-op.
func (s *Set[T]) Remove(v T) {
	s.members.Delete(v)
}

// Contains reports whether v is a member.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.members.Load(v)
	return ok
}

// Len counts the current members. The count is a snapshot; members may
// be added or removed concurrently.
func (s *Set[T]) Len() int {
	n := 0
	s.members.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Drain removes every member, calling fn on each as it is removed.
// Members added while Drain runs may or may not be visited.
func (s *Set[T]) Drain(fn func(T)) {
	s.members.Range(func(k, _ any) bool {
		s.members.Delete(k)
		fn(k.(T))
		return true
	})
}
