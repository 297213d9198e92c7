package registry

import "fmt"

// Status is a document lifecycle state.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusRegistered  Status = "registered"
	StatusInWork      Status = "in_work"
	StatusDistributed Status = "distributed"
	StatusResolved    Status = "resolved"
	StatusArchived    Status = "archived"
	StatusCancelled   Status = "cancelled"
)

// lattice is the forward order of the non-cancelled states.
var lattice = []Status{
	StatusDraft,
	StatusRegistered,
	StatusInWork,
	StatusDistributed,
	StatusResolved,
	StatusArchived,
}

// Rank returns the position of s in the forward order, or -1 for cancelled and
// unknown states.
func (s Status) Rank() int {
	for i, st := range lattice {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusCancelled || s.Rank() >= 0
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusArchived || s == StatusCancelled
}

// Before reports whether s strictly precedes other in the forward order.
// Cancelled precedes nothing and follows nothing.
func (s Status) Before(other Status) bool {
	a, b := s.Rank(), other.Rank()
	return a >= 0 && b >= 0 && a < b
}

// CanTransition reports whether a direct status change from -> to is allowed
// through TransitionStatus. Archived is only reachable through Archive.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusArchived:
		return false
	}
	return to.Rank() == from.Rank()+1
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
