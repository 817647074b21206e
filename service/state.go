package service

import "fmt"

// State is the registration lifecycle state of a NetService.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateUnregistering
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateUnregistering:
		return "unregistering"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
