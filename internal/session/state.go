package session

import "sync/atomic"

// State is a WorkerSession's position in its connection lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateSubscribed
	StateAuthorized
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type atomicState struct{ v atomic.Int32 }

func (a *atomicState) load() State       { return State(a.v.Load()) }
func (a *atomicState) store(s State)     { a.v.Store(int32(s)) }
