package session

import "fmt"

// State is a session's position in its lifecycle.
type State int32

const (
	// Spawning: the child has been started but has not attached yet.
	Spawning State = iota
	// Passive: attached, not presenting.
	Passive
	Playing
	Paused
	// Suspended: paused with the frame queues flushed.
	Suspended
	// Finished: the child reported end of stream; queued frames may still
	// be presented.
	Finished
	Terminated
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Passive:
		return "passive"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Suspended:
		return "suspended"
	case Finished:
		return "finished"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
