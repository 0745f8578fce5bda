// Package session implements the parent side of one frameserver: the shared
// segment and semaphores it owns, the child process, the event queues in
// both directions, the audio and video frame queues, and the state machine
// that ties them together.
//
// A Session is driven from a single logic goroutine. [Session.Control] is
// called once per tick and reports fatal conditions (integrity failure,
// child exit, killswitch) as a [*FatalError]; the owner then flushes the
// session's events, announces the termination and calls [Session.Free].
// Only [Session.Kill] and [Session.Stats] are safe to call from other
// goroutines.
package session
