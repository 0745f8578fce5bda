// Package netbridge forwards NET and EXTERNAL events between engines over
// SRT. Each connected engine is a Peer; events it sends are decoded, limited
// to the forwardable categories, stamped with the peer's id and delivered to
// the local default event queue, and local events are broadcast to every
// peer.
package netbridge
