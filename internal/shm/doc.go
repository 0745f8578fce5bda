// Package shm is the platform layer under the frameserver transport: named
// shared-memory segments, named counting semaphores, and the fixed byte
// layout of a frameserver segment.
//
// The layout is the compatibility contract between the engine and its child
// processes. A segment starts with a 128-byte [Header] of atomic words,
// followed by the child-to-parent and parent-to-child event queue regions,
// the video buffer and the audio buffer (see [ComputeLayout]). Each session
// owns three semaphores derived from its key by suffix (see
// [SemaphoreNames]).
//
// Two [Platform] implementations exist: [Native], backed by mmap'd files and
// futexes on Linux, and [Memory], an in-process stand-in used by tests and
// by embedders that run frameservers as goroutines.
package shm
