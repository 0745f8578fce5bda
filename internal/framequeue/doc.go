// Package framequeue buffers raw audio or video payloads between a producer
// goroutine and the engine's logic thread.
//
// A [FrameQueue] owns a fixed arena of [Cell]s. One I/O goroutine per queue
// takes a cell from the free list, fills it through a [ReadFunc] and appends
// it to the ready list; the consumer takes cells off the ready list with
// [FrameQueue.Dequeue] (or inspects the front with [FrameQueue.Peek]) and
// hands them back with [FrameQueue.Release]. Cell counts are small, so one
// mutex covers the whole arena.
//
// When every cell is ready or held by the consumer the I/O goroutine blocks,
// which is the queue's backpressure towards its source.
package framequeue
