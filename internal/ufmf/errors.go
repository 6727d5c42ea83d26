package ufmf

import "errors"

var (
	// ErrOpen means the output could not be created or its header written.
	ErrOpen = errors.New("ufmf: cannot open output")
	// ErrAlloc means the ring buffers could not be allocated.
	ErrAlloc = errors.New("ufmf: cannot allocate buffers")
	// ErrBackpressure means no ring slot freed up within the wait timeout.
	// The frame was not accepted and did not consume a frame number.
	ErrBackpressure = errors.New("ufmf: no free frame slot")
	// ErrThreadTimeout means a pipeline stage stopped making progress. The
	// session is finalized with what was written so far.
	ErrThreadTimeout = errors.New("ufmf: pipeline wait timed out")
	// ErrWrite means the output failed. The index is not written, which
	// leaves the file marked as incomplete.
	ErrWrite = errors.New("ufmf: write failed")

	ErrNotWriting     = errors.New("ufmf: writer is not accepting frames")
	ErrAlreadyStarted = errors.New("ufmf: writer already started")
	ErrFrameSize      = errors.New("ufmf: frame size does not match")
)
