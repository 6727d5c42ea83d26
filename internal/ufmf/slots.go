package ufmf

import (
	"any2ufmf-go/internal/processing"
)

// slot is one cell of the frame ring. Its free and ready channels carry at
// most one token each: free is full while nobody owns the slot, ready is
// filled by the worker that compressed the slot's frame.
type slot struct {
	pixels      []byte
	frameNumber uint64
	timestamp   float64
	buffered    uint64
	dropped     uint64
	snap        *processing.Snapshot
	cf          *processing.CompressedFrame

	free  chan struct{}
	ready chan struct{}
}

func newSlot(width, height, boxLength int, maxFracFg float64) (*slot, error) {
	cf, err := processing.NewCompressedFrame(width, height, boxLength, maxFracFg)
	if err != nil {
		return nil, err
	}
	s := &slot{
		pixels: make([]byte, width*height),
		cf:     cf,
		free:   make(chan struct{}, 1),
		ready:  make(chan struct{}, 1),
	}
	s.free <- struct{}{}
	return s, nil
}

// release hands the slot back to the producer.
func (s *slot) release() {
	s.snap = nil
	s.free <- struct{}{}
}

// pendingKeyframe is a keyframe scheduled by the producer and not yet
// written. It is emitted ahead of the first frame whose timestamp reaches it.
type pendingKeyframe struct {
	timestamp float64
	snap      *processing.Snapshot
}

// snapshotPair holds the two published background snapshots. The producer
// only ever replaces the inactive one, then flips.
type snapshotPair struct {
	slots  [2]*processing.Snapshot
	active int
}

func (p *snapshotPair) publish(s *processing.Snapshot) {
	inactive := 1 - p.active
	p.slots[inactive] = s
	p.active = inactive
}

func (p *snapshotPair) current() *processing.Snapshot {
	return p.slots[p.active]
}
