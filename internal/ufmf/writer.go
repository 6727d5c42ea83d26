package ufmf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"any2ufmf-go/internal/config"
	"any2ufmf-go/internal/output"
	"any2ufmf-go/internal/processing"
	"any2ufmf-go/internal/stats"
)

// State is the lifecycle stage of a Writer.
type State int32

const (
	StateIdle State = iota
	StateWriting
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// maxRingBytes bounds the memory the frame ring may take.
const maxRingBytes = 16 << 30

// FramePublisher receives accepted frames for live preview. Publish must not
// block and must copy pixels if it keeps them.
type FramePublisher interface {
	Publish(frameNumber uint64, timestamp float64, pixels []byte)
}

// Options configure a Writer.
type Options struct {
	Path   string
	Width  int
	Height int
	Params config.Params
	// Sink overrides Path when set.
	Sink    output.Sink
	Stats   *stats.Collector
	Preview FramePublisher
}

// Info describes a session, for cataloguing.
type Info struct {
	ID               uuid.UUID
	Path             string
	Width            int
	Height           int
	FramesWritten    uint64
	KeyframesWritten uint64
	FramesDropped    uint64
	IndexLoc         int64
	Finalized        bool
	Started          time.Time
	Stopped          time.Time
	Err              error
}

// Writer turns a stream of 8-bit frames into a ufmf file. One producer calls
// AddFrame; a pool of workers compresses frames against the current
// background snapshot; one writer goroutine emits chunks in frame order.
type Writer struct {
	id      uuid.UUID
	path    string
	sink    output.Sink
	width   int
	height  int
	nPixels int
	params  config.Params
	depth   int
	timeout time.Duration
	stats   *stats.Collector
	preview FramePublisher

	state atomic.Int32

	// mu guards the ring bookkeeping, the snapshot pair, the pending
	// keyframes and the session error.
	mu               sync.Mutex
	slots            []*slot
	nextFrame        uint64
	nextClaim        uint64
	snapshots        snapshotPair
	pendingKeyframes []pendingKeyframe
	stopped          bool
	err              error

	// addMu serializes producers. The fields below it are only touched by
	// the goroutine holding it.
	addMu         sync.Mutex
	bg            *processing.BackgroundModel
	haveBG        bool
	lastBGUpdate  float64
	haveKeyframe  bool
	lastKeyframe  float64
	nKeyframesDue int

	// nextWrite is owned by the writer goroutine.
	nextWrite uint64

	claimable  chan struct{}
	stop       chan struct{}
	abort      chan struct{}
	abortOnce  sync.Once
	writerDone chan struct{}
	workers    sync.WaitGroup

	enc          *output.Encoder
	numWritten   atomic.Uint64
	numKeyframes atomic.Uint64
	numDropped   atomic.Uint64
	indexLoc     int64
	finalized    bool
	started      time.Time
	stoppedAt    time.Time

	// test seams
	beforeCompress func(frameNumber uint64)
	beforeWrite    func(frameNumber uint64)
}

// New validates opts and returns an idle Writer. Parameter problems are
// logged and replaced by defaults.
func New(opts Options) (*Writer, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.Width > 0xFFFF || opts.Height > 0xFFFF {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameSize, opts.Width, opts.Height)
	}
	if opts.Path == "" && opts.Sink == nil {
		return nil, fmt.Errorf("%w: no output path", ErrOpen)
	}
	params := opts.Params
	for _, problem := range params.Validate() {
		opsf("params: %v", problem)
	}
	return &Writer{
		id:      uuid.New(),
		path:    opts.Path,
		sink:    opts.Sink,
		width:   opts.Width,
		height:  opts.Height,
		nPixels: opts.Width * opts.Height,
		params:  params,
		depth:   params.NThreads + params.RingSlack,
		timeout: params.WaitTimeout,
		stats:   opts.Stats,
		preview: opts.Preview,
	}, nil
}

func (w *Writer) ID() uuid.UUID { return w.id }

func (w *Writer) State() State { return State(w.state.Load()) }

// NumWritten returns the number of frame chunks written so far.
func (w *Writer) NumWritten() uint64 { return w.numWritten.Load() }

// NumDropped returns the number of frames refused with ErrBackpressure.
func (w *Writer) NumDropped() uint64 { return w.numDropped.Load() }

// StartWrite opens the output, writes the header and starts the pipeline.
func (w *Writer) StartWrite() error {
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StateWriting)) {
		return ErrAlreadyStarted
	}
	start := time.Now()
	if err := w.start(); err != nil {
		w.state.Store(int32(StateIdle))
		opsf("session %s failed to start: %v", w.id, err)
		return err
	}
	w.stats.RecordTiming(stats.StartWriting, time.Since(start))
	opsf("session %s started: %s %dx%d, %d workers, ring depth %d", w.id, w.target(), w.width, w.height, w.params.NThreads, w.depth)
	if diagEnabled() {
		diagf("params: %+v", w.params)
	}
	return nil
}

func (w *Writer) target() string {
	if w.path != "" {
		return w.path
	}
	return "<sink>"
}

func (w *Writer) start() error {
	if uint64(w.nPixels)*uint64(w.depth) > maxRingBytes {
		return fmt.Errorf("%w: ring of %d x %d bytes", ErrAlloc, w.depth, w.nPixels)
	}
	bg, err := processing.NewBackgroundModel(w.width, w.height, processing.BackgroundOptions{
		NBins:           w.params.BGNBins,
		MinNFramesReset: w.params.MaxBGNFrames,
		ResetPolicy:     w.params.BGResetPolicy,
		BackSubThresh:   w.params.BackSubThresh,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAlloc, err)
	}
	slots := make([]*slot, w.depth)
	for i := range slots {
		if slots[i], err = newSlot(w.width, w.height, w.params.BoxLength, w.params.MaxFracFgCompress); err != nil {
			return fmt.Errorf("%w: %w", ErrAlloc, err)
		}
	}

	enc := output.NewEncoder(w.sink)
	if w.sink == nil {
		if enc, err = output.Create(w.path); err != nil {
			return fmt.Errorf("%w: %w", ErrOpen, err)
		}
	}
	headerStart := time.Now()
	err = enc.WriteHeader(output.Header{
		Version:   output.Version,
		Coding:    w.params.ColorCoding,
		Width:     uint16(w.width),
		Height:    uint16(w.height),
		BoxLength: uint16(w.params.BoxLength),
	})
	if err != nil {
		_ = enc.Close()
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	w.stats.RecordTiming(stats.WriteHeader, time.Since(headerStart))

	w.enc = enc
	w.bg = bg
	w.slots = slots
	w.claimable = make(chan struct{}, w.depth)
	w.stop = make(chan struct{})
	w.abort = make(chan struct{})
	w.writerDone = make(chan struct{})
	w.started = time.Now()

	for i := 0; i < w.params.NThreads; i++ {
		w.workers.Add(1)
		go w.compressLoop()
	}
	go w.writeLoop()
	return nil
}

// AddFrame queues one frame. See AddFrameExternal.
func (w *Writer) AddFrame(pixels []byte, timestamp float64) error {
	return w.AddFrameExternal(pixels, timestamp, 0, 0)
}

// AddFrameExternal queues one frame, passing the capture side's own dropped
// and buffered counters through to the stats. A nil return means the frame
// was accepted and will be written. ErrBackpressure means it was not and the
// session continues; any other error means the session is over. Only
// accepted frames are added to the background model.
func (w *Writer) AddFrameExternal(pixels []byte, timestamp float64, droppedExternal, bufferedExternal uint64) error {
	if w.State() != StateWriting {
		return ErrNotWriting
	}
	if len(pixels) != w.nPixels {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(pixels), w.nPixels)
	}
	if err := w.sessionErr(); err != nil {
		return err
	}

	w.addMu.Lock()
	defer w.addMu.Unlock()
	callStart := time.Now()

	w.mu.Lock()
	n := w.nextFrame
	w.mu.Unlock()
	s := w.slots[n%uint64(w.depth)]

	waitStart := time.Now()
	timer := time.NewTimer(w.timeout)
	select {
	case <-s.free:
		timer.Stop()
	case <-timer.C:
		dropped := w.numDropped.Add(1)
		w.stats.RecordDropped(1)
		tracef("frame at %.6f dropped: no free slot after %s (%d dropped)", timestamp, w.timeout, dropped)
		return ErrBackpressure
	case <-w.stop:
		timer.Stop()
		return ErrNotWriting
	case <-w.abort:
		timer.Stop()
		return w.sessionErr()
	}
	w.stats.RecordTiming(stats.WaitForUncompressedFrame, time.Since(waitStart))

	copy(s.pixels, pixels)
	s.frameNumber = n
	s.timestamp = timestamp
	s.dropped = droppedExternal + w.numDropped.Load()
	s.buffered = bufferedExternal + n - w.numWritten.Load()

	bgStart := time.Now()
	w.bg.AddFrame(pixels)
	w.stats.RecordTiming(stats.UpdateBackground, time.Since(bgStart))

	var snap *processing.Snapshot
	if !w.haveBG || n < uint64(w.params.NFramesInit) || timestamp-w.lastBGUpdate >= w.params.BGUpdatePeriod {
		computeStart := time.Now()
		snap = w.bg.Snapshot(n, timestamp)
		w.stats.RecordTiming(stats.ComputeBackground, time.Since(computeStart))
		w.haveBG = true
		w.lastBGUpdate = timestamp
		tracef("frame %d: background generation %d published", n, snap.Generation)
	}
	keyframeDue := !w.haveKeyframe || timestamp-w.lastKeyframe >= w.params.KeyFramePeriod(w.nKeyframesDue-1)
	if keyframeDue {
		w.haveKeyframe = true
		w.lastKeyframe = timestamp
		w.nKeyframesDue++
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		s.free <- struct{}{}
		return ErrNotWriting
	}
	if snap != nil {
		w.snapshots.publish(snap)
	}
	s.snap = w.snapshots.current()
	if keyframeDue {
		w.pendingKeyframes = append(w.pendingKeyframes, pendingKeyframe{timestamp: timestamp, snap: s.snap})
	}
	w.nextFrame = n + 1
	w.claimable <- struct{}{}
	w.mu.Unlock()

	if w.preview != nil {
		w.preview.Publish(n, timestamp, pixels)
	}
	w.stats.RecordTiming(stats.AddFrame, time.Since(callStart))
	return nil
}

func (w *Writer) sessionErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// fail records the first session-fatal error and aborts the pipeline.
func (w *Writer) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.abortOnce.Do(func() { close(w.abort) })
}

func (w *Writer) compressLoop() {
	defer w.workers.Done()
	for {
		idleStart := time.Now()
		select {
		case <-w.claimable:
		case <-w.abort:
			return
		case <-w.stop:
			// drain whatever was queued before the stop
			select {
			case <-w.claimable:
			default:
				return
			}
		}

		w.mu.Lock()
		n := w.nextClaim
		w.nextClaim++
		s := w.slots[n%uint64(w.depth)]
		w.mu.Unlock()
		w.stats.RecordTiming(stats.WaitForCompressionThread, time.Since(idleStart))

		if w.beforeCompress != nil {
			w.beforeCompress(n)
		}
		snap := s.snap
		if snap.MinFrame > s.frameNumber {
			// cannot happen: the slot captures the snapshot after its own update
			opsf("frame %d: background generation %d starts at frame %d", s.frameNumber, snap.Generation, snap.MinFrame)
		}
		start := time.Now()
		s.cf.SetData(s.pixels, s.timestamp, s.frameNumber, snap.Lower, snap.Upper)
		s.cf.Generation = snap.Generation
		w.stats.RecordTiming(stats.CompressFrame, time.Since(start))
		s.ready <- struct{}{}
	}
}

func (w *Writer) writeLoop() {
	defer close(w.writerDone)
	for {
		n := w.nextWrite
		s := w.slots[n%uint64(w.depth)]

		stopping := false
		select {
		case <-w.stop:
			stopping = true
		case <-w.abort:
			return
		default:
		}
		w.mu.Lock()
		outstanding := n < w.nextFrame
		w.mu.Unlock()
		if stopping && !outstanding {
			return
		}

		var stopCh <-chan struct{}
		if !stopping {
			stopCh = w.stop
		}
		waitStart := time.Now()
		timer := time.NewTimer(w.timeout)
		select {
		case <-s.ready:
			timer.Stop()
			w.stats.RecordTiming(stats.WaitForCompressedFrame, time.Since(waitStart))
			if err := w.writeSlot(s); err != nil {
				opsf("frame %d: %v", s.frameNumber, err)
				w.fail(err)
				return
			}
			w.nextWrite++
		case <-stopCh:
			timer.Stop()
		case <-w.abort:
			timer.Stop()
			return
		case <-timer.C:
			w.mu.Lock()
			outstanding = n < w.nextFrame
			w.mu.Unlock()
			if outstanding {
				err := fmt.Errorf("%w: frame %d not compressed after %s", ErrThreadTimeout, n, w.timeout)
				opsf("%v; forcing finalize with %d frames written", err, w.numWritten.Load())
				w.fail(err)
				return
			}
		}
	}
}

// writeSlot emits any keyframes due at the slot's timestamp, then the frame,
// then releases the slot.
func (w *Writer) writeSlot(s *slot) error {
	if w.beforeWrite != nil {
		w.beforeWrite(s.frameNumber)
	}
	for {
		w.mu.Lock()
		if len(w.pendingKeyframes) == 0 || w.pendingKeyframes[0].timestamp > s.timestamp {
			w.mu.Unlock()
			break
		}
		kf := w.pendingKeyframes[0]
		w.pendingKeyframes = w.pendingKeyframes[1:]
		w.mu.Unlock()

		start := time.Now()
		loc, err := w.enc.WriteKeyframe(kf.timestamp, kf.snap.Center)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
		w.numKeyframes.Add(1)
		w.stats.RecordTiming(stats.WriteKeyFrame, time.Since(start))
		w.stats.RecordKeyframe(kf.timestamp)
		diagf("keyframe at %.6f written at offset %d (background generation %d)", kf.timestamp, loc, kf.snap.Generation)
	}

	start := time.Now()
	loc, err := w.enc.WriteFrame(s.cf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	written := w.numWritten.Add(1)
	w.stats.RecordTiming(stats.WriteFrame, time.Since(start))

	rec := stats.FrameRecord{
		FrameNumber:  s.frameNumber,
		Timestamp:    s.timestamp,
		Buffered:     s.buffered,
		Dropped:      s.dropped,
		IsCompressed: s.cf.IsCompressed,
		FrameBytes:   s.cf.EncodedSize(),
		NumFore:      s.cf.NumFore,
		NumPxWritten: s.cf.NumPxWritten,
		NumTiles:     s.cf.NumTiles(),
	}
	if s.cf.IsCompressed && w.stats.ShouldComputeError(s.frameNumber) {
		errStart := time.Now()
		fe := stats.ComputeFrameError(s.pixels, s.cf.NWrites, s.snap.Center, w.width, w.height)
		rec.Error = &fe
		w.stats.RecordTiming(stats.ComputeStatistics, time.Since(errStart))
	}
	w.stats.RecordFrame(rec)
	tracef("frame %d at %.6f: offset %d compressed=%t fore=%d tiles=%d (%d written)",
		s.frameNumber, s.timestamp, loc, s.cf.IsCompressed, s.cf.NumFore, s.cf.NumTiles(), written)

	s.release()
	return nil
}

// StopWrite stops accepting frames, drains the pipeline, writes the index and
// closes the output. It returns the number of frames written and the
// session-fatal error, if any. After ErrThreadTimeout the file is still
// finalized; after ErrWrite its index pointer stays zero.
func (w *Writer) StopWrite() (uint64, error) {
	if !w.state.CompareAndSwap(int32(StateWriting), int32(StateDraining)) {
		return w.numWritten.Load(), ErrNotWriting
	}
	start := time.Now()

	w.mu.Lock()
	w.stopped = true
	queued := w.nextFrame - w.numWritten.Load()
	w.mu.Unlock()
	close(w.stop)
	diagf("session %s draining %d queued frames", w.id, queued)

	drainBound := w.timeout * time.Duration(w.depth+1)
	if !waitClosed(w.writerDone, drainBound) {
		err := fmt.Errorf("%w: writer did not drain within %s", ErrThreadTimeout, drainBound)
		opsf("session %s: %v", w.id, err)
		w.fail(err)
		// the writer may still hold the encoder; leave the index unwritten
		_ = w.enc.Close()
		return w.finish(start)
	}

	workersDone := make(chan struct{})
	go func() {
		w.workers.Wait()
		close(workersDone)
	}()
	if !waitClosed(workersDone, w.timeout) {
		err := fmt.Errorf("%w: compression workers still busy after %s", ErrThreadTimeout, w.timeout)
		opsf("session %s: %v", w.id, err)
		w.fail(err)
	}
	w.abortOnce.Do(func() { close(w.abort) })

	if errors.Is(w.sessionErr(), ErrWrite) {
		opsf("session %s: output failed, index not written", w.id)
		_ = w.enc.Close()
		return w.finish(start)
	}

	footerStart := time.Now()
	loc, err := w.enc.WriteIndex()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrWrite, err)
		opsf("session %s: %v", w.id, err)
		w.fail(err)
		_ = w.enc.Close()
		return w.finish(start)
	}
	w.stats.RecordTiming(stats.WriteFooter, time.Since(footerStart))
	if err := w.enc.Close(); err != nil {
		err = fmt.Errorf("%w: %w", ErrWrite, err)
		opsf("session %s: %v", w.id, err)
		w.fail(err)
		return w.finish(start)
	}

	w.mu.Lock()
	w.indexLoc = loc
	w.finalized = true
	w.mu.Unlock()
	return w.finish(start)
}

func (w *Writer) finish(start time.Time) (uint64, error) {
	w.stats.RecordTiming(stats.StopWriting, time.Since(start))
	if err := w.stats.Close(); err != nil {
		opsf("session %s: closing stats: %v", w.id, err)
	}
	w.mu.Lock()
	w.stoppedAt = time.Now()
	err := w.err
	w.mu.Unlock()
	w.state.Store(int32(StateClosed))

	written := w.numWritten.Load()
	opsf("session %s stopped: %d frames, %d keyframes, %d dropped, finalized=%t",
		w.id, written, w.numKeyframes.Load(), w.numDropped.Load(), w.finalized)
	return written, err
}

// Info reports the session's counters. It is meaningful at any time but
// final only after StopWrite.
func (w *Writer) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Info{
		ID:               w.id,
		Path:             w.path,
		Width:            w.width,
		Height:           w.height,
		FramesWritten:    w.numWritten.Load(),
		KeyframesWritten: w.numKeyframes.Load(),
		FramesDropped:    w.numDropped.Load(),
		IndexLoc:         w.indexLoc,
		Finalized:        w.finalized,
		Started:          w.started,
		Stopped:          w.stoppedAt,
		Err:              w.err,
	}
}

func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
